package hostfunc

import (
	"bytes"
	"context"
	"sort"
)

// NewEnviron serves the "environ" function: the guest's environment as
// NUL-terminated KEY=VALUE entries, sorted by key. The map is copied.
func NewEnviron(env map[string]string) Func {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(env[k])
		buf.WriteByte(0)
	}
	block := buf.Bytes()

	return func(ctx context.Context, args []byte) ([]byte, error) {
		return block, nil
	}
}
