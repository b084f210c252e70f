package hostfunc

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/hostbridge/errno"
)

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, []byte) ([]byte, error) { return nil, nil }
	r.Register("zeta", noop)
	r.Register("alpha", noop)

	assert.Equal(t, []string{"alpha", "zeta"}, r.List())
	_, ok := r.Get("alpha")
	assert.True(t, ok)
	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestCapabilities(t *testing.T) {
	c := NewCapabilities("fd_write", "environ", "fd_write")
	assert.True(t, c.Allows("environ"))
	assert.False(t, c.Allows("kv_get"))
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, []string{"environ", "fd_write"}, c.Names())

	var none Capabilities
	assert.False(t, none.Allows("environ"))
}

func TestEnviron(t *testing.T) {
	fn := NewEnviron(map[string]string{"B": "2", "A": "1"})
	out, err := fn(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "A=1\x00B=2\x00", string(out))

	out, err = NewEnviron(nil)(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func fdArgs(fd uint32, rest ...byte) []byte {
	b := make([]byte, 4, 4+len(rest))
	binary.LittleEndian.PutUint32(b, fd)
	return append(b, rest...)
}

func TestStdioWrite(t *testing.T) {
	var stdout, stderr bytes.Buffer
	s := &Stdio{Stdout: &stdout, Stderr: &stderr}
	ctx := context.Background()

	out, err := s.Write(ctx, fdArgs(FdStdout, []byte("hello")...))
	require.NoError(t, err)
	assert.Equal(t, uint32(5), binary.LittleEndian.Uint32(out))

	_, err = s.Write(ctx, fdArgs(FdStderr, []byte("oops")...))
	require.NoError(t, err)

	assert.Equal(t, "hello", stdout.String())
	assert.Equal(t, "oops", stderr.String())

	_, err = s.Write(ctx, fdArgs(FdStdin, 'x'))
	assert.Equal(t, errno.BadF, errno.From(err))

	_, err = s.Write(ctx, []byte{1})
	assert.Equal(t, errno.Inval, errno.From(err))
}

func TestStdioWriteDiscardsWithoutWriter(t *testing.T) {
	s := &Stdio{}
	out, err := s.Write(context.Background(), fdArgs(FdStdout, []byte("gone")...))
	require.NoError(t, err)
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(out))
}

func TestStdioRead(t *testing.T) {
	s := &Stdio{Stdin: strings.NewReader("abcdef")}
	ctx := context.Background()

	readArgs := func(fd, n uint32) []byte {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint32(b, fd)
		binary.LittleEndian.PutUint32(b[4:], n)
		return b
	}

	out, err := s.Read(ctx, readArgs(FdStdin, 4))
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(out))

	out, err = s.Read(ctx, readArgs(FdStdin, 100))
	require.NoError(t, err)
	assert.Equal(t, "ef", string(out))

	out, err = s.Read(ctx, readArgs(FdStdin, 100))
	require.NoError(t, err)
	assert.Empty(t, out, "EOF is an empty result")

	_, err = s.Read(ctx, readArgs(FdStdout, 1))
	assert.Equal(t, errno.BadF, errno.From(err))

	_, err = s.Read(ctx, []byte{0, 0, 0, 0})
	assert.Equal(t, errno.Inval, errno.From(err))

	out, err = (&Stdio{}).Read(ctx, readArgs(FdStdin, 10))
	require.NoError(t, err)
	assert.Empty(t, out)
}
