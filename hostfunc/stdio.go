package hostfunc

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/caffeineduck/hostbridge/errno"
)

const (
	FdStdin  = 0
	FdStdout = 1
	FdStderr = 2
)

// DefaultMaxRead caps a single fd_read request.
const DefaultMaxRead = 64 << 10

// Stdio serves "fd_write" and "fd_read" against the guest's standard
// streams. A nil writer discards output and a nil reader is always at EOF.
type Stdio struct {
	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader

	mu sync.Mutex
}

// Write handles args of [fd u32 LE][data...] and returns the byte count as
// u32 LE.
func (s *Stdio) Write(ctx context.Context, args []byte) ([]byte, error) {
	if len(args) < 4 {
		return nil, errno.New(errno.Inval, "fd_write: short args")
	}
	fd := binary.LittleEndian.Uint32(args)
	data := args[4:]

	var w io.Writer
	switch fd {
	case FdStdout:
		w = s.Stdout
	case FdStderr:
		w = s.Stderr
	default:
		return nil, errno.New(errno.BadF, "fd_write: not an output stream")
	}
	if w == nil {
		w = io.Discard
	}

	s.mu.Lock()
	n, err := w.Write(data)
	s.mu.Unlock()
	if err != nil && n == 0 {
		return nil, errno.Wrap(errno.IO, err)
	}

	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(n))
	return out, nil
}

// Read handles args of [fd u32 LE][maxlen u32 LE] and returns up to maxlen
// bytes. An empty result means end of input.
func (s *Stdio) Read(ctx context.Context, args []byte) ([]byte, error) {
	if len(args) < 8 {
		return nil, errno.New(errno.Inval, "fd_read: short args")
	}
	if fd := binary.LittleEndian.Uint32(args); fd != FdStdin {
		return nil, errno.New(errno.BadF, "fd_read: not an input stream")
	}
	maxlen := binary.LittleEndian.Uint32(args[4:])
	if maxlen > DefaultMaxRead {
		maxlen = DefaultMaxRead
	}
	if s.Stdin == nil || maxlen == 0 {
		return []byte{}, nil
	}

	buf := make([]byte, maxlen)
	n, err := s.Stdin.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) && n == 0 {
		return nil, errno.Wrap(errno.IO, err)
	}
	return buf[:n], nil
}
