package conn

import (
	"errors"
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/caffeineduck/hostbridge/message"
)

// Stream is a connection end over a byte stream carrying newline-delimited
// JSON envelopes. Shared buffers are serialized inline.
type Stream struct {
	rwc io.ReadWriteCloser
	enc *message.Encoder
	dec *message.Decoder
	out *outbox
	in  *inbox
	rep reporter
	log *zap.Logger

	group     errgroup.Group
	done      chan struct{}
	closeOnce sync.Once
	gone      chan struct{}
	goneOnce  sync.Once
}

// NewStream starts reading from and writing to rwc.
func NewStream(rwc io.ReadWriteCloser, opts ...Option) *Stream {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.logger
	if cfg.name != "" {
		log = log.With(zap.String("conn", cfg.name))
	}

	s := &Stream{
		rwc:  rwc,
		enc:  message.NewEncoder(rwc),
		dec:  message.NewDecoder(rwc),
		out:  newOutbox(),
		in:   newInbox(),
		rep:  reporter{errs: make(chan error, cfg.errBuffer), logger: log},
		log:  log,
		done: make(chan struct{}),
		gone: make(chan struct{}),
	}

	s.group.Go(s.readLoop)
	s.group.Go(s.writeLoop)
	return s
}

func (s *Stream) Post(m message.Message) error {
	if m == nil {
		return message.ErrMalformed
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	return s.out.push(m)
}

func (s *Stream) OnMessage(h Handler) error {
	return s.in.register(h)
}

func (s *Stream) Errors() <-chan error { return s.rep.errs }

func (s *Stream) Done() <-chan struct{} { return s.done }

// PeerGone is closed once the remote side stops reading or writing.
func (s *Stream) PeerGone() <-chan struct{} { return s.gone }

func (s *Stream) Shutdown() error {
	s.out.drain()
	return nil
}

// Close shuts the stream and reports queued messages as undelivered.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.rwc.Close()
		for _, m := range s.out.close() {
			s.rep.report(m, ErrClosed)
		}
	})
	return err
}

// Wait blocks until both transport loops have exited and returns the first
// transport failure.
func (s *Stream) Wait() error {
	return s.group.Wait()
}

func (s *Stream) markGone() {
	s.goneOnce.Do(func() { close(s.gone) })
}

func (s *Stream) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Stream) readLoop() error {
	defer s.markGone()

	for {
		m, err := s.dec.Decode()
		if err != nil {
			if errors.Is(err, message.ErrMalformed) || errors.Is(err, message.ErrUnknownMethod) {
				s.log.Error("discarding undecodable message", zap.Error(err))
				continue
			}
			if s.closing() || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		select {
		case <-s.in.set:
		case <-s.done:
			return nil
		}
		s.in.get()(m)
	}
}

func (s *Stream) writeLoop() error {
	for {
		for {
			m, ok := s.out.pop()
			if !ok {
				break
			}
			select {
			case <-s.gone:
				s.rep.report(m, ErrPeerClosed)
				continue
			default:
			}
			if err := s.enc.Encode(m); err != nil {
				if errors.Is(err, message.ErrTooLarge) {
					s.rep.report(m, err)
					continue
				}
				s.markGone()
				s.rep.report(m, multierr.Append(ErrPeerClosed, err))
			}
		}
		if s.out.drained() {
			return s.Close()
		}

		select {
		case <-s.out.notify:
		case <-s.done:
			return nil
		}
	}
}

type joined struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (j joined) Close() error {
	var err error
	for _, c := range j.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// Join pairs a reader and a writer, such as a child process's stdout and
// stdin, into one stream. Close closes both.
func Join(r io.ReadCloser, w io.WriteCloser) io.ReadWriteCloser {
	return joined{Reader: r, Writer: w, closers: []io.Closer{w, r}}
}
