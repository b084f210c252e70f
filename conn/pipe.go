package conn

import (
	"sync"

	"go.uber.org/zap"

	"github.com/caffeineduck/hostbridge/message"
)

// Endpoint is one side of an in-process pipe.
type Endpoint struct {
	peer *Endpoint
	out  *outbox
	in   *inbox
	rep  reporter
	log  *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// Pipe returns two connected endpoints. Messages posted on one are handed
// to the other's handler as the same Go value.
func Pipe(opts ...Option) (*Endpoint, *Endpoint) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	a := newEndpoint(cfg, "a")
	b := newEndpoint(cfg, "b")
	a.peer, b.peer = b, a

	go a.pump()
	go b.pump()
	return a, b
}

func newEndpoint(cfg config, side string) *Endpoint {
	name := side
	if cfg.name != "" {
		name = cfg.name + "/" + side
	}
	log := cfg.logger.With(zap.String("conn", name))

	return &Endpoint{
		out:  newOutbox(),
		in:   newInbox(),
		rep:  reporter{errs: make(chan error, cfg.errBuffer), logger: log},
		log:  log,
		done: make(chan struct{}),
	}
}

func (e *Endpoint) Post(m message.Message) error {
	if m == nil {
		return message.ErrMalformed
	}
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	return e.out.push(m)
}

func (e *Endpoint) OnMessage(h Handler) error {
	return e.in.register(h)
}

func (e *Endpoint) Errors() <-chan error { return e.rep.errs }

func (e *Endpoint) Done() <-chan struct{} { return e.done }

func (e *Endpoint) Shutdown() error {
	e.out.drain()
	return nil
}

// Close stops this end. Messages still queued are reported as undelivered.
// It does not wait for an in-progress delivery, so handlers may close
// either end.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		for _, m := range e.out.close() {
			e.rep.report(m, ErrClosed)
		}
	})
	return nil
}

// pump delivers this end's outbound queue to the peer, one message at a
// time, which serializes the peer's handler.
func (e *Endpoint) pump() {
	for {
		for {
			m, ok := e.out.pop()
			if !ok {
				break
			}
			if !e.deliver(m) {
				return
			}
		}
		if e.out.drained() {
			e.Close()
			return
		}

		select {
		case <-e.out.notify:
		case <-e.done:
			return
		}
	}
}

// deliver reports false when this end is shutting down.
func (e *Endpoint) deliver(m message.Message) bool {
	select {
	case <-e.done:
		e.rep.report(m, ErrClosed)
		return false
	default:
	}

	select {
	case <-e.peer.in.set:
	case <-e.peer.done:
	case <-e.done:
		e.rep.report(m, ErrClosed)
		return false
	}

	select {
	case <-e.peer.done:
		e.rep.report(m, ErrPeerClosed)
		return true
	default:
	}

	e.log.Debug("deliver", zap.String("method", string(m.Method())))
	e.peer.in.get()(m)
	return true
}
