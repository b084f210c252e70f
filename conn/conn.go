// Package conn provides the host connection: an asynchronous, ordered,
// message-oriented channel between the worker that runs a guest and the
// service that owns real capabilities.
//
// Two transports are available. [Pipe] connects two endpoints inside one
// process and hands messages over as Go values, so shared buffers travel by
// reference. [NewStream] speaks newline-delimited JSON envelopes over any
// byte stream, such as the stdio of a child process.
//
// Post never blocks. A message that cannot be delivered is reported on
// Errors as a *DeliveryError.
package conn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/caffeineduck/hostbridge/message"
)

var (
	ErrClosed     = errors.New("connection closed")
	ErrPeerClosed = errors.New("peer closed")
	ErrHandlerSet = errors.New("message handler already registered")
)

// Handler receives inbound messages. Calls on one connection are serialized.
type Handler func(message.Message)

// Conn is one end of a host connection.
type Conn interface {
	// Post enqueues m for delivery. It fails only if this end is closed.
	Post(m message.Message) error
	// OnMessage registers the single inbound handler. Messages that arrive
	// before registration are held until it happens.
	OnMessage(h Handler) error
	// Errors reports messages that could not be delivered.
	Errors() <-chan error
	// Done is closed when this end shuts down.
	Done() <-chan struct{}
	// Shutdown stops accepting posts, delivers what is already queued and
	// then closes this end. It does not wait.
	Shutdown() error
	Close() error
}

// DeliveryError reports a message that never reached the peer.
type DeliveryError struct {
	Method message.Method
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s: %v", e.Method, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Option configures a connection end.
type Option func(*config)

type config struct {
	name      string
	logger    *zap.Logger
	errBuffer int
}

func defaultConfig() config {
	return config{
		logger:    zap.NewNop(),
		errBuffer: 64,
	}
}

// WithLogger sets the logger used for transport diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithName labels the end in log output.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithErrorBuffer sets how many undelivered-message reports are buffered
// on Errors before further reports are only logged.
func WithErrorBuffer(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.errBuffer = n
		}
	}
}

// outbox is an unbounded FIFO with a wake-up signal for one consumer.
type outbox struct {
	mu       sync.Mutex
	q        *queue.Queue
	notify   chan struct{}
	closed   bool
	draining bool
}

func newOutbox() *outbox {
	return &outbox{
		q:      queue.New(),
		notify: make(chan struct{}, 1),
	}
}

func (o *outbox) push(m message.Message) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.q.Add(m)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return nil
}

// pop returns the oldest message, if any.
func (o *outbox) pop() (message.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.q.Length() == 0 {
		return nil, false
	}
	return o.q.Remove().(message.Message), true
}

// drain rejects further pushes but keeps what is queued for the consumer.
func (o *outbox) drain() {
	o.mu.Lock()
	o.closed = true
	o.draining = true
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// drained reports whether a drain was requested and the queue is empty.
func (o *outbox) drained() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.draining && o.q.Length() == 0
}

// close rejects further pushes and returns whatever was still queued.
func (o *outbox) close() []message.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true

	rest := make([]message.Message, 0, o.q.Length())
	for o.q.Length() > 0 {
		rest = append(rest, o.q.Remove().(message.Message))
	}
	return rest
}

// inbox holds the single handler and gates delivery until it is set.
type inbox struct {
	mu      sync.Mutex
	handler Handler
	set     chan struct{}
}

func newInbox() *inbox {
	return &inbox{set: make(chan struct{})}
}

func (in *inbox) register(h Handler) error {
	if h == nil {
		return errors.New("nil message handler")
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.handler != nil {
		return ErrHandlerSet
	}
	in.handler = h
	close(in.set)
	return nil
}

func (in *inbox) get() Handler {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.handler
}

// reporter delivers DeliveryErrors without ever blocking the transport.
type reporter struct {
	errs   chan error
	logger *zap.Logger
}

func (r reporter) report(m message.Message, err error) {
	derr := &DeliveryError{Method: m.Method(), Err: err}
	r.logger.Warn("message not delivered",
		zap.String("method", string(m.Method())),
		zap.Error(err))

	select {
	case r.errs <- derr:
	default:
		r.logger.Error("delivery error buffer full", zap.Error(derr))
	}
}
