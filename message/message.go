// Package message defines the messages exchanged between the context that
// hosts a guest (the worker) and the context that owns real capabilities
// (the service).
//
// Messages form a closed set. Every variant is a pointer type implementing
// [Message]; the discriminant travels in the "method" field of the wire
// envelope, so a peer can route a message without a shared schema registry.
package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/caffeineduck/hostbridge/errno"
)

// Method is the wire discriminant of a message.
type Method string

const (
	MethodWorkerReady     Method = "workerReady"
	MethodStartMain       Method = "startMain"
	MethodSyscallRequest  Method = "syscallRequest"
	MethodSyscallResponse Method = "syscallResponse"
	MethodExited          Method = "exited"
	MethodProtocolError   Method = "protocolError"
)

// Methods lists every known discriminant in protocol order.
var Methods = []Method{
	MethodWorkerReady,
	MethodStartMain,
	MethodSyscallRequest,
	MethodSyscallResponse,
	MethodExited,
	MethodProtocolError,
}

var (
	ErrUnknownMethod = errors.New("unknown message method")
	ErrMalformed     = errors.New("malformed message")
)

// Message is implemented by the variants in this package only.
type Message interface {
	Method() Method
	sealed()
}

// WorkerReady is sent once by the worker before it accepts StartMain.
type WorkerReady struct{}

// StartMain asks the worker to instantiate and run a guest module.
type StartMain struct {
	// Bits holds the module binary. On in-process transports the buffer is
	// shared, not copied.
	Bits *SharedBuffer `json:"bits" validate:"required"`
	// Args become the guest's argv.
	Args []string `json:"args,omitempty"`
	// Capabilities names the host functions the guest may call. The set is
	// fixed for the lifetime of the instance.
	Capabilities []string     `json:"capabilities,omitempty" validate:"dive,required"`
	Memory       MemoryBounds `json:"memory"`
}

// MemoryBounds declares the guest's linear memory in 64KiB pages.
type MemoryBounds struct {
	InitialPages uint32 `json:"initialPages" validate:"ltefield=MaxPages"`
	MaxPages     uint32 `json:"maxPages" validate:"min=1,max=65536"`
}

// SyscallRequest forwards a guest call that needs host capability.
type SyscallRequest struct {
	CallID   uint64 `json:"callId"`
	Function string `json:"function"`
	Args     []byte `json:"args,omitempty"`
}

// SyscallResponse answers the SyscallRequest with the same CallID.
type SyscallResponse struct {
	CallID uint64      `json:"callId"`
	Errno  errno.Errno `json:"errno"`
	Result []byte      `json:"result,omitempty"`
}

// Exited reports the end of a guest instance. Error is set when the guest
// could not be started or was torn down by the bridge.
type Exited struct {
	Code  uint32 `json:"code"`
	Error string `json:"error,omitempty"`
}

// ProtocolError tells the peer one of its messages arrived out of sequence.
type ProtocolError struct {
	Reason string `json:"reason"`
}

func (*WorkerReady) Method() Method     { return MethodWorkerReady }
func (*StartMain) Method() Method       { return MethodStartMain }
func (*SyscallRequest) Method() Method  { return MethodSyscallRequest }
func (*SyscallResponse) Method() Method { return MethodSyscallResponse }
func (*Exited) Method() Method          { return MethodExited }
func (*ProtocolError) Method() Method   { return MethodProtocolError }

func (*WorkerReady) sealed()     {}
func (*StartMain) sealed()       {}
func (*SyscallRequest) sealed()  {}
func (*SyscallResponse) sealed() {}
func (*Exited) sealed()          {}
func (*ProtocolError) sealed()   {}

// New returns a zero value of the variant named by method.
func New(method Method) (Message, error) {
	switch method {
	case MethodWorkerReady:
		return &WorkerReady{}, nil
	case MethodStartMain:
		return &StartMain{}, nil
	case MethodSyscallRequest:
		return &SyscallRequest{}, nil
	case MethodSyscallResponse:
		return &SyscallResponse{}, nil
	case MethodExited:
		return &Exited{}, nil
	case MethodProtocolError:
		return &ProtocolError{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
}

// SharedBuffer is a byte region handed between contexts by reference.
// Holders must treat the contents as read-only once posted.
type SharedBuffer struct {
	b []byte
}

// NewSharedBuffer wraps b without copying it.
func NewSharedBuffer(b []byte) *SharedBuffer {
	return &SharedBuffer{b: b}
}

// Bytes returns the shared region.
func (s *SharedBuffer) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.b
}

// Len returns the size of the region in bytes.
func (s *SharedBuffer) Len() int {
	if s == nil {
		return 0
	}
	return len(s.b)
}

func (s *SharedBuffer) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.b)
}

func (s *SharedBuffer) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &s.b)
}
