package message

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-playground/validator/v10"
)

// MaxEncodedSize bounds a single encoded message on stream transports.
const MaxEncodedSize = 256 << 20

var ErrTooLarge = errors.New("message exceeds maximum encoded size")

type header struct {
	Method Method `json:"method"`
}

// Encode renders m as a flat JSON object whose "method" field names the
// variant, e.g. {"method":"syscallRequest","callId":1,"function":"fd_write"}.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}

	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Method(), err)
	}
	head, err := json.Marshal(header{Method: m.Method()})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Method(), err)
	}

	// splice {"method":...} with the variant's own fields
	if bytes.Equal(body, []byte("{}")) {
		return head, nil
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (Message, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.Method == "" {
		return nil, fmt.Errorf("%w: missing method", ErrMalformed)
	}

	m, err := New(h.Method)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, h.Method, err)
	}
	return m, nil
}

// Encoder writes newline-delimited envelopes.
type Encoder struct {
	w  io.Writer
	mu sync.Mutex
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	if len(data) > MaxEncodedSize {
		return fmt.Errorf("%w: %s", ErrTooLarge, m.Method())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(append(data, '\n'))
	return err
}

// Decoder reads newline-delimited envelopes.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64<<10)}
}

// Decode returns the next message. Blank lines are skipped.
func (d *Decoder) Decode() (Message, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return Decode(line)
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > MaxEncodedSize {
			return nil, ErrTooLarge
		}
		switch {
		case err == nil:
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(buf)) > 0:
			return buf, nil
		default:
			return nil, err
		}
	}
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validate checks the structural constraints of m. Only StartMain carries
// constraints today; other variants always pass.
func Validate(m Message) error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})

	sm, ok := m.(*StartMain)
	if !ok {
		return nil
	}
	if err := validate.Struct(sm); err != nil {
		return fmt.Errorf("%w: startMain: %v", ErrMalformed, err)
	}
	if sm.Bits.Len() == 0 {
		return fmt.Errorf("%w: startMain: empty module", ErrMalformed)
	}
	return nil
}
