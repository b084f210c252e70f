package errno

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrom(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Errno
	}{
		{"nil", nil, Success},
		{"plain error", errors.New("boom"), IO},
		{"explicit errno", New(NotCapable, "denied"), NotCapable},
		{"wrapped errno", fmt.Errorf("handler: %w", Wrap(NoEnt, errors.New("missing"))), NoEnt},
		{"canceled", context.Canceled, Canceled},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), TimedOut},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, From(tt.err))
		})
	}
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(IO, nil))
}

func TestName(t *testing.T) {
	assert.Equal(t, "EFAULT", Fault.Name())
	assert.Equal(t, "errno(999)", Errno(999).Name())
	assert.Equal(t, "ENOTCAPABLE: denied", New(NotCapable, "denied").Error())
}
