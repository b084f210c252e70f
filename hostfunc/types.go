package hostfunc

import (
	"encoding/json"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/caffeineduck/hostbridge/errno"
)

// KV store types

type KVGetRequest struct {
	Key string `json:"key" validate:"required"`
}

type KVSetRequest struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value"`
}

type KVDeleteRequest struct {
	Key string `json:"key" validate:"required"`
}

// HTTP types

type HTTPRequest struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type HTTPResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// decodeArgs unmarshals JSON args into v and checks its validate tags.
// Failures are EINVAL.
func decodeArgs(fn string, args []byte, v any) error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})

	if len(args) == 0 {
		args = []byte("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return errno.New(errno.Inval, fn+": invalid arguments: "+err.Error())
	}
	if err := validate.Struct(v); err != nil {
		return errno.New(errno.Inval, fn+": "+err.Error())
	}
	return nil
}
