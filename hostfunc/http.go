package hostfunc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/caffeineduck/hostbridge/errno"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 1 << 20 // 1MB
	DefaultRequestTimeout = 30 * time.Second
)

type HTTPConfig struct {
	AllowedHosts   []string
	MaxBodySize    int64
	MaxURLLength   int
	RequestTimeout time.Duration
}

type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	return &HTTP{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// HTTPFunctions names the functions an HTTP registers.
var HTTPFunctions = []string{"http_request", "http_get"}

// Register adds http_request and http_get to r.
func (h *HTTP) Register(r *Registry) {
	r.Register("http_request", h.Request)
	r.Register("http_get", h.Get)
}

// Request performs an HTTPRequest and returns an HTTPResponse as JSON.
// Hosts outside the allowlist are EACCES.
func (h *HTTP) Request(ctx context.Context, args []byte) ([]byte, error) {
	var req HTTPRequest
	if err := decodeArgs("http_request", args, &req); err != nil {
		return nil, err
	}
	return h.do(ctx, req)
}

// Get is Request with the method forced to GET.
func (h *HTTP) Get(ctx context.Context, args []byte) ([]byte, error) {
	var req HTTPRequest
	if err := decodeArgs("http_get", args, &req); err != nil {
		return nil, err
	}
	req.Method = http.MethodGet
	return h.do(ctx, req)
}

func (h *HTTP) do(ctx context.Context, r HTTPRequest) ([]byte, error) {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}

	switch method {
	case "GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS":
	default:
		return nil, errno.New(errno.Inval, "unsupported method: "+method)
	}

	if r.URL == "" {
		return nil, errno.New(errno.Inval, "url required")
	}
	if len(r.URL) > h.cfg.MaxURLLength {
		return nil, errno.New(errno.TooBig, "url exceeds max length")
	}

	parsed, err := url.Parse(r.URL)
	if err != nil {
		return nil, errno.New(errno.Inval, "invalid url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errno.New(errno.Inval, "scheme must be http or https")
	}

	if len(h.cfg.AllowedHosts) == 0 {
		return nil, errno.New(errno.NotCapable, "http not enabled")
	}

	host := parsed.Hostname()
	if !h.isHostAllowed(host) {
		return nil, errno.New(errno.Access, "host not allowed: "+host)
	}

	var body io.Reader
	if r.Body != "" {
		if int64(len(r.Body)) > h.cfg.MaxBodySize {
			return nil, errno.New(errno.TooBig, "request body exceeds max size")
		}
		body = strings.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, errno.Wrap(errno.Inval, fmt.Errorf("create request: %w", err))
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errno.Wrap(errno.IO, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodySize))
	if err != nil {
		return nil, errno.Wrap(errno.IO, fmt.Errorf("read response: %w", err))
	}

	respHeaders := make(map[string]string)
	for k, v := range resp.Header {
		if len(v) > 0 {
			respHeaders[k] = v[0]
		}
	}

	return json.Marshal(HTTPResponse{
		Status:  resp.StatusCode,
		Body:    string(respBody),
		Headers: respHeaders,
	})
}

// isHostAllowed matches exact hosts and subdomains of allowed names. IP
// literals are compared in canonical form and never match by suffix.
func (h *HTTP) isHostAllowed(host string) bool {
	ip := net.ParseIP(host)
	for _, allowed := range h.cfg.AllowedHosts {
		if ip != nil {
			if aip := net.ParseIP(allowed); aip != nil && aip.Equal(ip) {
				return true
			}
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}
