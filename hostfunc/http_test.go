package hostfunc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/hostbridge/errno"
)

func httpArgs(t *testing.T, req HTTPRequest) []byte {
	t.Helper()
	b, err := json.Marshal(req)
	require.NoError(t, err)
	return b
}

func TestHTTPGetRejected(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		req     HTTPRequest
		want    errno.Errno
		msg     string
	}{
		{"no hosts", nil, HTTPRequest{URL: "https://example.com"}, errno.NotCapable, "http not enabled"},
		{"unallowed host", []string{"allowed.com"}, HTTPRequest{URL: "https://evil.com"}, errno.Access, "host not allowed: evil.com"},
		{"query param bypass", []string{"allowed.com"}, HTTPRequest{URL: "https://evil.com/?x=allowed.com"}, errno.Access, "host not allowed: evil.com"},
		{"subdomain suffix bypass", []string{"allowed.com"}, HTTPRequest{URL: "https://allowed.com.evil.com/"}, errno.Access, "host not allowed: allowed.com.evil.com"},
		{"missing url", []string{"example.com"}, HTTPRequest{}, errno.Inval, "url required"},
		{"invalid url", []string{"example.com"}, HTTPRequest{URL: "://invalid"}, errno.Inval, "invalid url"},
		{"bad scheme", []string{"example.com"}, HTTPRequest{URL: "ftp://example.com"}, errno.Inval, "scheme must be http or https"},
		{"url too long", []string{"example.com"}, HTTPRequest{URL: "https://example.com/" + strings.Repeat("a", 10*1024)}, errno.TooBig, "url exceeds max length"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHTTP(HTTPConfig{AllowedHosts: tt.allowed})
			_, err := h.Get(context.Background(), httpArgs(t, tt.req))
			require.Error(t, err)
			assert.Equal(t, tt.want, errno.From(err))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestHTTPRequestUnsupportedMethod(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"example.com"}})
	_, err := h.Request(context.Background(), httpArgs(t, HTTPRequest{Method: "TRACE", URL: "https://example.com"}))
	assert.Equal(t, errno.Inval, errno.From(err))
}

func TestHTTPCustomMaxURLLength(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"example.com"}, MaxURLLength: 100})
	_, err := h.Get(context.Background(), httpArgs(t, HTTPRequest{URL: "https://example.com/" + strings.Repeat("a", 200)}))
	assert.Equal(t, errno.TooBig, errno.From(err))
}

func TestHTTPAllowsExactHost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Echo", r.Method)
		w.WriteHeader(201)
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"127.0.0.1"}})
	out, err := h.Request(context.Background(), httpArgs(t, HTTPRequest{Method: "post", URL: server.URL, Body: "x"}))
	require.NoError(t, err)

	var resp HTTPResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, `{"ok": true}`, resp.Body)
	assert.Equal(t, "POST", resp.Headers["X-Echo"])
}

func TestHTTPIsHostAllowed(t *testing.T) {
	tests := []struct {
		allowed []string
		host    string
		want    bool
	}{
		{[]string{"example.com"}, "api.example.com", true},
		{[]string{"example.com"}, "example.com", true},
		{[]string{"example.com"}, "notexample.com", false},
		{[]string{"::1"}, "::1", true},
		{[]string{"::1"}, "0:0:0:0:0:0:0:1", true},
		{[]string{"::1"}, "::2", false},
		{[]string{"::1"}, "example.com", false},
		{[]string{"example.com"}, "127.0.0.1", false},
		{[]string{"example.com"}, "2001:db8::1", false},
		{[]string{"192.168.1.1"}, "192.168.1.1", true},
		{[]string{"192.168.1.1"}, "192.168.1.2", false},
	}

	for _, tc := range tests {
		h := NewHTTP(HTTPConfig{AllowedHosts: tc.allowed})
		assert.Equal(t, tc.want, h.isHostAllowed(tc.host), "allowed=%v host=%q", tc.allowed, tc.host)
	}
}
