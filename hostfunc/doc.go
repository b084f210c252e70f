// Package hostfunc provides the host functions a guest reaches through the
// bridge.
//
// A host function receives the raw argument bytes of a syscallRequest and
// returns the result bytes of the matching syscallResponse. Errors carry
// their WASI status through [errno.Error]; any other error is reported to
// the guest as EIO.
//
// # Registry
//
// The [Registry] maps function names to implementations:
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("now", func(ctx context.Context, args []byte) ([]byte, error) {
//	    return []byte(time.Now().Format(time.RFC3339)), nil
//	})
//
// # Built-in Capabilities
//
// Environment: [NewEnviron] serves "environ", which backs the preview1
// environ_get and environ_sizes_get imports.
//
// Standard streams: [Stdio] serves "fd_write" and "fd_read".
//
// Key-Value Store: [KVStore] with JSON arguments.
//
//	kv := hostfunc.NewKV(hostfunc.DefaultKVConfig())
//	kv.Register(registry) // kv_get, kv_set, kv_delete, kv_keys
//
// HTTP: allowlisted outbound requests via [HTTP] and [HTTPConfig].
//
//	http := hostfunc.NewHTTP(hostfunc.HTTPConfig{
//	    AllowedHosts: []string{"api.example.com"},
//	})
//	http.Register(registry) // http_request, http_get
//
// # Security Model
//
// A guest instance may only call the functions named in its
// [Capabilities], fixed when the instance starts. Everything else is
// answered with ENOTCAPABLE.
//   - HTTP requests are limited to explicitly allowed hosts
//   - KV keys, values and entry counts are bounded
package hostfunc
