// Package hostbridge runs WebAssembly (WASI preview1) guests whose system
// calls are answered by a separate, trusted context.
//
// # Overview
//
// A guest runs inside a worker. The worker's dispatcher serves what it can
// locally (args, clocks, randomness, timers) and forwards everything that
// needs real capability to a service as a syscall request over a message
// connection. The guest parks on a pollable until the correlated response
// arrives. The service answers only the functions granted at launch.
//
// # Basic Usage
//
//	svc := service.New(nil)
//	result := svc.Run(ctx, module,
//	    service.WithArgs("guest", "--verbose"),
//	    service.WithStdout(os.Stdout))
//	fmt.Println(result.ExitCode)
//
// # Enabling Capabilities
//
//	// Key-value store shared across runs
//	result := svc.Run(ctx, module,
//	    service.WithKV(hostfunc.NewKVStore()))
//
//	// HTTP access
//	result := svc.Run(ctx, module,
//	    service.WithAllowedHosts("api.example.com"))
//
//	// Only stdout, nothing else
//	result := svc.Run(ctx, module,
//	    service.WithCapabilities("fd_write"))
//
// # Separate Processes
//
// The worker can live anywhere a byte stream reaches. [conn.NewStream]
// carries the same messages as newline-delimited JSON:
//
//	stream := conn.NewStream(conn.Join(childStdout, childStdin))
//	proc, _ := svc.Launch(ctx, stream, module)
//	result, _ := proc.Wait(ctx)
//
// See the [service], [worker], [dispatch], [conn] and [hostfunc] packages
// for detailed API documentation.
package hostbridge
