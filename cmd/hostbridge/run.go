package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/hostbridge/hostfunc"
	"github.com/caffeineduck/hostbridge/service"
	"github.com/caffeineduck/hostbridge/worker"
)

var runCmd = &cobra.Command{
	Use:   "run module.wasm [args...]",
	Short: "Run a WASI module",
	Long: `Run a WASI module with its host calls answered by an in-process service.

The guest always gets stdio and its environment. Other capabilities must
be granted with flags:
  --kv              key/value store (kv_get, kv_set, kv_delete, kv_keys)
  --allow-host      HTTP to the named host (http_get, http_request)

With --isolate the worker runs in a child process and talks to the
service over its stdin/stdout. Use -- to pass flags to the guest.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	addRunFlags(runCmd)
	runCmd.Flags().Bool("interactive", false, "Feed guest stdin from a line editor")
	runCmd.Flags().String("history", "", "History file for --interactive (default: ~/.hostbridge_history)")
	runCmd.Flags().Bool("isolate", false, "Run the worker in a child process")
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("timeout", service.DefaultTimeout, "Execution timeout")
	cmd.Flags().String("memory", "16mb", "Memory limit, e.g. 1mb, 16mb, 256mb, 1gb, or a page count")
	cmd.Flags().StringArray("env", nil, "Guest environment KEY=VALUE (repeatable)")
	cmd.Flags().Bool("kv", false, "Enable key-value store")
	cmd.Flags().StringSlice("allow-host", nil, "Allow HTTP to host (repeatable)")

	// Security limits
	cmd.Flags().Int("http-max-url", hostfunc.DefaultMaxURLLength, "Max HTTP URL length")
	cmd.Flags().Int64("http-max-body", hostfunc.DefaultMaxBodySize, "Max HTTP response body size")
}

func buildRunOpts(cmd *cobra.Command) ([]service.Option, error) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	memory, _ := cmd.Flags().GetString("memory")
	envEntries, _ := cmd.Flags().GetStringArray("env")
	enableKV, _ := cmd.Flags().GetBool("kv")
	allowedHosts, _ := cmd.Flags().GetStringSlice("allow-host")
	httpMaxURL, _ := cmd.Flags().GetInt("http-max-url")
	httpMaxBody, _ := cmd.Flags().GetInt64("http-max-body")

	pages, err := parseMemoryLimit(memory)
	if err != nil {
		return nil, err
	}
	env, err := parseEnv(envEntries)
	if err != nil {
		return nil, err
	}

	caps := []string{service.FnFdWrite, service.FnFdRead, service.FnEnviron}
	opts := []service.Option{
		service.WithTimeout(timeout),
		service.WithMemory(min(pages, service.DefaultInitialPages), pages),
		service.WithEnv(env),
	}
	if enableKV {
		caps = append(caps, hostfunc.KVFunctions...)
	}
	if len(allowedHosts) > 0 {
		caps = append(caps, hostfunc.HTTPFunctions...)
		opts = append(opts,
			service.WithAllowedHosts(allowedHosts...),
			service.WithHTTPMaxURLLength(httpMaxURL),
			service.WithHTTPMaxBodySize(httpMaxBody),
		)
	}
	return append(opts, service.WithCapabilities(caps...)), nil
}

func runRun(cmd *cobra.Command, args []string) error {
	noCache, _ := cmd.Flags().GetBool("no-cache")
	interactive, _ := cmd.Flags().GetBool("interactive")
	historyFile, _ := cmd.Flags().GetString("history")
	isolate, _ := cmd.Flags().GetBool("isolate")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	module, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	opts, err := buildRunOpts(cmd)
	if err != nil {
		return err
	}
	guestArgs := append([]string{filepath.Base(args[0])}, args[1:]...)
	opts = append(opts,
		service.WithArgs(guestArgs...),
		service.WithStdout(cmd.OutOrStdout()),
		service.WithStderr(cmd.ErrOrStderr()),
	)

	var stdin io.Reader = cmd.InOrStdin()
	if interactive {
		lr, err := newLineReader(historyFile)
		if err != nil {
			return fmt.Errorf("initializing readline: %w", err)
		}
		defer lr.Close()
		stdin = lr
	}
	opts = append(opts, service.WithStdin(stdin))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	svc := service.New(nil, service.WithLogger(logger))

	var res service.Result
	if isolate {
		res = runIsolated(ctx, cmd, svc, module, timeout, opts, logger)
	} else {
		var workerOpts []worker.Option
		if !noCache {
			workerOpts = append(workerOpts, worker.WithDiskCache())
		}
		res = svc.Run(ctx, module, append(opts, service.WithWorkerOptions(workerOpts...))...)
	}

	logger.Debug("guest finished",
		zap.Uint32("code", res.ExitCode),
		zap.Duration("duration", res.Duration))
	if res.Error != nil {
		return res.Error
	}
	if res.ExitCode != 0 {
		return &exitCodeError{code: int(res.ExitCode)}
	}
	return nil
}

// runIsolated launches module on a "hostbridge worker" child process.
func runIsolated(ctx context.Context, cmd *cobra.Command, svc *service.Service, module []byte, timeout time.Duration, opts []service.Option, logger *zap.Logger) service.Result {
	start := time.Now()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := launchChild(ctx, cmd, svc, module, opts, logger)
	if err != nil {
		res = service.Result{ExitCode: worker.ExitFailure, Error: err}
	}
	res.Duration = time.Since(start)
	return res
}
