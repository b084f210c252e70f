package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/caffeineduck/hostbridge/hostfunc"
	"github.com/caffeineduck/hostbridge/service"
	"github.com/caffeineduck/hostbridge/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for running modules",
	Long: `Start an HTTP server that runs WASI modules on request.

Endpoints:
  POST   /run      Run a module: {"module":"<base64>","args":[],"env":{},"stdin":"","timeout":"5s"}
  GET    /health   Health check

Capability flags apply to every run. With --kv the store is shared by all
runs for the lifetime of the server.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	addRunFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

type runRequest struct {
	Module  []byte            `json:"module"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Stdin   string            `json:"stdin,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

type runResponse struct {
	ExitCode   uint32 `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type server struct {
	svc  *service.Service
	opts []service.Option
	log  *zap.Logger
}

func newServer(svc *service.Service, opts []service.Option, logger *zap.Logger) http.Handler {
	s := &server{svc: svc, opts: opts, log: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/run", s.handleRun)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Module) == 0 {
		http.Error(w, "module required", http.StatusBadRequest)
		return
	}

	var stdout, stderr bytes.Buffer
	opts := append(append([]service.Option(nil), s.opts...),
		service.WithStdout(&stdout),
		service.WithStderr(&stderr),
		service.WithStdin(strings.NewReader(req.Stdin)),
	)
	if len(req.Args) > 0 {
		opts = append(opts, service.WithArgs(req.Args...))
	}
	if req.Env != nil {
		opts = append(opts, service.WithEnv(req.Env))
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		opts = append(opts, service.WithTimeout(d))
	}

	result := s.svc.Run(r.Context(), req.Module, opts...)

	resp := runResponse{
		ExitCode:   result.ExitCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: result.Duration.Milliseconds(),
	}
	if result.Error != nil {
		resp.Error = result.Error.Error()
	}
	s.log.Info("run finished",
		zap.Uint32("code", resp.ExitCode),
		zap.Int64("duration_ms", resp.DurationMs),
		zap.String("error", resp.Error))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	noCache, _ := cmd.Flags().GetBool("no-cache")
	enableKV, _ := cmd.Flags().GetBool("kv")

	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts, err := buildRunOpts(cmd)
	if err != nil {
		return err
	}
	if enableKV {
		opts = append(opts, service.WithKV(hostfunc.NewKVStore()))
	}
	if !noCache {
		opts = append(opts, service.WithWorkerOptions(worker.WithDiskCache()))
	}

	svc := service.New(nil, service.WithLogger(logger))
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: newServer(svc, opts, logger),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(cmd.ErrOrStderr(), "hostbridge server listening on %s\n", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
