package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var rootCmd = &cobra.Command{
	Use:   "hostbridge",
	Short: "Run WebAssembly guests against a host syscall bridge",
	Long: `hostbridge - Run WASI guests whose host calls are answered by a
separate, trusted service over a message connection.

The guest runs inside a worker. Calls that need real capability (stdio,
environment, key/value store, HTTP) are forwarded to the service as
syscall requests, and only functions granted at launch are answered.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitCodeError carries a guest exit code out of a command.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitCodeError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "console", "Log format: console, json")
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable compilation cache")
}

func newLogger(cmd *cobra.Command) (*zap.Logger, error) {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	return buildLogger(level, format)
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	switch format {
	case "console", "":
		cfg = zap.NewDevelopmentConfig()
	case "json":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q: use console or json", format)
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	// stdout may be the worker's transport.
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// parseEnv turns KEY=VALUE entries into a map.
func parseEnv(entries []string) (map[string]string, error) {
	env := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env entry %q (expected KEY=VALUE)", e)
		}
		env[k] = v
	}
	return env, nil
}

const pageSize = 64 << 10

// parseMemoryLimit reads a size such as "16mb" or "1gb", or a bare page
// count, and returns it in 64KB pages.
func parseMemoryLimit(s string) (uint32, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	unit := uint64(0)
	for _, suffix := range []struct {
		name string
		size uint64
	}{{"kb", 1 << 10}, {"mb", 1 << 20}, {"gb", 1 << 30}} {
		if strings.HasSuffix(s, suffix.name) {
			unit = suffix.size
			s = strings.TrimSuffix(s, suffix.name)
			break
		}
	}

	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q", s)
	}
	pages := n
	if unit > 0 {
		pages = (n*unit + pageSize - 1) / pageSize
	}
	if pages == 0 || pages > 65536 {
		return 0, fmt.Errorf("memory limit must be between 64kb and 4gb")
	}
	return uint32(pages), nil
}
