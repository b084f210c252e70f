package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/hostbridge/conn"
	"github.com/caffeineduck/hostbridge/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve as a worker over stdin/stdout",
	Long: `Run the worker bootstrap on stdin/stdout using newline-delimited JSON
messages. The process announces readiness, runs the one guest it is
started with, and exits once the service closes the connection.

This is the child side of "hostbridge run --isolate".`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	noCache, _ := cmd.Flags().GetBool("no-cache")

	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream := conn.NewStream(conn.Join(os.Stdin, os.Stdout),
		conn.WithLogger(logger),
		conn.WithName("worker"))

	opts := []worker.Option{worker.WithLogger(logger)}
	if !noCache {
		opts = append(opts, worker.WithDiskCache())
	}
	w, err := worker.New(stream, opts...)
	if err != nil {
		stream.Close()
		return err
	}
	if err := w.Listen(ctx); err != nil {
		w.Close()
		return err
	}

	// The service closes the connection after it has seen exited, so
	// leaving earlier could drop that message. A worker that fails before
	// start shuts the stream itself once exited is written.
	select {
	case <-stream.PeerGone():
	case <-stream.Done():
	case <-ctx.Done():
	}
	return w.Close()
}
