package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/caffeineduck/hostbridge/conn"
	"github.com/caffeineduck/hostbridge/service"
)

// workerCommand builds the child process invocation, forwarding the flags
// the worker honours.
func workerCommand(ctx context.Context, cmd *cobra.Command) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	noCache, _ := cmd.Flags().GetBool("no-cache")

	args := []string{"worker", "--log-level", level, "--log-format", format}
	if noCache {
		args = append(args, "--no-cache")
	}
	child := exec.CommandContext(ctx, exe, args...)
	child.Stderr = cmd.ErrOrStderr()
	return child, nil
}

func launchChild(ctx context.Context, cmd *cobra.Command, svc *service.Service, module []byte, opts []service.Option, logger *zap.Logger) (service.Result, error) {
	child, err := workerCommand(ctx, cmd)
	if err != nil {
		return service.Result{}, err
	}
	stdin, err := child.StdinPipe()
	if err != nil {
		return service.Result{}, err
	}
	stdout, err := child.StdoutPipe()
	if err != nil {
		return service.Result{}, err
	}
	if err := child.Start(); err != nil {
		return service.Result{}, fmt.Errorf("start worker: %w", err)
	}
	logger.Debug("worker process started", zap.Int("pid", child.Process.Pid))

	stream := conn.NewStream(conn.Join(stdout, stdin),
		conn.WithLogger(logger),
		conn.WithName("service"))

	proc, err := svc.Launch(ctx, stream, module, opts...)
	if err != nil {
		return service.Result{}, multierr.Combine(err, stream.Close(), child.Wait())
	}

	var (
		g   errgroup.Group
		res service.Result
	)
	g.Go(func() error {
		r, err := proc.Wait(ctx)
		res = r
		// Closing our end lets the worker see EOF and exit.
		return multierr.Append(err, stream.Close())
	})
	g.Go(func() error {
		<-stream.PeerGone()
		werr := child.Wait()
		// Everything the worker wrote has been routed by now; closing
		// resolves a process whose worker died without reporting exited.
		stream.Close()
		if werr != nil && ctx.Err() == nil {
			return fmt.Errorf("worker process: %w", werr)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return res, multierr.Append(res.Error, err)
	}
	return res, nil
}
