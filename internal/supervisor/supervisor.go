// Package supervisor is an optional bootstrap that respawns the proxy
// binary whenever it exits nonzero, giving the child a chance to pick up
// refreshed credentials on the next AWS SDK config load after a
// credential-expiry shutdown. A clean (zero) exit is treated as an
// intentional shutdown and is not respawned. Nothing in internal/proxy
// imports this package; the core engine's only contract with its
// environment is a validated *Config and a live objectstore.Client.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"
)

// Options configures the respawn loop.
type Options struct {
	// Command is the child binary and arguments to run, e.g.
	// []string{"/usr/local/bin/s3cacheproxy", "-config", "/etc/s3cacheproxy.yaml"}.
	Command []string
	// MinBackoff bounds how quickly a crash-looping child is respawned.
	MinBackoff time.Duration
	Logger     *slog.Logger
}

// Run execs Command, restarting it whenever it exits nonzero, until either
// the child exits cleanly or the supervisor itself receives
// SIGINT/SIGTERM, at which point it sends SIGTERM to the child, waits for
// it to exit, and returns.
func Run(opts Options) error {
	if len(opts.Command) == 0 {
		return fmt.Errorf("supervisor: empty command")
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		start := time.Now()
		cmd := exec.CommandContext(ctx, opts.Command[0], opts.Command[1:]...)
		cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		opts.Logger.Info("supervisor starting child", "command", opts.Command)
		err := cmd.Run()

		if ctx.Err() != nil {
			opts.Logger.Info("supervisor exiting", "reason", ctx.Err())
			return nil
		}

		var exitErr *exec.ExitError
		if err == nil || (errors.As(err, &exitErr) && exitErr.ExitCode() == 0) {
			opts.Logger.Info("child exited cleanly, supervisor exiting")
			return nil
		}

		opts.Logger.Warn("child exited nonzero, respawning", "error", err, "ranFor", time.Since(start))

		if elapsed := time.Since(start); elapsed < opts.MinBackoff {
			time.Sleep(opts.MinBackoff - elapsed)
		}
	}
}
