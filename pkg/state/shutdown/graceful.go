// Package shutdown runs the ordered teardown of the server and wires the
// process signals that trigger it.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"roomlog/pkg/logger"
)

// Step is one stage of the teardown. Fn may be nil.
type Step struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Run executes steps in order. A failing step is logged and does not stop
// the following ones; all errors are joined. Steps still run after ctx is
// done so that stores are always closed.
func Run(ctx context.Context, steps []Step) error {
	logger.Info("shutdown: requested")
	var errs []error
	for _, s := range steps {
		if s.Fn == nil {
			continue
		}
		logger.Info("shutdown: " + s.Name)
		if err := s.Fn(ctx); err != nil {
			logger.Error("shutdown: "+s.Name+" failed", "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	if len(errs) == 0 {
		logger.Info("shutdown: complete")
	}
	return errors.Join(errs...)
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM. A
// SIGPIPE dumps all goroutine stacks to the log before cancelling. The
// returned cancel stops watching.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGPIPE)
	go func() {
		defer signal.Stop(sigc)
		select {
		case s := <-sigc:
			if s == syscall.SIGPIPE {
				logger.Info("signal_received", "signal", s.String(), "msg", "SIGPIPE - dumping goroutine stacks")
				buf := make([]byte, 1<<20)
				n := runtime.Stack(buf, true)
				logger.Info("goroutine_stack_dump", "dump", string(buf[:n]))
			} else {
				logger.Info("signal_received", "signal", s.String(), "msg", "shutdown requested")
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// Abort reports a fatal startup error and exits the process.
func Abort(msg string, err error) {
	logger.Error("fatal", "msg", msg, "error", err)
	logger.Sync()
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
