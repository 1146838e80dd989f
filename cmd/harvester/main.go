// Command harvester bulk-fetches daily death-registration charts from the
// civil registry transparency portal.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/registral-harvester/internal/config"
	"github.com/Sternrassler/registral-harvester/pkg/driver"
	"github.com/Sternrassler/registral-harvester/pkg/output"
	"github.com/Sternrassler/registral-harvester/pkg/registry"
	"github.com/Sternrassler/registral-harvester/pkg/scheduler"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitConfig      = 2
	exitIncomplete  = scheduler.ExitIncomplete
	exitInterrupted = 130
)

// exitError carries the exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(newApp(stdout, stderr))
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil && code != exitIncomplete && code != exitInterrupted {
		fmt.Fprintf(stderr, "harvester: %v\n", err)
	}
	return code
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch {
	case errors.Is(err, config.ErrInvalid),
		errors.Is(err, driver.ErrInvalidConfig),
		errors.Is(err, registry.ErrInvalidRequest),
		errors.Is(err, output.ErrUnknownFormat):
		return exitConfig
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	default:
		return exitFailure
	}
}
