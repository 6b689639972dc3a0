// Package main implements forkprobe, a diagnostic harness that compares
// worker concurrency models against one deliberately unsafe shared store
// handle and reports which models survive it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
)

// Exit codes, stable for scripting.
const (
	exitOK         = 0
	exitGeneral    = 1
	exitValidation = 2
	exitDependency = 3
	exitWorkload   = 4
	exitMismatch   = 5
)

// Sentinel failures raised by the commands so main can map exit codes.
// Both fire after the summary has been rendered; their message is the
// one-line recap printed to stderr.
var (
	errWorkloadFailed = errors.New("workload failed")
	errMismatch       = errors.New("expectation mismatch")
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and maps its error taxonomy onto exit codes.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "forkprobe: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

// exitCode classifies err into the documented exit codes. Validation and
// dependency failures keep their own codes so wrappers can tell "you
// asked for something wrong" from "redis is down" without parsing text.
func exitCode(err error) int {
	var valErr *protocol.ValidationError
	var depErr *protocol.DependencyError
	switch {
	case errors.As(err, &valErr):
		return exitValidation
	case errors.As(err, &depErr):
		return exitDependency
	case errors.Is(err, errWorkloadFailed):
		return exitWorkload
	case errors.Is(err, errMismatch):
		return exitMismatch
	default:
		return exitGeneral
	}
}
