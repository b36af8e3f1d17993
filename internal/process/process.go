// Package process models a worker as a start/join/terminate capability so the
// supervisor does not care whether a worker is an OS process or a goroutine.
package process

import (
	"context"
	"errors"
)

var ErrNotStarted = errors.New("process not started")

type Process interface {
	ID() string
	Start(ctx context.Context) error
	// Wait blocks until the process has exited and returns its error.
	Wait() error
	// Terminate stops the process immediately, without a grace period.
	Terminate() error
	// ExitCode is -1 until the process exits, and when it was terminated.
	ExitCode() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// Exited reports whether p has finished without blocking.
func Exited(p Process) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}
