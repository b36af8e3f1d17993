// Package broker carries the three run channels between the supervisor and its
// workers: the bounded work queue, the result channel and the log channel.
package broker

import (
	"context"
	"errors"

	"github.com/osvaldoandrade/batchsup/pkg/domain"
)

var ErrClosed = errors.New("broker closed")

// WorkQueue is the bounded shared queue of file locators used in queue mode.
// The supervisor is the only producer.
type WorkQueue interface {
	// TryPut enqueues item if there is room and reports whether it did.
	// It never blocks waiting for capacity.
	TryPut(ctx context.Context, item domain.WorkItem) (bool, error)
	// Get blocks until an item is available or ctx is done.
	Get(ctx context.Context) (domain.WorkItem, error)
	Len(ctx context.Context) (int, error)
	Cap() int
}

// ResultChannel is unbounded: publishing never waits on the supervisor.
type ResultChannel interface {
	Publish(ctx context.Context, env domain.Envelope) error
	// Drain returns every envelope currently queued without blocking.
	Drain(ctx context.Context) ([]domain.Envelope, error)
}

// LogChannel is unbounded and delivers records in arrival order.
type LogChannel interface {
	Emit(ctx context.Context, rec domain.LogRecord) error
	// Next blocks until a record is available or ctx is done.
	Next(ctx context.Context) (domain.LogRecord, error)
}

type Broker interface {
	Work() WorkQueue
	Results() ResultChannel
	Logs() LogChannel
	Close() error
}
