package broker

import (
	"context"
	"sync"

	"github.com/osvaldoandrade/batchsup/pkg/domain"
)

type memoryBroker struct {
	work    *memoryWork
	results *unbounded[domain.Envelope]
	logs    *unbounded[domain.LogRecord]
}

// NewMemory returns a broker backed by in-process queues. It serves workers
// running as goroutines of the supervisor.
func NewMemory(workCapacity int) Broker {
	if workCapacity <= 0 {
		workCapacity = 1
	}
	return &memoryBroker{
		work:    &memoryWork{ch: make(chan domain.WorkItem, workCapacity)},
		results: newUnbounded[domain.Envelope](),
		logs:    newUnbounded[domain.LogRecord](),
	}
}

func (b *memoryBroker) Work() WorkQueue        { return b.work }
func (b *memoryBroker) Results() ResultChannel { return memoryResults{b.results} }
func (b *memoryBroker) Logs() LogChannel       { return memoryLogs{b.logs} }

func (b *memoryBroker) Close() error {
	b.results.close()
	b.logs.close()
	return nil
}

type memoryWork struct {
	ch chan domain.WorkItem
}

func (w *memoryWork) TryPut(ctx context.Context, item domain.WorkItem) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	select {
	case w.ch <- item:
		return true, nil
	default:
		return false, nil
	}
}

func (w *memoryWork) Get(ctx context.Context) (domain.WorkItem, error) {
	select {
	case <-ctx.Done():
		return domain.WorkItem{}, ctx.Err()
	case item := <-w.ch:
		return item, nil
	}
}

func (w *memoryWork) Len(context.Context) (int, error) { return len(w.ch), nil }
func (w *memoryWork) Cap() int                          { return cap(w.ch) }

type memoryResults struct{ q *unbounded[domain.Envelope] }

func (r memoryResults) Publish(_ context.Context, env domain.Envelope) error {
	return r.q.push(env)
}

func (r memoryResults) Drain(context.Context) ([]domain.Envelope, error) {
	return r.q.drain(), nil
}

type memoryLogs struct{ q *unbounded[domain.LogRecord] }

func (l memoryLogs) Emit(_ context.Context, rec domain.LogRecord) error { return l.q.push(rec) }

func (l memoryLogs) Next(ctx context.Context) (domain.LogRecord, error) { return l.q.pop(ctx) }

// unbounded is a FIFO that never blocks producers.
type unbounded[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

func newUnbounded[T any]() *unbounded[T] {
	return &unbounded[T]{signal: make(chan struct{}, 1)}
}

func (q *unbounded[T]) push(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *unbounded[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *unbounded[T]) pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return zero, ErrClosed
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *unbounded[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
