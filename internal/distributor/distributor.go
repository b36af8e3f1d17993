package distributor

import (
	"context"

	"github.com/osvaldoandrade/batchsup/internal/broker"
	"github.com/osvaldoandrade/batchsup/pkg/domain"
)

// WorkerCount is min(requested, files), forced to 1 in grid mode.
func WorkerCount(requested, files int, grid bool) int {
	if grid {
		return 1
	}
	n := requested
	if files < n {
		n = files
	}
	if n < 1 {
		n = 1
	}
	return n
}

// QueueCapacity is the bounded size of the shared work queue.
func QueueCapacity(workers int) int {
	if workers < 1 {
		workers = 1
	}
	return 2 * workers
}

// Deal partitions files round-robin into n lists whose sizes differ by at
// most one.
func Deal(files []string, n int) [][]string {
	if n < 1 {
		n = 1
	}
	out := make([][]string, n)
	for i, f := range files {
		out[i%n] = append(out[i%n], f)
	}
	return out
}

// Feeder tops up the shared work queue from a backlog. After the backlog is
// exhausted it pushes one sentinel per worker, exactly once in total.
type Feeder struct {
	q          broker.WorkQueue
	backlog    []string
	sentinels  int
	dispatched int
}

func NewFeeder(q broker.WorkQueue, files []string, workers int) *Feeder {
	backlog := make([]string, len(files))
	copy(backlog, files)
	return &Feeder{q: q, backlog: backlog, sentinels: workers}
}

// TopUp pushes as much as the queue accepts without blocking and returns the
// number of files it enqueued.
func (f *Feeder) TopUp(ctx context.Context) (int, error) {
	pushed := 0
	for len(f.backlog) > 0 {
		ok, err := f.q.TryPut(ctx, domain.WorkItem{File: f.backlog[0]})
		if err != nil {
			return pushed, err
		}
		if !ok {
			return pushed, nil
		}
		f.backlog = f.backlog[1:]
		f.dispatched++
		pushed++
	}
	for f.sentinels > 0 {
		ok, err := f.q.TryPut(ctx, domain.Sentinel())
		if err != nil || !ok {
			return pushed, err
		}
		f.sentinels--
	}
	return pushed, nil
}

// Remaining is the number of files not yet enqueued.
func (f *Feeder) Remaining() int { return len(f.backlog) }

func (f *Feeder) Dispatched() int { return f.dispatched }

// Exhausted reports whether every file and every sentinel has been enqueued.
func (f *Feeder) Exhausted() bool { return len(f.backlog) == 0 && f.sentinels == 0 }
