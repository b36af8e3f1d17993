package student

import (
	"context"

	"github.com/osvaldoandrade/batchsup/internal/broker"
)

// FileSource yields the files a worker should process. ok is false once the
// worker's share is exhausted.
type FileSource interface {
	Next(ctx context.Context) (file string, ok bool, err error)
}

type queueSource struct {
	q    broker.WorkQueue
	done bool
}

// QueueSource pulls from the shared work queue until it receives the
// end-of-work sentinel. It consumes exactly one sentinel.
func QueueSource(q broker.WorkQueue) FileSource {
	return &queueSource{q: q}
}

func (s *queueSource) Next(ctx context.Context) (string, bool, error) {
	if s.done {
		return "", false, nil
	}
	item, err := s.q.Get(ctx)
	if err != nil {
		return "", false, err
	}
	if item.Done {
		s.done = true
		return "", false, nil
	}
	return item.File, true, nil
}

type listSource struct {
	files []string
	pos   int
}

// ListSource iterates a static share handed over at spawn time.
func ListSource(files []string) FileSource {
	cp := make([]string, len(files))
	copy(cp, files)
	return &listSource{files: cp}
}

func (s *listSource) Next(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if s.pos >= len(s.files) {
		return "", false, nil
	}
	f := s.files[s.pos]
	s.pos++
	return f, true, nil
}
