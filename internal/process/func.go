package process

import (
	"context"
	"fmt"
	"sync"
)

type funcProcess struct {
	id string
	fn func(ctx context.Context) error

	mu         sync.Mutex
	started    bool
	terminated bool
	cancel     context.CancelFunc
	done       chan struct{}
	code       int
	err        error
}

// NewFunc runs fn on its own goroutine. The exit code is 0 when fn returns
// nil, 1 on error, 2 on panic and -1 when terminated.
func NewFunc(id string, fn func(ctx context.Context) error) Process {
	return &funcProcess{id: id, fn: fn, done: make(chan struct{}), code: -1}
}

func (p *funcProcess) ID() string { return p.id }

func (p *funcProcess) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("process %s already started", p.id)
	}
	p.started = true
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.run(runCtx)
	return nil
}

func (p *funcProcess) run(ctx context.Context) {
	code := 0
	var err error
	defer func() {
		if r := recover(); r != nil {
			code = 2
			err = fmt.Errorf("process %s panicked: %v", p.id, r)
		}
		p.mu.Lock()
		if p.terminated {
			code = -1
		}
		p.code = code
		p.err = err
		p.cancel()
		p.mu.Unlock()
		close(p.done)
	}()
	if err = p.fn(ctx); err != nil {
		code = 1
	}
}

func (p *funcProcess) Wait() error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *funcProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrNotStarted
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	p.terminated = true
	p.cancel()
	return nil
}

func (p *funcProcess) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *funcProcess) Done() <-chan struct{} { return p.done }
