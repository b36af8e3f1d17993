package process

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
)

type execProcess struct {
	id   string
	cmd  *exec.Cmd
	nice int

	mu      sync.Mutex
	started bool
	done    chan struct{}
	code    int
	err     error
}

// NewExec wraps a prepared, not yet started command. The process runs in its
// own process group so Terminate reaches any children it spawns.
func NewExec(id string, cmd *exec.Cmd, nice int) Process {
	return &execProcess{id: id, cmd: cmd, nice: nice, done: make(chan struct{}), code: -1}
}

func (p *execProcess) ID() string { return p.id }

func (p *execProcess) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("process %s already started", p.id)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	configureProcess(p.cmd)
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("start worker %s: %w", p.id, err)
	}
	p.started = true
	if p.nice != 0 {
		if err := setNice(p.cmd.Process.Pid, p.nice); err != nil {
			terminateProcess(p.cmd)
			go p.wait()
			return fmt.Errorf("set niceness of worker %s: %w", p.id, err)
		}
	}
	go p.wait()
	return nil
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Lock()
	p.err = err
	p.code = code
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Wait() error {
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

func (p *execProcess) Terminate() error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if Exited(p) {
		return nil
	}
	terminateProcess(p.cmd)
	return nil
}

func (p *execProcess) ExitCode() int {
	if !Exited(p) {
		return -1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

// Pid returns the OS process id once started.
func Pid(p Process) int {
	ep, ok := p.(*execProcess)
	if !ok || ep.cmd.Process == nil {
		return 0
	}
	return ep.cmd.Process.Pid
}
