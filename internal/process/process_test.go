package process

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"testing"
	"time"
)

func waitDone(t *testing.T, p Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process %s did not exit", p.ID())
	}
}

func TestFuncProcessExitCodes(t *testing.T) {
	tests := []struct {
		name string
		fn   func(context.Context) error
		want int
	}{
		{"success", func(context.Context) error { return nil }, 0},
		{"failure", func(context.Context) error { return errors.New("bad") }, 1},
		{"panic", func(context.Context) error { panic("boom") }, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewFunc("w", tt.fn)
			if p.ExitCode() != -1 {
				t.Fatal("exit code set before start")
			}
			if err := p.Start(context.Background()); err != nil {
				t.Fatal(err)
			}
			waitDone(t, p)
			_ = p.Wait()
			if got := p.ExitCode(); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFuncProcessTerminate(t *testing.T) {
	p := NewFunc("w", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := p.Terminate(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Terminate before start = %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if Exited(p) {
		t.Fatal("exited too early")
	}
	if err := p.Terminate(); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p)
	if got := p.ExitCode(); got != -1 {
		t.Errorf("ExitCode() = %d, want -1 after terminate", got)
	}
	if err := p.Start(context.Background()); err == nil {
		t.Error("expected error on second start")
	}
}

func TestExecProcessExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	p := NewExec("w", exec.Command("/bin/sh", "-c", "exit 3"), 0)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if Pid(p) == 0 {
		t.Error("expected a pid")
	}
	err := p.Wait()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Wait() = %v, want *exec.ExitError", err)
	}
	if got := p.ExitCode(); got != 3 {
		t.Errorf("ExitCode() = %d, want 3", got)
	}
}

func TestExecProcessTerminate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	p := NewExec("w", exec.Command("/bin/sh", "-c", "sleep 30"), 5)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	start := time.Now()
	if err := p.Terminate(); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p)
	if time.Since(start) > 2*time.Second {
		t.Error("terminate was not immediate")
	}
	if got := p.ExitCode(); got != -1 {
		t.Errorf("ExitCode() = %d, want -1 for a killed process", got)
	}
}
