package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/osvaldoandrade/batchsup/internal/broker"
	"github.com/osvaldoandrade/batchsup/internal/logagg"
	"github.com/osvaldoandrade/batchsup/internal/process"
	"github.com/osvaldoandrade/batchsup/internal/tracing"
	"github.com/osvaldoandrade/batchsup/pkg/student"
)

// assignment is what a worker is told to process: either the shared queue
// or a fixed share of the files.
type assignment struct {
	queue bool
	files []string
}

type spawner interface {
	spawn(ctx context.Context, id string, a assignment) (process.Process, func(), error)
}

// inprocSpawner runs each worker as a goroutine of the supervisor process.
type inprocSpawner struct {
	factory student.Factory
	brk     broker.Broker
	base    student.Env
	level   slog.Level
}

func (s *inprocSpawner) spawn(_ context.Context, id string, a assignment) (process.Process, func(), error) {
	env := s.base
	env.WorkerID = id
	env.Results = s.brk.Results()
	env.Logger = logagg.NewLogger(s.brk.Logs(), "worker/"+id, s.level)
	if a.queue {
		env.Source = student.QueueSource(s.brk.Work())
	} else {
		env.Source = student.ListSource(a.files)
	}
	st := s.factory()
	p := process.NewFunc(id, func(ctx context.Context) error {
		return student.Run(ctx, &env, st)
	})
	return p, func() {}, nil
}

// execSpawner re-executes the batchsup binary once per worker. Workers find
// the broker through the spec placed in their environment.
type execSpawner struct {
	exe  string
	args []string
	base student.Spec
	logs broker.LogChannel
}

func (s *execSpawner) spawn(ctx context.Context, id string, a assignment) (process.Process, func(), error) {
	spec := s.base
	spec.WorkerID = id
	spec.Queue = a.queue
	spec.Files = a.files
	spec.TraceParent, spec.TraceState = tracing.TraceContextStrings(ctx)
	encoded, err := spec.Encode()
	if err != nil {
		return nil, nil, err
	}

	cmd := exec.Command(s.exe, s.args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", student.SpecEnvVar, encoded))
	stdout := logagg.NewLineWriter(s.logs, "worker/"+id, "INFO")
	stderr := logagg.NewLineWriter(s.logs, "worker/"+id, "WARN")
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	flush := func() {
		_ = stdout.Flush()
		_ = stderr.Flush()
	}
	return process.NewExec(id, cmd, s.base.Nice), flush, nil
}
