// Package student defines the worker contract the supervisor drives. A
// Student consumes input files one at a time and reports a single result
// record; the harness in Run takes care of the result channel so every
// worker publishes exactly one envelope.
package student

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/osvaldoandrade/batchsup/internal/broker"
	"github.com/osvaldoandrade/batchsup/pkg/domain"
)

var ErrPanic = errors.New("student panicked")

type Student interface {
	// Begin is called once before the first file.
	Begin(ctx context.Context, env *Env) error
	// Process consumes one input file.
	Process(ctx context.Context, file string) error
	// End finishes the work. A record returned together with an error is
	// still published; the supervisor discards it because the worker exits
	// non-zero.
	End(ctx context.Context) (*domain.ResultRecord, error)
}

// Env is everything a worker is constructed with.
type Env struct {
	Name      string
	WorkerID  string
	Source    FileSource
	Results   broker.ResultChannel
	Logger    *slog.Logger
	Meta      domain.Meta
	GridMode  bool
	Nice      int
	Options   map[string]string
	OutputDir string
	OutputExt string
}

// OutputPath is the partial artifact path reserved for this worker.
func (e *Env) OutputPath() string {
	ext := e.OutputExt
	if ext == "" {
		ext = ".json"
	}
	return filepath.Join(e.OutputDir, fmt.Sprintf("%s-%s%s", e.Name, e.WorkerID, ext))
}

func (e *Env) Option(key, def string) string {
	if v, ok := e.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// Run drives s over env.Source and publishes exactly one envelope. The
// returned error decides the worker's exit status.
func Run(ctx context.Context, env *Env, s Student) (err error) {
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	published := false
	publish := func(rec *domain.ResultRecord) error {
		if published {
			return nil
		}
		published = true
		if rec != nil {
			rec.WorkerID = env.WorkerID
		}
		return env.Results.Publish(ctx, domain.Envelope{WorkerID: env.WorkerID, Record: rec})
	}
	defer func() {
		if r := recover(); r != nil {
			_ = publish(nil)
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	if err := s.Begin(ctx, env); err != nil {
		_ = publish(nil)
		return fmt.Errorf("begin: %w", err)
	}
	processed := 0
	for {
		file, ok, err := env.Source.Next(ctx)
		if err != nil {
			_ = publish(nil)
			return fmt.Errorf("next file: %w", err)
		}
		if !ok {
			break
		}
		logger.Debug("processing file", "file", file)
		if err := s.Process(ctx, file); err != nil {
			_ = publish(nil)
			return fmt.Errorf("process %s: %w", file, err)
		}
		processed++
	}
	rec, endErr := s.End(ctx)
	if err := publish(rec); err != nil && endErr == nil {
		return fmt.Errorf("publish result: %w", err)
	}
	if endErr != nil {
		return fmt.Errorf("end: %w", endErr)
	}
	logger.Info("student finished", "files", processed)
	return nil
}
