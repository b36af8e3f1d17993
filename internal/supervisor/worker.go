package supervisor

import (
	"context"
	"fmt"

	"github.com/osvaldoandrade/batchsup/internal/broker"
	"github.com/osvaldoandrade/batchsup/internal/logagg"
	"github.com/osvaldoandrade/batchsup/internal/providers"
	"github.com/osvaldoandrade/batchsup/internal/tracing"
	"github.com/osvaldoandrade/batchsup/pkg/student"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RunWorker is the body of a re-executed worker process. It rebuilds the
// worker's environment from spec and drives the student to completion; the
// returned error becomes the process exit status.
func RunWorker(ctx context.Context, spec student.Spec) error {
	factory, err := student.Lookup(spec.Kind)
	if err != nil {
		return err
	}

	rdb := providers.NewRedisProvider(spec.RedisAddr, spec.RedisPassword)
	brk := broker.NewRedis(rdb, spec.RunID, spec.WorkCapacity, true)
	defer brk.Close()

	logger := logagg.NewLogger(brk.Logs(), "worker/"+spec.WorkerID, logagg.ParseLevel(spec.LogLevel))

	if spec.TraceEndpoint != "" {
		shutdown, _ := tracing.Setup(ctx, tracing.Config{
			Enabled:     true,
			ServiceName: "batchsup-student",
			Endpoint:    spec.TraceEndpoint,
			Insecure:    spec.TraceInsecure,
		}, logger,
			attribute.String("batchsup.role", "student"),
			attribute.String("batchsup.run_id", spec.RunID),
		)
		defer shutdown(context.Background())
	}

	ctx = tracing.ContextWithRemoteParent(ctx, spec.TraceParent, spec.TraceState)
	ctx, span := tracing.Tracer().Start(ctx, "student",
		trace.WithAttributes(
			attribute.String("batchsup.student", spec.Kind),
			attribute.String("batchsup.worker_id", spec.WorkerID),
		),
	)
	defer span.End()

	env := &student.Env{
		Name:      spec.Name,
		WorkerID:  spec.WorkerID,
		Results:   brk.Results(),
		Logger:    logger,
		Meta:      spec.Meta,
		GridMode:  spec.GridMode,
		Nice:      spec.Nice,
		Options:   spec.Options,
		OutputDir: spec.OutputDir,
		OutputExt: spec.OutputExt,
	}
	if spec.Queue {
		env.Source = student.QueueSource(brk.Work())
	} else {
		env.Source = student.ListSource(spec.Files)
	}

	if err := student.Run(ctx, env, factory()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("worker failed", "err", err)
		return fmt.Errorf("worker %s: %w", spec.WorkerID, err)
	}
	return nil
}
