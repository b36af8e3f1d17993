// Package publisher turns the results collected from workers into the run's
// outputs: a merged cut-flow report and a single merged artifact.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/osvaldoandrade/batchsup/internal/merge"
	"github.com/osvaldoandrade/batchsup/internal/metrics"
	"github.com/osvaldoandrade/batchsup/internal/providers"
	"github.com/osvaldoandrade/batchsup/internal/reportstore"
	"github.com/osvaldoandrade/batchsup/internal/tracing"
	"github.com/osvaldoandrade/batchsup/pkg/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Publisher interface {
	// Publish merges records into the combined report and artifact. An
	// empty records slice is a no-op returning a nil report.
	Publish(ctx context.Context, records []*domain.ResultRecord) (*domain.CombinedReport, error)
}

type Options struct {
	Student   string
	Name      string
	OutputDir string
	Ext       string
	Weight    float64
	Normalize bool
	GridMode  bool
}

// FinalPath is where the merged artifact for opts is written.
func (o Options) FinalPath() string {
	ext := o.Ext
	if ext == "" {
		ext = ".json"
	}
	return filepath.Join(o.OutputDir, o.Name+ext)
}

type publisher struct {
	opts       Options
	store      reportstore.Store
	mover      providers.Mover
	merger     merge.Merger
	reweighter merge.Reweighter
	logger     *slog.Logger
}

// New builds a Publisher. reweighter may be nil when normalization is never
// requested.
func New(opts Options, store reportstore.Store, mover providers.Mover, merger merge.Merger, reweighter merge.Reweighter, logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &publisher{
		opts:       opts,
		store:      store,
		mover:      mover,
		merger:     merger,
		reweighter: reweighter,
		logger:     logger,
	}
}

func (p *publisher) Publish(ctx context.Context, records []*domain.ResultRecord) (report *domain.CombinedReport, err error) {
	if len(records) == 0 {
		p.logger.Info("no results to publish")
		return nil, nil
	}

	ctx, span := tracing.Tracer().Start(ctx, "publish",
		trace.WithAttributes(
			attribute.String("batchsup.output", p.opts.Name),
			attribute.Int("batchsup.results", len(records)),
		),
	)
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.PublishDurationSeconds.WithLabelValues(p.opts.Student, outcome).Observe(time.Since(start).Seconds())
		span.End()
	}()

	report, err = combine(p.opts.Name, records)
	if err != nil {
		return nil, err
	}
	p.logger.Info("event cut-flow\n" + report.Event.String())
	p.logger.Info("object cut-flow\n" + report.Object.String())

	if err := p.store.Save(ctx, report); err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}

	if len(report.Outputs) == 0 {
		return report, nil
	}
	final := p.opts.FinalPath()
	if err := p.placeArtifact(ctx, final, report.Outputs); err != nil {
		return nil, err
	}
	if err := p.normalize(final, report.TotalEvents); err != nil {
		return nil, err
	}
	p.logger.Info("artifact written", "path", final, "parts", len(report.Outputs))
	return report, nil
}

func combine(name string, records []*domain.ResultRecord) (*domain.CombinedReport, error) {
	events := make([]domain.FilterList, 0, len(records))
	objects := make([]domain.FilterList, 0, len(records))
	var outputs []string
	for _, r := range records {
		events = append(events, r.EventFilters)
		objects = append(objects, r.ObjectFilters)
		if r.OutputPath != "" {
			outputs = append(outputs, r.OutputPath)
		}
	}
	event, err := domain.MergeAll(events...)
	if err != nil {
		return nil, fmt.Errorf("merge event filters: %w", err)
	}
	object, err := domain.MergeAll(objects...)
	if err != nil {
		return nil, fmt.Errorf("merge object filters: %w", err)
	}
	return &domain.CombinedReport{
		Name:        name,
		Event:       event,
		Object:      object,
		Outputs:     outputs,
		TotalEvents: event.Total(),
		Workers:     len(records),
	}, nil
}

// placeArtifact leaves exactly one artifact at final. Parts are only deleted
// after a successful merge.
func (p *publisher) placeArtifact(ctx context.Context, final string, parts []string) error {
	if err := os.Remove(final); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove previous output: %w", err)
	}
	if len(parts) == 1 {
		if err := p.mover.Move(ctx, parts[0], final); err != nil {
			return fmt.Errorf("move artifact: %w", err)
		}
		return nil
	}
	if err := p.merger.Merge(ctx, final, parts); err != nil {
		return fmt.Errorf("merge artifacts: %w", err)
	}
	for _, part := range parts {
		if err := os.Remove(part); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("remove partial artifact", "path", part, "err", err)
		}
	}
	return nil
}

func (p *publisher) normalize(final string, totalEvents int64) error {
	if !p.opts.Normalize {
		return nil
	}
	if p.opts.GridMode {
		p.logger.Info("skipping normalization in grid mode; run `batchsup merge` over the grid outputs")
		return nil
	}
	if totalEvents <= 0 {
		p.logger.Warn("skipping normalization: no events entered the cut-flow")
		return nil
	}
	if p.reweighter == nil {
		return errors.New("normalize: no reweighter configured")
	}
	w := p.opts.Weight / float64(totalEvents)
	if err := p.reweighter.Reweight(final, w); err != nil {
		return fmt.Errorf("normalize: %w", err)
	}
	p.logger.Info("artifact normalized", "weight", w, "totalEvents", totalEvents)
	return nil
}
