// Package supervisor runs one batch: it spawns a pool of workers, feeds them
// input files, collects their results and publishes the merged outputs.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/osvaldoandrade/batchsup/internal/broker"
	"github.com/osvaldoandrade/batchsup/internal/distributor"
	"github.com/osvaldoandrade/batchsup/internal/logagg"
	"github.com/osvaldoandrade/batchsup/internal/merge"
	"github.com/osvaldoandrade/batchsup/internal/metrics"
	"github.com/osvaldoandrade/batchsup/internal/providers"
	"github.com/osvaldoandrade/batchsup/internal/publisher"
	"github.com/osvaldoandrade/batchsup/internal/reportstore"
	"github.com/osvaldoandrade/batchsup/internal/tracing"
	"github.com/osvaldoandrade/batchsup/pkg/config"
	"github.com/osvaldoandrade/batchsup/pkg/domain"
	"github.com/osvaldoandrade/batchsup/pkg/student"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrAborted = errors.New("run aborted")

type ControlMessage int

const (
	ControlAbort ControlMessage = iota + 1
)

func (m ControlMessage) String() string {
	switch m {
	case ControlAbort:
		return "abort"
	default:
		return fmt.Sprintf("control(%d)", int(m))
	}
}

type Phase string

const (
	PhasePending     Phase = "pending"
	PhaseHiring      Phase = "hiring"
	PhaseSupervising Phase = "supervising"
	PhasePublishing  Phase = "publishing"
	PhaseDone        Phase = "done"
	PhaseAborted     Phase = "aborted"
	PhaseFailed      Phase = "failed"
)

// Outcome summarizes a finished run.
type Outcome struct {
	RunID     string
	Aborted   bool
	Spawned   int
	Collected int
	Discarded int
	Report    *domain.CombinedReport
	LogFile   string
}

// Status is a point-in-time snapshot, safe to take from any goroutine.
type Status struct {
	RunID      string        `json:"runId"`
	Student    string        `json:"student"`
	Output     string        `json:"output"`
	Phase      Phase         `json:"phase"`
	QueueMode  bool          `json:"queueMode"`
	Workers    int           `json:"workers"`
	Spawned    int           `json:"spawned"`
	Live       int           `json:"live"`
	Collected  int           `json:"collected"`
	Discarded  int           `json:"discarded"`
	Failed     int           `json:"failed"`
	Files      int           `json:"files"`
	Backlog    int           `json:"backlog"`
	Dispatched int           `json:"dispatched"`
	StartedAt  time.Time     `json:"startedAt,omitempty"`
	States     []WorkerState `json:"workerStates"`
}

type Option func(*Supervisor)

// WithPublisher replaces the publisher built from the configuration.
func WithPublisher(p publisher.Publisher) Option {
	return func(s *Supervisor) { s.pub = p }
}

// WithExecutable sets the binary and arguments used to start exec workers.
// The default is the running executable with the "student" subcommand.
func WithExecutable(path string, args ...string) Option {
	return func(s *Supervisor) {
		s.exe = path
		s.exeArgs = args
	}
}

type Supervisor struct {
	cfg     config.Config
	factory student.Factory
	fileset *domain.FileSet
	workers int
	queue   bool
	runID   string
	poll    time.Duration
	level   slog.Level
	exe     string
	exeArgs []string
	pub     publisher.Publisher

	control chan ControlMessage
	table   *workerTable
	logger  *slog.Logger
	feeder  *distributor.Feeder

	mu         sync.Mutex
	ran        bool
	phase      Phase
	startedAt  time.Time
	spawned    int
	collected  int
	discarded  int
	failed     int
	backlog    int
	dispatched int
	work       broker.WorkQueue
}

// New validates cfg and resolves the student kind and worker count. Nothing
// is spawned until Run.
func New(cfg *config.Config, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		return nil, errors.New("supervisor: config is required")
	}
	c := *cfg
	c.Resolve()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	factory, err := student.Lookup(c.Student)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	fs := domain.NewFileSet(c.Files, c.FileSet.Weight, c.FileSet.Label)
	workers := 0
	if fs.Len() > 0 {
		workers = distributor.WorkerCount(c.Workers, fs.Len(), c.GridMode)
	}
	s := &Supervisor{
		cfg:     c,
		factory: factory,
		fileset: fs,
		workers: workers,
		queue:   c.UseQueue() && !c.GridMode,
		runID:   uuid.NewString(),
		poll:    c.PollInterval(),
		level:   logagg.ParseLevel(c.LogLevel),
		control: make(chan ControlMessage, 8),
		table:   newWorkerTable(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		phase:   PhasePending,
		backlog: fs.Len(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Supervisor) RunID() string { return s.runID }

// Control is the external control channel. It is polled on every loop
// iteration.
func (s *Supervisor) Control() chan<- ControlMessage { return s.control }

// Abort asks a running supervisor to terminate its workers and skip
// publishing.
func (s *Supervisor) Abort() {
	select {
	case s.control <- ControlAbort:
	default:
		// An abort is already pending.
	}
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		RunID:      s.runID,
		Student:    s.cfg.Student,
		Output:     s.cfg.OutputName,
		Phase:      s.phase,
		QueueMode:  s.queue,
		Workers:    s.workers,
		Spawned:    s.spawned,
		Collected:  s.collected,
		Discarded:  s.discarded,
		Failed:     s.failed,
		Files:      s.fileset.Len(),
		Backlog:    s.backlog,
		Dispatched: s.dispatched,
		StartedAt:  s.startedAt,
	}
	s.mu.Unlock()
	st.Live = s.table.liveCount()
	st.States = s.table.states()
	return st
}

type resources struct {
	brk      broker.Broker
	embedded *providers.EmbeddedRedis
	listener *logagg.Listener
	logFile  string
	spawner  spawner
	pub      publisher.Publisher
	store    reportstore.Store
	exits    chan string

	// restoreStd undoes the stdout/stderr redirection into the run log.
	restoreStd func() error
}

// Run executes the whole batch. Cleanup always runs, also when the loop
// panics or the run is aborted. An aborted run returns ErrAborted.
func (s *Supervisor) Run(ctx context.Context) (out *Outcome, err error) {
	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return nil, errors.New("supervisor: Run called twice")
	}
	s.ran = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	ctx, span := tracing.Tracer().Start(ctx, "supervisor.run",
		trace.WithAttributes(
			attribute.String("batchsup.run_id", s.runID),
			attribute.String("batchsup.student", s.cfg.Student),
			attribute.Int("batchsup.workers", s.workers),
			attribute.Bool("batchsup.queue_mode", s.queue),
		),
	)
	defer span.End()

	res, err := s.open(ctx)
	if err != nil {
		s.setPhase(PhaseFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	out = &Outcome{RunID: s.runID, LogFile: res.logFile}

	defer func() {
		s.cleanup(res)
		st := s.Status()
		out.Spawned, out.Collected, out.Discarded = st.Spawned, st.Collected, st.Discarded
		if err != nil && !errors.Is(err, ErrAborted) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("supervisor panicked", "panic", r, "stack", string(debug.Stack()))
			s.terminateAll()
			s.setPhase(PhaseFailed)
			err = fmt.Errorf("supervisor panic: %v", r)
		}
	}()

	metrics.RegisterRunCollector(s.runState, nil)
	s.logger.Info("starting run", "run", s.runID, "config", &s.cfg)
	s.logger.Info("running on files", "count", s.fileset.Len(), "files", s.fileset.Files())

	if s.workers == 0 {
		s.logger.Warn("no input files; nothing to do")
		s.setPhase(PhaseDone)
		s.logger.Info("Done")
		return out, nil
	}

	if err := s.hire(ctx, res); err != nil {
		s.terminateAll()
		s.setPhase(PhaseFailed)
		return out, err
	}

	records, aborted := s.supervise(ctx, res)
	if aborted {
		out.Aborted = true
		metrics.AbortsTotal.WithLabelValues(s.cfg.Student).Inc()
		s.setPhase(PhaseAborted)
		s.logger.Warn("run aborted; results are not published", "collected", len(records))
		return out, ErrAborted
	}

	s.setPhase(PhasePublishing)
	report, err := res.pub.Publish(ctx, records)
	if err != nil {
		s.setPhase(PhaseFailed)
		s.logger.Error("publish failed", "err", err)
		return out, fmt.Errorf("publish: %w", err)
	}
	out.Report = report
	s.setPhase(PhaseDone)
	s.logger.Info("Done", "results", len(records))
	return out, nil
}

func (s *Supervisor) open(ctx context.Context) (*resources, error) {
	res := &resources{exits: make(chan string, s.workers)}
	capacity := distributor.QueueCapacity(s.workers)

	fail := func(err error) (*resources, error) {
		if res.brk != nil {
			_ = res.brk.Close()
		}
		if res.embedded != nil {
			res.embedded.Close()
		}
		return nil, err
	}

	redisAddr := s.cfg.RedisAddr
	switch s.cfg.Broker {
	case config.BrokerRedis:
		if redisAddr == "" {
			emb, err := providers.StartEmbeddedRedis()
			if err != nil {
				return fail(err)
			}
			res.embedded = emb
			redisAddr = emb.Addr()
		}
		rdb := providers.NewRedisProvider(redisAddr, s.cfg.RedisPassword)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return fail(fmt.Errorf("redis broker at %s: %w", redisAddr, err))
		}
		res.brk = broker.NewRedis(rdb, s.runID, capacity, true)
	default:
		res.brk = broker.NewMemory(capacity)
	}
	s.mu.Lock()
	s.work = res.brk.Work()
	s.mu.Unlock()

	res.logFile = logagg.FileName(s.cfg.LogDir, s.cfg.Student, s.cfg.OutputName)
	listener, err := logagg.Open(res.brk.Logs(), res.logFile, s.cfg.LogFormat)
	if err != nil {
		return fail(err)
	}
	listener.Start()
	res.listener = listener
	s.logger = logagg.NewLogger(res.brk.Logs(), "supervisor", s.level)

	base := student.Env{
		Name:      s.cfg.OutputName,
		Meta:      s.fileset.Meta(),
		GridMode:  s.cfg.GridMode,
		Nice:      s.cfg.Nice,
		Options:   s.cfg.Options,
		OutputDir: s.cfg.OutputDir,
		OutputExt: s.cfg.ArtifactExt,
	}
	switch s.cfg.Runtime {
	case config.RuntimeExec:
		exe, args := s.exe, s.exeArgs
		if exe == "" {
			if exe, err = os.Executable(); err != nil {
				_ = listener.Stop(context.Background())
				return fail(fmt.Errorf("locate worker executable: %w", err))
			}
			args = []string{"student"}
		}
		spec := student.Spec{
			Kind:          s.cfg.Student,
			Name:          base.Name,
			RunID:         s.runID,
			Meta:          base.Meta,
			GridMode:      base.GridMode,
			Nice:          base.Nice,
			Options:       base.Options,
			OutputDir:     base.OutputDir,
			OutputExt:     base.OutputExt,
			RedisAddr:     redisAddr,
			RedisPassword: s.cfg.RedisPassword,
			WorkCapacity:  capacity,
			LogLevel:      s.cfg.LogLevel,
		}
		if s.cfg.Tracing.Enabled {
			tc := s.cfg.Tracing.Resolved()
			spec.TraceEndpoint, spec.TraceInsecure = tc.Endpoint, tc.Insecure
		}
		res.spawner = &execSpawner{exe: exe, args: args, logs: res.brk.Logs(), base: spec}
	default:
		if s.cfg.Nice != 0 {
			s.logger.Info("niceness is ignored for in-process workers", "nice", s.cfg.Nice)
		}
		res.spawner = &inprocSpawner{factory: s.factory, brk: res.brk, base: base, level: s.level}
	}

	res.pub = s.pub
	if res.pub == nil {
		pub, store, err := s.buildPublisher()
		if err != nil {
			_ = listener.Stop(context.Background())
			return fail(err)
		}
		res.pub, res.store = pub, store
	}

	// Grid jobs keep their output on the batch system's own streams.
	if !s.cfg.GridMode {
		restore, err := logagg.Redirect(res.brk.Logs(), "supervisor")
		if err != nil {
			s.logger.Warn("standard output stays on the console", "err", err)
		} else {
			res.restoreStd = restore
		}
	}
	return res, nil
}

func (s *Supervisor) buildPublisher() (publisher.Publisher, reportstore.Store, error) {
	opts := reportstore.Options{
		Kind:        s.cfg.ReportStore,
		Path:        s.cfg.ReportPath,
		Format:      s.cfg.ReportFormat,
		PostgresDSN: s.cfg.PostgresDSN,
	}
	if s.cfg.ReportStore == config.StoreRedis {
		opts.Redis = providers.NewRedisProvider(s.cfg.RedisAddr, s.cfg.RedisPassword)
		opts.OwnRedis = true
	}
	store, err := reportstore.New(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("report store: %w", err)
	}
	pub := publisher.New(publisher.Options{
		Student:   s.cfg.Student,
		Name:      s.cfg.OutputName,
		OutputDir: s.cfg.OutputDir,
		Ext:       s.cfg.ArtifactExt,
		Weight:    s.fileset.Weight,
		Normalize: s.cfg.Normalize,
		GridMode:  s.cfg.GridMode,
	}, store, providers.NewLocalMover(), merge.New(s.cfg.MergeCommand), merge.ArtifactMerger{}, s.logger)
	return pub, store, nil
}

func (s *Supervisor) hire(ctx context.Context, res *resources) error {
	s.setPhase(PhaseHiring)
	ctx, span := tracing.Tracer().Start(ctx, "hire", trace.WithAttributes(attribute.Int("batchsup.workers", s.workers)))
	defer span.End()

	files := s.fileset.Files()
	var shares [][]string
	if s.queue {
		s.feeder = distributor.NewFeeder(res.brk.Work(), files, s.workers)
		if err := s.topUp(ctx); err != nil {
			return fmt.Errorf("fill work queue: %w", err)
		}
	} else {
		shares = distributor.Deal(files, s.workers)
		s.mu.Lock()
		s.backlog = 0
		s.dispatched = len(files)
		s.mu.Unlock()
		metrics.FilesDispatchedTotal.WithLabelValues(s.cfg.Student, "static").Add(float64(len(files)))
	}

	for i := 0; i < s.workers; i++ {
		id := fmt.Sprintf("%s-%d", s.runID[:8], i)
		a := assignment{queue: s.queue}
		if !s.queue {
			a.files = shares[i]
		}
		p, flush, err := res.spawner.spawn(ctx, id, a)
		if err != nil {
			return fmt.Errorf("spawn worker %s: %w", id, err)
		}
		h := &WorkerHandle{ID: id, Process: p, StartedAt: time.Now(), Status: domain.WorkerPending, ExitCode: -1, Files: len(a.files), flush: flush}
		s.table.add(h)
		if err := p.Start(ctx); err != nil {
			s.table.setStatus(h, domain.WorkerFailed, -1)
			return fmt.Errorf("start worker %s: %w", id, err)
		}
		s.table.setStatus(h, domain.WorkerRunning, -1)
		s.mu.Lock()
		s.spawned++
		s.mu.Unlock()
		metrics.WorkersSpawnedTotal.WithLabelValues(s.cfg.Student).Inc()

		go func(id string, done <-chan struct{}) {
			<-done
			res.exits <- id
		}(id, p.Done())
		s.logger.Info("worker started", "worker", id, "queue", a.queue, "files", len(a.files))
	}
	span.SetAttributes(attribute.Int("batchsup.spawned", s.workers))
	return nil
}

// supervise runs until every worker has been reaped or the run is aborted.
func (s *Supervisor) supervise(ctx context.Context, res *resources) (records []*domain.ResultRecord, aborted bool) {
	s.setPhase(PhaseSupervising)
	ctx, span := tracing.Tracer().Start(ctx, "supervise")
	defer func() {
		span.SetAttributes(attribute.Int("batchsup.results", len(records)), attribute.Bool("batchsup.aborted", aborted))
		span.End()
	}()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for s.table.liveCount() > 0 {
		select {
		case <-ctx.Done():
			s.logger.Warn("context done; aborting run", "err", ctx.Err())
			s.terminateAll()
			return records, true
		case msg := <-s.control:
			if msg == ControlAbort {
				s.logger.Warn("abort requested; terminating workers")
				s.terminateAll()
				return records, true
			}
			s.logger.Warn("ignoring unknown control message", "message", msg.String())
		case <-ticker.C:
		case <-res.exits:
		}
		if ctx.Err() != nil {
			s.logger.Warn("context done; aborting run", "err", ctx.Err())
			s.terminateAll()
			return records, true
		}

		if s.queue {
			if err := s.topUp(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("work queue top-up failed", "err", err)
			}
		}
		records = append(records, s.collect(ctx, res)...)
	}
	if ctx.Err() != nil {
		return records, true
	}
	return records, false
}

func (s *Supervisor) topUp(ctx context.Context) error {
	pushed, err := s.feeder.TopUp(ctx)
	if pushed > 0 {
		metrics.FilesDispatchedTotal.WithLabelValues(s.cfg.Student, "queue").Add(float64(pushed))
	}
	s.mu.Lock()
	s.backlog = s.feeder.Remaining()
	s.dispatched = s.feeder.Dispatched()
	s.mu.Unlock()
	return err
}

// collect reaps every worker that has published or exited. Workers are
// snapshotted before the drain so an exited worker's result is always seen
// in the same pass.
func (s *Supervisor) collect(ctx context.Context, res *resources) []*domain.ResultRecord {
	exited := s.table.exited()
	envs, err := res.brk.Results().Drain(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("drain results failed", "err", err)
		}
		return nil
	}

	var kept []*domain.ResultRecord
	for _, env := range envs {
		h := s.table.live(env.WorkerID)
		if h == nil {
			s.logger.Warn("dropping result from unknown worker", "worker", env.WorkerID)
			metrics.ResultsTotal.WithLabelValues(s.cfg.Student, "orphan").Inc()
			continue
		}
		_ = h.Process.Wait()
		code := h.Process.ExitCode()
		switch {
		case code != 0:
			s.logger.Warn("discarding result of failed worker", "worker", h.ID, "exitCode", code)
			s.discard(h, "discarded", domain.WorkerFailed, code)
		case env.Record == nil:
			s.logger.Info("worker contributed nothing", "worker", h.ID)
			metrics.ResultsTotal.WithLabelValues(s.cfg.Student, "empty").Inc()
			s.reap(h, domain.WorkerReaped, code)
		default:
			if err := env.Record.Validate(); err != nil {
				s.logger.Warn("discarding malformed cut-flow", "worker", h.ID, "err", err)
				s.discard(h, "invalid", domain.WorkerReaped, code)
				continue
			}
			kept = append(kept, env.Record)
			metrics.ResultsTotal.WithLabelValues(s.cfg.Student, "kept").Inc()
			s.mu.Lock()
			s.collected++
			s.mu.Unlock()
			s.reap(h, domain.WorkerCompleted, code)
		}
	}

	for _, h := range exited {
		if s.table.live(h.ID) == nil {
			continue
		}
		code := h.Process.ExitCode()
		s.logger.Warn("worker exited without a result", "worker", h.ID, "exitCode", code)
		st := domain.WorkerReaped
		if code != 0 {
			st = domain.WorkerFailed
		}
		s.reap(h, st, code)
	}
	return kept
}

func (s *Supervisor) discard(h *WorkerHandle, outcome string, st domain.WorkerStatus, code int) {
	metrics.ResultsTotal.WithLabelValues(s.cfg.Student, outcome).Inc()
	s.mu.Lock()
	s.discarded++
	s.mu.Unlock()
	s.reap(h, st, code)
}

func (s *Supervisor) reap(h *WorkerHandle, st domain.WorkerStatus, code int) {
	s.table.setStatus(h, st, code)
	if h.flush != nil {
		h.flush()
	}
	if st == domain.WorkerFailed {
		s.mu.Lock()
		s.failed++
		s.mu.Unlock()
	}
	metrics.WorkersReapedTotal.WithLabelValues(s.cfg.Student, string(st)).Inc()
	s.logger.Debug("worker reaped", "worker", h.ID, "status", string(st), "exitCode", code, "elapsed", time.Since(h.StartedAt).String())
}

// terminateAll kills every live worker and waits up to one poll period for
// them to go away.
func (s *Supervisor) terminateAll() {
	live := s.table.liveHandles()
	for _, h := range live {
		if err := h.Process.Terminate(); err != nil {
			s.logger.Warn("terminate worker", "worker", h.ID, "err", err)
		}
	}
	grace, cancel := context.WithTimeout(context.Background(), s.poll)
	defer cancel()
	for _, h := range live {
		select {
		case <-h.Process.Done():
		case <-grace.Done():
			s.logger.Warn("worker still running after terminate", "worker", h.ID)
		}
		s.reap(h, domain.WorkerReaped, h.Process.ExitCode())
	}
}

func (s *Supervisor) cleanup(res *resources) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if res.restoreStd != nil {
		if err := res.restoreStd(); err != nil {
			slog.Warn("restore standard output", "err", err)
		}
	}
	if err := res.listener.Stop(stopCtx); err != nil {
		slog.Warn("log listener stopped with error", "err", err, "file", res.logFile)
	}
	if err := broker.Purge(stopCtx, res.brk); err != nil {
		slog.Warn("purge broker keys", "err", err)
	}
	_ = res.brk.Close()
	if res.embedded != nil {
		res.embedded.Close()
	}
	if res.store != nil {
		if err := res.store.Close(); err != nil {
			slog.Warn("close report store", "err", err)
		}
	}
	s.mu.Lock()
	s.work = nil
	s.mu.Unlock()
	if err := metrics.WriteTextfile(s.cfg.MetricsTextfile); err != nil {
		slog.Warn("metrics textfile", "err", err)
	}
}

func (s *Supervisor) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Supervisor) runState(ctx context.Context) (metrics.RunState, error) {
	st := s.Status()
	rs := metrics.RunState{Student: st.Student, Live: st.Live, Backlog: st.Backlog}
	s.mu.Lock()
	work := s.work
	s.mu.Unlock()
	if work == nil {
		return rs, nil
	}
	depth, err := work.Len(ctx)
	if err != nil {
		return rs, err
	}
	rs.QueueDepth = depth
	return rs, nil
}
