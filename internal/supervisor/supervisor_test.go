package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/osvaldoandrade/batchsup/internal/reportstore"
	"github.com/osvaldoandrade/batchsup/pkg/artifact"
	"github.com/osvaldoandrade/batchsup/pkg/config"
	"github.com/osvaldoandrade/batchsup/pkg/domain"
	"github.com/osvaldoandrade/batchsup/pkg/student"
	"github.com/osvaldoandrade/batchsup/pkg/student/passthrough"
)

const (
	kindCounter = "test-counter"
	kindFlaky   = "test-flaky"
	kindSleeper = "test-sleeper"
	kindPanicky = "test-panicky"
	kindChatty  = "test-chatty"
	kindBroken  = "test-broken"
)

// counter treats "name:N" as a file holding N events, half of which pass.
type counter struct {
	env   *student.Env
	total int64
	pass  int64
	files int64
}

func (c *counter) Begin(_ context.Context, env *student.Env) error {
	c.env = env
	return nil
}

func (c *counter) Process(_ context.Context, file string) error {
	n, err := strconv.ParseInt(file[strings.LastIndex(file, ":")+1:], 10, 64)
	if err != nil {
		return err
	}
	c.files++
	c.total += n
	c.pass += n / 2
	return nil
}

func (c *counter) End(context.Context) (*domain.ResultRecord, error) {
	return &domain.ResultRecord{
		EventFilters: domain.FilterList{
			{Name: "all", Total: c.total, Passing: c.total},
			{Name: "half", Total: c.total, Passing: c.pass},
		},
		ObjectFilters: domain.FilterList{{Name: "files", Total: c.files, Passing: c.files}},
	}, nil
}

// flaky behaves like counter, but worker 0 reports its record and then fails.
type flaky struct{ counter }

func (f *flaky) End(ctx context.Context) (*domain.ResultRecord, error) {
	rec, _ := f.counter.End(ctx)
	if strings.HasSuffix(f.env.WorkerID, "-0") {
		return rec, errors.New("lost the output file after reporting")
	}
	return rec, nil
}

// sleeper blocks on every file until its context is cancelled.
type sleeper struct{ counter }

func (s *sleeper) Process(ctx context.Context, _ string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Minute):
		return nil
	}
}

type panicky struct{ counter }

func (p *panicky) Process(context.Context, string) error {
	panic("corrupt input")
}

// chatty prints every file it sees instead of logging it.
type chatty struct{ counter }

func (c *chatty) Process(ctx context.Context, file string) error {
	fmt.Println("chatty stdout", file)
	fmt.Fprintln(os.Stderr, "chatty stderr", file)
	return c.counter.Process(ctx, file)
}

// broken reports a cut-flow that gains events on worker 0.
type broken struct{ counter }

func (b *broken) End(ctx context.Context) (*domain.ResultRecord, error) {
	rec, _ := b.counter.End(ctx)
	if strings.HasSuffix(b.env.WorkerID, "-0") {
		rec.EventFilters[1].Passing = rec.EventFilters[1].Total + 1
	}
	return rec, nil
}

func init() {
	student.Register(kindChatty, func() student.Student { return &chatty{} })
	student.Register(kindBroken, func() student.Student { return &broken{} })
	student.Register(kindCounter, func() student.Student { return &counter{} })
	student.Register(kindFlaky, func() student.Student { return &flaky{} })
	student.Register(kindSleeper, func() student.Student { return &sleeper{} })
	student.Register(kindPanicky, func() student.Student { return &panicky{} })
}

// TestMain lets the test binary double as an exec worker.
func TestMain(m *testing.M) {
	if os.Getenv(student.SpecEnvVar) != "" {
		spec, err := student.SpecFromEnv()
		if err == nil {
			err = RunWorker(context.Background(), spec)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func testConfig(t *testing.T, kind string, files []string, workers int, queue bool) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Student:            kind,
		OutputName:         "out",
		Files:              files,
		FileSet:            config.FileSetConfig{Label: "test", Weight: 1},
		Workers:            workers,
		QueueMode:          &queue,
		Runtime:            config.RuntimeInProc,
		Broker:             config.BrokerMemory,
		PollIntervalMillis: 20,
		LogDir:             filepath.Join(dir, "logs"),
		LogLevel:           "debug",
		LogFormat:          "json",
		ReportStore:        config.StoreFile,
		ReportPath:         filepath.Join(dir, "cutflow.json"),
		ReportFormat:       "json",
		ArtifactExt:        ".json",
		OutputDir:          filepath.Join(dir, "output"),
	}
}

func counterFiles(n int, events int) []string {
	files := make([]string, n)
	for i := range files {
		files[i] = fmt.Sprintf("file-%03d:%d", i, events)
	}
	return files
}

func writeInputs(t *testing.T, files, perFile int) []string {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for i := 0; i < files; i++ {
		f := artifact.New()
		s := f.Get("events")
		for j := 0; j < perFile; j++ {
			s.Append(json.RawMessage(fmt.Sprintf(`{"file":%d,"event":%d}`, i, j)))
		}
		p := filepath.Join(dir, fmt.Sprintf("input-%02d.json", i))
		if err := artifact.Write(p, f); err != nil {
			t.Fatalf("write input: %v", err)
		}
		paths = append(paths, p)
	}
	return paths
}

func runSupervisor(t *testing.T, cfg *config.Config, opts ...Option) (*Supervisor, *Outcome, error) {
	t.Helper()
	sup, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out, err := sup.Run(ctx)
	return sup, out, err
}

// 10,000 records over 4 queue-fed workers come out as 10,000 records.
func TestQueueModeEndToEnd(t *testing.T) {
	inputs := writeInputs(t, 20, 500)
	cfg := testConfig(t, passthrough.Kind, inputs, 4, true)

	sup, out, err := runSupervisor(t, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Spawned != 4 || out.Collected != 4 {
		t.Fatalf("spawned=%d collected=%d, want 4/4", out.Spawned, out.Collected)
	}
	if out.Report == nil {
		t.Fatal("expected a report")
	}
	if got := out.Report.Event.Total(); got != 10000 {
		t.Fatalf("events in = %d, want 10000", got)
	}
	if got := out.Report.Event.Final(); got != 10000 {
		t.Fatalf("events out = %d, want 10000", got)
	}

	final, err := artifact.Read(filepath.Join(cfg.OutputDir, "out.json"))
	if err != nil {
		t.Fatalf("read merged artifact: %v", err)
	}
	if final.Len() != 10000 {
		t.Fatalf("merged artifact has %d records, want 10000", final.Len())
	}
	entries, err := os.ReadDir(cfg.OutputDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("partial artifacts left behind: %d entries", len(entries))
	}

	doc, err := reportstore.ReadFile(cfg.ReportPath)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if doc.Event.Total() != 10000 {
		t.Fatalf("persisted report total = %d", doc.Event.Total())
	}

	st := sup.Status()
	if st.Phase != PhaseDone || st.Live != 0 || st.Backlog != 0 || st.Dispatched != 20 {
		t.Fatalf("unexpected status %+v", st)
	}
	for _, ws := range st.States {
		if ws.Status != domain.WorkerCompleted || ws.ExitCode != 0 {
			t.Fatalf("worker %s ended %s/%d", ws.ID, ws.Status, ws.ExitCode)
		}
	}

	logData, err := os.ReadFile(out.LogFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(logData), `"msg":"Done"`) {
		t.Fatalf("log file missing Done line:\n%s", logData)
	}
	if !strings.Contains(string(logData), "wrote partial output") {
		t.Fatal("worker logs were not aggregated")
	}
}

func TestStaticModeMatchesQueueMode(t *testing.T) {
	files := counterFiles(13, 100)
	_, queued, err := runSupervisor(t, testConfig(t, kindCounter, files, 3, true))
	if err != nil {
		t.Fatalf("queue Run: %v", err)
	}
	_, static, err := runSupervisor(t, testConfig(t, kindCounter, files, 3, false))
	if err != nil {
		t.Fatalf("static Run: %v", err)
	}
	if queued.Report.Event.Final() != static.Report.Event.Final() || queued.Report.Event.Total() != 1300 {
		t.Fatalf("queue %v vs static %v", queued.Report.Event, static.Report.Event)
	}
	if static.Report.Object.Final() != 13 {
		t.Fatalf("files processed = %d, want 13", static.Report.Object.Final())
	}
}

// A worker that reports and then exits non-zero contributes nothing.
func TestFailedWorkerIsExcluded(t *testing.T) {
	files := counterFiles(9, 10)
	cfg := testConfig(t, kindFlaky, files, 3, false)

	sup, out, err := runSupervisor(t, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Collected != 2 || out.Discarded != 1 {
		t.Fatalf("collected=%d discarded=%d, want 2/1", out.Collected, out.Discarded)
	}
	// Worker 0 was dealt three of the nine files.
	if got := out.Report.Event.Total(); got != 60 {
		t.Fatalf("events in = %d, want 60", got)
	}
	if out.Report.Workers != 2 {
		t.Fatalf("report merged %d workers", out.Report.Workers)
	}
	if st := sup.Status(); st.Failed != 1 {
		t.Fatalf("failed = %d, want 1", st.Failed)
	}
}

func TestPanickingWorkersPublishNothing(t *testing.T) {
	cfg := testConfig(t, kindPanicky, counterFiles(4, 1), 2, true)
	sup, out, err := runSupervisor(t, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Report != nil {
		t.Fatalf("expected no report, got %+v", out.Report)
	}
	if _, err := os.Stat(cfg.ReportPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("report must not be written: %v", err)
	}
	if st := sup.Status(); st.Failed != 2 || st.Phase != PhaseDone {
		t.Fatalf("unexpected status %+v", st)
	}
}

// Abort terminates every worker within one poll period and skips publish.
func TestAbortSkipsPublish(t *testing.T) {
	cfg := testConfig(t, kindSleeper, counterFiles(8, 1), 4, true)
	cfg.PollIntervalMillis = 100

	sup, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	type result struct {
		out *Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sup.Run(context.Background())
		done <- result{out, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for sup.Status().Live < 4 {
		if time.Now().After(deadline) {
			t.Fatal("workers never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	start := time.Now()
	sup.Abort()
	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after abort")
	}
	// The abort wakes the loop at once; terminated workers get at most one
	// poll period of grace.
	if elapsed := time.Since(start); elapsed > 2*cfg.PollInterval() {
		t.Fatalf("abort took %v", elapsed)
	}
	if !errors.Is(r.err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", r.err)
	}
	if !r.out.Aborted || r.out.Report != nil {
		t.Fatalf("unexpected outcome %+v", r.out)
	}
	if _, err := os.Stat(cfg.ReportPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("report must not be written on abort: %v", err)
	}
	st := sup.Status()
	if st.Phase != PhaseAborted || st.Live != 0 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestContextCancellationAborts(t *testing.T) {
	cfg := testConfig(t, kindSleeper, counterFiles(2, 1), 2, false)
	sup, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	out, err := sup.Run(ctx)
	if !errors.Is(err, ErrAborted) || !out.Aborted {
		t.Fatalf("expected aborted run, got %v", err)
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	cfg := testConfig(t, "no-such-student", counterFiles(1, 1), 1, true)
	_, err := New(cfg)
	if !errors.Is(err, student.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestWorkerCountResolution(t *testing.T) {
	tests := []struct {
		name      string
		files     int
		workers   int
		grid      bool
		want      int
		wantQueue bool
	}{
		{name: "capped by files", files: 3, workers: 8, want: 3, wantQueue: true},
		{name: "explicit", files: 10, workers: 4, want: 4, wantQueue: true},
		{name: "grid", files: 10, workers: 4, grid: true, want: 1, wantQueue: false},
		{name: "no files", files: 0, workers: 4, want: 0, wantQueue: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, kindCounter, counterFiles(tt.files, 1), tt.workers, true)
			cfg.GridMode = tt.grid
			sup, err := New(cfg)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			st := sup.Status()
			if st.Workers != tt.want || st.QueueMode != tt.wantQueue {
				t.Fatalf("workers=%d queue=%v, want %d/%v", st.Workers, st.QueueMode, tt.want, tt.wantQueue)
			}
		})
	}
}

func TestNoFilesIsNoop(t *testing.T) {
	cfg := testConfig(t, kindCounter, nil, 4, true)
	_, out, err := runSupervisor(t, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Spawned != 0 || out.Report != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestRunTwiceFails(t *testing.T) {
	cfg := testConfig(t, kindCounter, counterFiles(1, 1), 1, true)
	sup, _, err := runSupervisor(t, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := sup.Run(context.Background()); err == nil {
		t.Fatal("second Run should fail")
	}
}

func TestExecWorkersWithEmbeddedRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("no executable: %v", err)
	}
	cfg := testConfig(t, kindCounter, counterFiles(12, 10), 3, true)
	cfg.Runtime = config.RuntimeExec
	cfg.Broker = config.BrokerRedis

	_, out, err := runSupervisor(t, cfg, WithExecutable(exe))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Collected != 3 {
		t.Fatalf("collected = %d, want 3", out.Collected)
	}
	if got := out.Report.Event.Total(); got != 120 {
		t.Fatalf("events in = %d, want 120", got)
	}
}

func TestStandardOutputLandsInRunLog(t *testing.T) {
	stdout, stderr := os.Stdout, os.Stderr
	cfg := testConfig(t, kindChatty, counterFiles(4, 3), 2, true)

	_, out, err := runSupervisor(t, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if os.Stdout != stdout || os.Stderr != stderr {
		t.Fatal("standard files were not restored after the run")
	}
	data, err := os.ReadFile(out.LogFile)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	log := string(data)
	for _, want := range []string{"chatty stdout file-000:3", "chatty stderr file-003:3"} {
		if !strings.Contains(log, want) {
			t.Errorf("log is missing %q", want)
		}
	}
}

func TestMalformedCutFlowIsDiscarded(t *testing.T) {
	cfg := testConfig(t, kindBroken, counterFiles(6, 10), 3, false)

	_, out, err := runSupervisor(t, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Collected != 2 || out.Discarded != 1 {
		t.Fatalf("collected=%d discarded=%d, want 2/1", out.Collected, out.Discarded)
	}
	if got := out.Report.Event.Total(); got != 40 {
		t.Fatalf("events in = %d, want 40", got)
	}
	if err := out.Report.Event.Validate(); err != nil {
		t.Fatalf("published cut-flow is malformed: %v", err)
	}
}

func TestZeroPollIntervalFallsBackToDefault(t *testing.T) {
	cfg := testConfig(t, kindCounter, counterFiles(2, 1), 1, true)
	cfg.PollIntervalMillis = 0

	sup, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sup.poll != time.Second {
		t.Fatalf("poll = %v, want 1s", sup.poll)
	}
	out, err := sup.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Report == nil || out.Report.Event.Total() != 2 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}
