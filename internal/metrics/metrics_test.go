package metrics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRunCollectorReportsSource(t *testing.T) {
	RegisterRunCollector(func(context.Context) (RunState, error) {
		return RunState{Student: "passthrough", Live: 3, Backlog: 7, QueueDepth: 4}, nil
	}, nil)

	expected := `
# HELP batchsup_workers_live Workers spawned and not yet reaped.
# TYPE batchsup_workers_live gauge
batchsup_workers_live{student="passthrough"} 3
`
	if err := testutil.GatherAndCompare(prometheus.DefaultGatherer, strings.NewReader(expected), "batchsup_workers_live"); err != nil {
		t.Fatal(err)
	}

	RegisterRunCollector(func(context.Context) (RunState, error) {
		return RunState{Student: "passthrough", Live: 0}, nil
	}, nil)
	if got := testutil.CollectAndCount(collector, "batchsup_backlog_files"); got != 1 {
		t.Fatalf("expected 1 backlog sample, got %d", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	WorkersSpawnedTotal.WithLabelValues("textfile-test").Inc()
	path := filepath.Join(t.TempDir(), "batchsup.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `batchsup_workers_spawned_total{student="textfile-test"} 1`) {
		t.Fatalf("textfile missing counter:\n%s", b)
	}
	if err := WriteTextfile(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}
