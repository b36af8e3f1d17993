package merge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/osvaldoandrade/batchsup/pkg/artifact"
)

func writePart(t *testing.T, dir, name string, n int) string {
	t.Helper()
	f := artifact.New()
	for i := 0; i < n; i++ {
		f.Get("events").Append(json.RawMessage(`{}`))
	}
	path := filepath.Join(dir, name)
	if err := artifact.Write(path, f); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewPicksImplementation(t *testing.T) {
	if _, ok := New(nil).(ArtifactMerger); !ok {
		t.Error("expected ArtifactMerger for empty argv")
	}
	if _, ok := New([]string{"hadd", "-f"}).(CommandMerger); !ok {
		t.Error("expected CommandMerger for argv")
	}
}

func TestArtifactMergerUnion(t *testing.T) {
	dir := t.TempDir()
	parts := []string{writePart(t, dir, "a.json", 3), writePart(t, dir, "b.json", 4)}
	final := filepath.Join(dir, "final.json")

	if err := (ArtifactMerger{}).Merge(context.Background(), final, parts); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	got, err := artifact.Read(final)
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != 7 {
		t.Fatalf("merged %d records, want 7", got.Len())
	}
	for _, p := range parts {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("merger touched part %s: %v", p, err)
		}
	}
}

func TestArtifactMergerMissingPart(t *testing.T) {
	dir := t.TempDir()
	err := (ArtifactMerger{}).Merge(context.Background(), filepath.Join(dir, "f.json"), []string{filepath.Join(dir, "missing.json")})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestCommandMergerArguments(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	dir := t.TempDir()
	record := filepath.Join(dir, "args.txt")
	m := CommandMerger{Argv: []string{"/bin/sh", "-c", `echo "$@" > ` + record, "merge"}}
	if err := m.Merge(context.Background(), "final.json", []string{"p1.json", "p2.json"}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	b, err := os.ReadFile(record)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(b)); got != "final.json p1.json p2.json" {
		t.Fatalf("merge tool saw %q", got)
	}
}

func TestCommandMergerFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	m := CommandMerger{Argv: []string{"/bin/sh", "-c", "echo nope >&2; exit 1", "merge"}}
	err := m.Merge(context.Background(), "final.json", []string{"p1.json"})
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("expected failure carrying tool output, got %v", err)
	}
}
