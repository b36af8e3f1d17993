package domain

import (
	"errors"
	"reflect"
	"testing"
)

func cutflow(counts ...int64) FilterList {
	names := []string{"preselection", "trigger", "leptons", "jets"}
	l := make(FilterList, 0, len(counts)/2)
	for i := 0; i+1 < len(counts); i += 2 {
		l = append(l, Filter{Name: names[i/2], Total: counts[i], Passing: counts[i+1]})
	}
	return l
}

func TestMergeSumsStageByStage(t *testing.T) {
	a := cutflow(100, 80, 80, 40)
	b := cutflow(50, 45, 45, 10)

	got, err := Merge(a, b)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	want := cutflow(150, 125, 125, 50)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Merge() = %v, want %v", got, want)
	}
}

func TestMergeIsCommutativeAndAssociative(t *testing.T) {
	a := cutflow(10, 9, 9, 1)
	b := cutflow(20, 5, 5, 5)
	c := cutflow(7, 7, 7, 0)

	ab, _ := Merge(a, b)
	ba, _ := Merge(b, a)
	if !reflect.DeepEqual(ab, ba) {
		t.Fatalf("not commutative: %v vs %v", ab, ba)
	}

	abc1, _ := Merge(ab, c)
	bc, _ := Merge(b, c)
	abc2, _ := Merge(a, bc)
	if !reflect.DeepEqual(abc1, abc2) {
		t.Fatalf("not associative: %v vs %v", abc1, abc2)
	}
}

func TestMergeStageMismatch(t *testing.T) {
	tests := []struct {
		name string
		a, b FilterList
	}{
		{"different lengths", cutflow(1, 1, 1, 1), cutflow(1, 1)},
		{"different names", FilterList{{Name: "a", Total: 1, Passing: 1}}, FilterList{{Name: "b", Total: 1, Passing: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Merge(tt.a, tt.b)
			if !errors.Is(err, ErrStageMismatch) {
				t.Fatalf("expected ErrStageMismatch, got %v", err)
			}
		})
	}
}

func TestMergeAll(t *testing.T) {
	got, err := MergeAll()
	if err != nil || got != nil {
		t.Fatalf("MergeAll() = %v, %v; want nil, nil", got, err)
	}

	lists := []FilterList{cutflow(3, 2), cutflow(4, 4), cutflow(5, 1)}
	got, err = MergeAll(lists...)
	if err != nil {
		t.Fatalf("MergeAll failed: %v", err)
	}
	if got.Total() != 12 || got.Final() != 7 {
		t.Fatalf("Total/Final = %d/%d, want 12/7", got.Total(), got.Final())
	}
	if lists[0][0].Total != 3 {
		t.Fatal("MergeAll mutated its first input")
	}
}

func TestFilterListValidate(t *testing.T) {
	tests := []struct {
		name    string
		list    FilterList
		wantErr bool
	}{
		{"monotone", cutflow(10, 8, 8, 3), false},
		{"empty", nil, false},
		{"passing above total", cutflow(10, 11), true},
		{"increasing stage", FilterList{{Name: "a", Total: 10, Passing: 2}, {Name: "b", Total: 10, Passing: 5}}, true},
		{"unnamed", FilterList{{Total: 1, Passing: 1}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.list.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCombinedReportBasic(t *testing.T) {
	r := &CombinedReport{Event: cutflow(10, 10), Object: cutflow(30, 12)}
	basic := r.Basic()
	event, ok := basic["event"].([]map[string]any)
	if !ok || len(event) != 1 {
		t.Fatalf("unexpected event form: %#v", basic["event"])
	}
	if event[0]["name"] != "preselection" || event[0]["passing"] != int64(10) {
		t.Errorf("unexpected event stage: %#v", event[0])
	}
	if _, ok := basic["object"]; !ok {
		t.Error("missing object key")
	}
}

func TestFileSetIsImmutable(t *testing.T) {
	files := []string{"a.json", "b.json"}
	fs := NewFileSet(files, 2.5, "signal")
	files[0] = "changed"

	got := fs.Files()
	if got[0] != "a.json" {
		t.Fatalf("FileSet saw caller mutation: %v", got)
	}
	got[1] = "changed"
	if fs.Files()[1] != "b.json" {
		t.Fatal("Files() exposed internal slice")
	}
	if m := fs.Meta(); m.Files != 2 || m.Label != "signal" || m.Weight != 2.5 {
		t.Errorf("unexpected meta: %+v", m)
	}
}

func TestWorkerStatusMarshalText(t *testing.T) {
	got, err := WorkerReaped.MarshalText()
	if err != nil || string(got) != "REAPED" {
		t.Fatalf("MarshalText() = %q, %v", got, err)
	}
}
