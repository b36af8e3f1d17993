// Package artifact implements the small series-of-records file that workers
// write and the publisher merges. Each file holds named series; each series
// carries a weight and its raw JSON records.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const Ext = ".json"

type Series struct {
	Name    string            `json:"name"`
	Weight  float64           `json:"weight"`
	Records []json.RawMessage `json:"records"`
}

type File struct {
	Series []*Series `json:"series"`
}

func New() *File { return &File{} }

// Get returns the named series, creating it with weight 1 when missing.
func (f *File) Get(name string) *Series {
	for _, s := range f.Series {
		if s.Name == name {
			return s
		}
	}
	s := &Series{Name: name, Weight: 1}
	f.Series = append(f.Series, s)
	return s
}

func (f *File) Lookup(name string) (*Series, bool) {
	for _, s := range f.Series {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// Len is the total number of records across all series.
func (f *File) Len() int {
	n := 0
	for _, s := range f.Series {
		n += len(s.Records)
	}
	return n
}

func (s *Series) Append(rec json.RawMessage) {
	cp := make(json.RawMessage, len(rec))
	copy(cp, rec)
	s.Records = append(s.Records, cp)
}

func Read(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", path, err)
	}
	return &f, nil
}

// Write replaces path atomically.
func Write(path string, f *File) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Union concatenates the series of every input, matching series by name.
// The first weight seen for a series wins.
func Union(files ...*File) *File {
	out := New()
	for _, f := range files {
		for _, s := range f.Series {
			dst, ok := out.Lookup(s.Name)
			if !ok {
				dst = &Series{Name: s.Name, Weight: s.Weight}
				out.Series = append(out.Series, dst)
			}
			dst.Records = append(dst.Records, s.Records...)
		}
	}
	sort.SliceStable(out.Series, func(i, j int) bool { return out.Series[i].Name < out.Series[j].Name })
	return out
}

// Reweight sets weight on every series of the artifact at path, rewriting it
// in place.
func Reweight(path string, weight float64) error {
	f, err := Read(path)
	if err != nil {
		return err
	}
	for _, s := range f.Series {
		s.Weight = weight
	}
	return Write(path, f)
}
