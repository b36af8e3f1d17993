package reportstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/osvaldoandrade/batchsup/pkg/domain"

	"gopkg.in/yaml.v3"
)

type fileStore struct {
	path   string
	format string
}

// NewFile writes the report to path as json (default) or yaml.
func NewFile(path, format string) Store {
	if path == "" {
		path = "cutflow.json"
	}
	if format == "" {
		format = "json"
	}
	return &fileStore{path: path, format: format}
}

func (s *fileStore) Save(_ context.Context, report *domain.CombinedReport) error {
	var (
		data []byte
		err  error
	)
	switch s.format {
	case "yaml":
		data, err = yaml.Marshal(report.Basic())
	default:
		data, err = json.MarshalIndent(report.Basic(), "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Load ignores name: a file store holds a single report.
func (s *fileStore) Load(_ context.Context, _ string) (*Document, error) {
	return ReadFile(s.path)
}

func (s *fileStore) Close() error { return nil }

// ReadFile parses a persisted report in either format.
func ReadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		if yerr := yaml.Unmarshal(data, &doc); yerr != nil {
			return nil, fmt.Errorf("parse report %s: %w", path, err)
		}
	}
	return &doc, nil
}
