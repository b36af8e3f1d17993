package reportstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/osvaldoandrade/batchsup/pkg/domain"

	_ "github.com/lib/pq"
)

const createReportsTable = `
	CREATE TABLE IF NOT EXISTS cutflow_reports (
		name         TEXT PRIMARY KEY,
		report       JSONB NOT NULL,
		total_events BIGINT NOT NULL,
		workers      INTEGER NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

type postgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with lib/pq and makes sure the reports table exists.
func OpenPostgres(dsn string) (Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres report store needs a dsn")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if _, err := db.Exec(createReportsTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cutflow_reports: %w", err)
	}
	return &postgresStore{db: db}, nil
}

func (s *postgresStore) Save(ctx context.Context, report *domain.CombinedReport) error {
	b, err := json.Marshal(report.Basic())
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	query := `
		INSERT INTO cutflow_reports (name, report, total_events, workers, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (name) DO UPDATE
		SET report = EXCLUDED.report,
		    total_events = EXCLUDED.total_events,
		    workers = EXCLUDED.workers,
		    updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, report.Name, string(b), report.TotalEvents, report.Workers); err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}
	return nil
}

func (s *postgresStore) Load(ctx context.Context, name string) (*Document, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM cutflow_reports WHERE name = $1`, name).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("report %s: not-found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("select report: %w", err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &doc, nil
}

func (s *postgresStore) Close() error { return s.db.Close() }
