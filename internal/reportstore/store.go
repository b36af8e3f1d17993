// Package reportstore persists the combined cut-flow report of a run.
package reportstore

import (
	"context"
	"fmt"

	"github.com/osvaldoandrade/batchsup/pkg/domain"

	"github.com/go-redis/redis/v8"
)

// Document is the persisted two-key report.
type Document struct {
	Event  domain.FilterList `json:"event" yaml:"event"`
	Object domain.FilterList `json:"object" yaml:"object"`
}

type Store interface {
	Save(ctx context.Context, report *domain.CombinedReport) error
	Load(ctx context.Context, name string) (*Document, error)
	Close() error
}

type Options struct {
	Kind        string
	Path        string
	Format      string
	Redis       *redis.Client
	OwnRedis    bool
	PostgresDSN string
}

// New builds the store named by opts.Kind: "file" (default), "redis" or
// "postgres".
func New(opts Options) (Store, error) {
	switch opts.Kind {
	case "", "file":
		return NewFile(opts.Path, opts.Format), nil
	case "redis":
		if opts.Redis == nil {
			return nil, fmt.Errorf("redis report store needs a redis client")
		}
		return NewRedis(opts.Redis, opts.OwnRedis), nil
	case "postgres":
		return OpenPostgres(opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown report store: %s", opts.Kind)
	}
}
