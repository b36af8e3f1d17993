package reportstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/osvaldoandrade/batchsup/pkg/domain"

	"github.com/go-redis/redis/v8"
)

type redisStore struct {
	rdb   *redis.Client
	owned bool
}

// NewRedis keeps reports in one hash keyed by report name. An owned client
// is closed with the store.
func NewRedis(rdb *redis.Client, owned bool) Store {
	return &redisStore{rdb: rdb, owned: owned}
}

func (s *redisStore) keyReports() string { return "batchsup:reports" }

func (s *redisStore) Save(ctx context.Context, report *domain.CombinedReport) error {
	b, err := json.Marshal(report.Basic())
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.keyReports(), report.Name, string(b)).Err(); err != nil {
		return fmt.Errorf("redis HSET report: %w", err)
	}
	return nil
}

func (s *redisStore) Load(ctx context.Context, name string) (*Document, error) {
	js, err := s.rdb.HGet(ctx, s.keyReports(), name).Result()
	if err == redis.Nil || js == "" {
		return nil, fmt.Errorf("report %s: not-found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET report: %w", err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(js), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &doc, nil
}

func (s *redisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.rdb.Close()
}
