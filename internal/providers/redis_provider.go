package providers

import (
	"fmt"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func NewRedisProvider(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
}

// EmbeddedRedis is an in-process redis server the supervisor starts when exec
// workers need a broker and no external address is configured.
type EmbeddedRedis struct {
	srv *miniredis.Miniredis
}

func StartEmbeddedRedis() (*EmbeddedRedis, error) {
	srv, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("start embedded redis: %w", err)
	}
	return &EmbeddedRedis{srv: srv}, nil
}

func (e *EmbeddedRedis) Addr() string { return e.srv.Addr() }

func (e *EmbeddedRedis) Close() { e.srv.Close() }
