package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Compute returns the delay before the next attempt for the given policy.
// attempts is expected to be >= 0.
func Compute(policy string, base time.Duration, max time.Duration, attempts int, rng *rand.Rand) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if base <= 0 {
		base = time.Millisecond
	}
	if max <= 0 {
		max = base
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	exp := func() time.Duration {
		d := float64(base) * math.Pow(2, float64(attempts))
		if d > float64(max) {
			return max
		}
		return time.Duration(d)
	}
	switch policy {
	case "fixed":
		return minDuration(base, max)
	case "linear":
		return minDuration(base*time.Duration(maxInt(1, attempts)), max)
	case "exponential":
		return exp()
	case "exp_equal_jitter":
		half := exp() / 2
		return half + time.Duration(rng.Int63n(int64(half)+1))
	default: // exp_full_jitter
		d := exp()
		if d <= 0 {
			return 0
		}
		return time.Duration(rng.Int63n(int64(d) + 1))
	}
}

// Policy bundles the parameters of Compute for callers that retry in a loop.
type Policy struct {
	Name        string
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Retry calls fn until it succeeds, MaxAttempts is reached, retryable
// reports false, or ctx is done. The last error is returned.
func (p Policy) Retry(ctx context.Context, retryable func(error) bool, fn func() error) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(Compute(p.Name, p.Base, p.Max, i, rng))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
