package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/chatbot-core/internal/infra/memory"
)

func testLimiter(store Store) *Limiter {
	return NewLimiter(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLimiter_SlidingWindowExactBudget(t *testing.T) {
	limiter := testLimiter(memory.NewRateLimitStore())
	cfg := Config{Strategy: StrategySlidingWindow, MaxRequests: 10, Window: time.Minute}

	ctx := context.Background()

	// ひとつの識別子で max 回までは許可され、それを超えると拒否される
	for i := 0; i < 10; i++ {
		decision := limiter.Check(ctx, "query", "user:alice", cfg)
		require.True(t, decision.Allowed, "request %d should be allowed", i+1)
	}

	denied := limiter.Check(ctx, "query", "user:alice", cfg)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 0, denied.Remaining)
	assert.Greater(t, denied.RetryAfter, time.Duration(0))

	// 別の識別子は影響を受けない
	other := limiter.Check(ctx, "query", "user:bob", cfg)
	assert.True(t, other.Allowed)
}

func TestLimiter_SlidingWindowConcurrent(t *testing.T) {
	limiter := testLimiter(memory.NewRateLimitStore())
	cfg := Config{Strategy: StrategySlidingWindow, MaxRequests: 10, Window: 60 * time.Second}

	ctx := context.Background()

	var allowed, deniedCount atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision := limiter.Check(ctx, "query", "user:carol", cfg)
			if decision.Allowed {
				allowed.Add(1)
			} else {
				deniedCount.Add(1)
			}
		}()
	}
	wg.Wait()

	// 並行アクセスでも正確に max 件だけ許可される
	assert.Equal(t, int64(10), allowed.Load())
	assert.Equal(t, int64(5), deniedCount.Load())
}

func TestLimiter_SlidingWindowExpiry(t *testing.T) {
	limiter := testLimiter(memory.NewRateLimitStore())
	cfg := Config{Strategy: StrategySlidingWindow, MaxRequests: 2, Window: time.Minute}

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	limiter.now = func() time.Time { return current }

	ctx := context.Background()

	require.True(t, limiter.Check(ctx, "query", "user:dave", cfg).Allowed)
	require.True(t, limiter.Check(ctx, "query", "user:dave", cfg).Allowed)
	require.False(t, limiter.Check(ctx, "query", "user:dave", cfg).Allowed)

	// ウィンドウが過ぎれば再び許可される
	current = base.Add(61 * time.Second)
	assert.True(t, limiter.Check(ctx, "query", "user:dave", cfg).Allowed)
}

func TestLimiter_FixedWindow(t *testing.T) {
	limiter := testLimiter(memory.NewRateLimitStore())
	cfg := Config{Strategy: StrategyFixedWindow, MaxRequests: 3, Window: time.Minute}

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	limiter.now = func() time.Time { return current }

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision := limiter.Check(ctx, "ingest", "key:abcd1234", cfg)
		require.True(t, decision.Allowed)
		assert.Equal(t, 3-(i+1), decision.Remaining)
	}
	assert.False(t, limiter.Check(ctx, "ingest", "key:abcd1234", cfg).Allowed)

	// カウンターのTTLが切れるとリセットされる
	current = base.Add(2 * time.Minute)
	assert.True(t, limiter.Check(ctx, "ingest", "key:abcd1234", cfg).Allowed)
}

func TestLimiter_TokenBucket(t *testing.T) {
	limiter := testLimiter(memory.NewRateLimitStore())
	cfg := Config{Strategy: StrategyTokenBucket, MaxRequests: 2, Window: 2 * time.Second}

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	limiter.now = func() time.Time { return current }

	ctx := context.Background()

	// バケットは満タンで始まる
	require.True(t, limiter.Check(ctx, "query", "ip:10.0.0.1", cfg).Allowed)
	require.True(t, limiter.Check(ctx, "query", "ip:10.0.0.1", cfg).Allowed)
	require.False(t, limiter.Check(ctx, "query", "ip:10.0.0.1", cfg).Allowed)

	// refill レートは max/window = 1 token/sec
	current = base.Add(time.Second)
	assert.True(t, limiter.Check(ctx, "query", "ip:10.0.0.1", cfg).Allowed)
	assert.False(t, limiter.Check(ctx, "query", "ip:10.0.0.1", cfg).Allowed)
}

// failingStore は常に失敗する Store（fail open の検証用）
type failingStore struct{}

var errStoreDown = errors.New("store unreachable")

func (f *failingStore) SlidingWindowRecord(ctx context.Context, key string, now time.Time, window time.Duration, max int) (bool, int, time.Time, error) {
	return false, 0, time.Time{}, errStoreDown
}

func (f *failingStore) IncrementWindow(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	return 0, time.Time{}, errStoreDown
}

func (f *failingStore) TakeToken(ctx context.Context, key string, now time.Time, max int, refillPerSecond float64) (bool, float64, error) {
	return false, 0, errStoreDown
}

func TestLimiter_FailOpenOnStoreError(t *testing.T) {
	limiter := testLimiter(&failingStore{})

	for _, strategy := range []Strategy{StrategySlidingWindow, StrategyFixedWindow, StrategyTokenBucket} {
		cfg := Config{Strategy: strategy, MaxRequests: 1, Window: time.Minute}
		decision := limiter.Check(context.Background(), "query", "user:erin", cfg)
		assert.True(t, decision.Allowed, "strategy %s should fail open", strategy)
	}
}

func TestIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		userID   string
		apiKey   string
		remoteIP string
		want     string
	}{
		{name: "user_wins", userID: "u1", apiKey: "sk-longapikey", remoteIP: "1.2.3.4", want: "user:u1"},
		{name: "api_key_prefix", apiKey: "sk-longapikey", remoteIP: "1.2.3.4", want: "key:sk-longa"},
		{name: "short_api_key", apiKey: "sk", remoteIP: "1.2.3.4", want: "key:sk"},
		{name: "ip_fallback", remoteIP: "1.2.3.4", want: "ip:1.2.3.4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Identifier(tt.userID, tt.apiKey, tt.remoteIP))
		})
	}
}
