package memory

import (
	"context"
	"sync"
	"time"
)

// RateLimitStore はプロセス内で完結する ratelimit.Store の実装
// 単一インスタンス構成および開発・テスト向け。複数インスタンスでは postgres 実装を使うこと
type RateLimitStore struct {
	mu       sync.Mutex
	windows  map[string][]time.Time
	counters map[string]*windowCounter
	buckets  map[string]*bucketState
}

type windowCounter struct {
	count     int
	expiresAt time.Time
}

type bucketState struct {
	tokens     float64
	lastRefill time.Time
}

// NewRateLimitStore は新しいRateLimitStoreを作成します
func NewRateLimitStore() *RateLimitStore {
	return &RateLimitStore{
		windows:  make(map[string][]time.Time),
		counters: make(map[string]*windowCounter),
		buckets:  make(map[string]*bucketState),
	}
}

// SlidingWindowRecord はウィンドウ外のエントリを破棄してカウントし、上限未満なら記録します
func (s *RateLimitStore) SlidingWindowRecord(ctx context.Context, key string, now time.Time, window time.Duration, max int) (bool, int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	entries := s.windows[key]

	// 古いエントリを前方から破棄（エントリは時刻順で保持される）
	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	allowed := len(kept) < max
	if allowed {
		kept = append(kept, now)
	}
	s.windows[key] = kept

	oldest := now
	if len(kept) > 0 {
		oldest = kept[0]
	}

	return allowed, len(kept), oldest, nil
}

// IncrementWindow は固定ウィンドウカウンターをインクリメントします
func (s *RateLimitStore) IncrementWindow(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.counters[key]
	if !ok || !counter.expiresAt.After(now) {
		counter = &windowCounter{expiresAt: now.Add(window)}
		s.counters[key] = counter
	}
	counter.count++

	return counter.count, counter.expiresAt, nil
}

// TakeToken はトークンバケットから1トークンの取得を試みます
func (s *RateLimitStore) TakeToken(ctx context.Context, key string, now time.Time, max int, refillPerSecond float64) (bool, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.buckets[key]
	if !ok {
		bucket = &bucketState{tokens: float64(max), lastRefill: now}
		s.buckets[key] = bucket
	}

	// 経過時間に応じて補充
	elapsed := now.Sub(bucket.lastRefill).Seconds()
	if elapsed > 0 {
		bucket.tokens = min(float64(max), bucket.tokens+elapsed*refillPerSecond)
		bucket.lastRefill = now
	}

	if bucket.tokens < 1 {
		return false, bucket.tokens, nil
	}

	bucket.tokens--
	return true, bucket.tokens, nil
}
