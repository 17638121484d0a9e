package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jinford/chatbot-core/internal/core/ratelimit"
)

// RateLimitStore は ratelimit.Store を実装する PostgreSQL ストア
// 各操作はキー単位のアドバイザリロック付きトランザクションで実行され、
// 複数のサービスインスタンスからの並行呼び出しに対してアトミックです
type RateLimitStore struct {
	pool *pgxpool.Pool
}

// NewRateLimitStore は新しいRateLimitStoreを作成します
func NewRateLimitStore(pool *pgxpool.Pool) *RateLimitStore {
	return &RateLimitStore{pool: pool}
}

var _ ratelimit.Store = (*RateLimitStore)(nil)

// SlidingWindowRecord はウィンドウ外のエントリを破棄し、上限未満であれば now を記録します
func (s *RateLimitStore) SlidingWindowRecord(ctx context.Context, key string, now time.Time, window time.Duration, max int) (bool, int, time.Time, error) {
	var (
		allowed bool
		count   int
		oldest  time.Time
	)

	err := s.withLock(ctx, key, func(tx pgx.Tx) error {
		cutoff := now.Add(-window)
		if _, err := tx.Exec(ctx, `DELETE FROM rate_limit_windows WHERE key = $1 AND ts <= $2`, key, cutoff); err != nil {
			return fmt.Errorf("failed to trim window entries: %w", err)
		}

		var oldestRow *time.Time
		err := tx.QueryRow(ctx, `SELECT COUNT(*), MIN(ts) FROM rate_limit_windows WHERE key = $1`, key).Scan(&count, &oldestRow)
		if err != nil {
			return fmt.Errorf("failed to count window entries: %w", err)
		}

		allowed = count < max
		if allowed {
			if _, err := tx.Exec(ctx, `INSERT INTO rate_limit_windows (key, ts) VALUES ($1, $2)`, key, now); err != nil {
				return fmt.Errorf("failed to record window entry: %w", err)
			}
			count++
		}

		oldest = now
		if oldestRow != nil {
			oldest = *oldestRow
		}
		return nil
	})
	if err != nil {
		return false, 0, time.Time{}, err
	}
	return allowed, count, oldest, nil
}

// IncrementWindow は固定ウィンドウカウンターをアトミックにインクリメントします
// 期限切れのカウンターは 1 にリセットされ、新しいTTLが設定されます
func (s *RateLimitStore) IncrementWindow(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	query := `
		INSERT INTO rate_limit_counters (key, count, expires_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (key) DO UPDATE SET
			count = CASE WHEN rate_limit_counters.expires_at <= $3 THEN 1 ELSE rate_limit_counters.count + 1 END,
			expires_at = CASE WHEN rate_limit_counters.expires_at <= $3 THEN $2 ELSE rate_limit_counters.expires_at END
		RETURNING count, expires_at
	`

	var (
		count     int
		expiresAt time.Time
	)
	err := s.pool.QueryRow(ctx, query, key, now.Add(window), now).Scan(&count, &expiresAt)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to increment window counter: %w", err)
	}
	return count, expiresAt, nil
}

// TakeToken はトークンバケットから1トークンの取得を試みます
func (s *RateLimitStore) TakeToken(ctx context.Context, key string, now time.Time, max int, refillPerSecond float64) (bool, float64, error) {
	var (
		allowed   bool
		remaining float64
	)

	err := s.withLock(ctx, key, func(tx pgx.Tx) error {
		var (
			tokens     float64
			lastRefill time.Time
		)
		err := tx.QueryRow(ctx, `SELECT tokens, last_refill FROM rate_limit_buckets WHERE key = $1`, key).Scan(&tokens, &lastRefill)
		if errors.Is(err, pgx.ErrNoRows) {
			tokens = float64(max)
			lastRefill = now
		} else if err != nil {
			return fmt.Errorf("failed to load token bucket: %w", err)
		}

		// 経過時間に応じて補充してから判定する
		if elapsed := now.Sub(lastRefill).Seconds(); elapsed > 0 {
			tokens += elapsed * refillPerSecond
			if tokens > float64(max) {
				tokens = float64(max)
			}
		}

		if tokens >= 1 {
			allowed = true
			tokens--
		}
		remaining = tokens

		_, err = tx.Exec(ctx, `
			INSERT INTO rate_limit_buckets (key, tokens, last_refill)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET tokens = $2, last_refill = $3
		`, key, tokens, now)
		if err != nil {
			return fmt.Errorf("failed to store token bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return allowed, remaining, nil
}

// withLock はキー単位のアドバイザリロックを取得した上で fn をトランザクション実行します
func (s *RateLimitStore) withLock(ctx context.Context, key string, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := acquireLock(ctx, tx, "ratelimit", key); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
