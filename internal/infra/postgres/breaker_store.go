package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jinford/chatbot-core/internal/core/generation"
)

// BreakerStore は generation.BreakerStore を実装する PostgreSQL ストア
// ブレーカー状態をプロセス横断で共有し、Update はブレーカー名単位の
// アドバイザリロックでシリアライズされます
type BreakerStore struct {
	pool *pgxpool.Pool
}

// NewBreakerStore は新しいBreakerStoreを作成します
func NewBreakerStore(pool *pgxpool.Pool) *BreakerStore {
	return &BreakerStore{pool: pool}
}

var _ generation.BreakerStore = (*BreakerStore)(nil)

// Snapshot は現在のブレーカー状態を返します
// 未登録のブレーカーは closed として扱います
func (s *BreakerStore) Snapshot(ctx context.Context, name string) (generation.BreakerSnapshot, error) {
	snapshot, err := queryBreakerState(ctx, s.pool, name)
	if err != nil {
		return generation.BreakerSnapshot{}, err
	}
	return snapshot, nil
}

// Update は fn による状態変更をアトミックに適用し、更新後の状態を返します
func (s *BreakerStore) Update(ctx context.Context, name string, fn func(*generation.BreakerSnapshot)) (generation.BreakerSnapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return generation.BreakerSnapshot{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := acquireLock(ctx, tx, "breaker", name); err != nil {
		return generation.BreakerSnapshot{}, err
	}

	snapshot, err := queryBreakerState(ctx, tx, name)
	if err != nil {
		return generation.BreakerSnapshot{}, err
	}

	fn(&snapshot)

	query := `
		INSERT INTO breaker_states (
			name, state, consecutive_failures, consecutive_successes,
			total_requests, failed_requests, probe_budget, last_transition_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			state = $2,
			consecutive_failures = $3,
			consecutive_successes = $4,
			total_requests = $5,
			failed_requests = $6,
			probe_budget = $7,
			last_transition_at = $8
	`
	_, err = tx.Exec(ctx, query,
		name,
		string(snapshot.State),
		snapshot.ConsecutiveFailures,
		snapshot.ConsecutiveSuccesses,
		snapshot.TotalRequests,
		snapshot.FailedRequests,
		snapshot.ProbeBudget,
		snapshot.LastTransitionAt,
	)
	if err != nil {
		return generation.BreakerSnapshot{}, fmt.Errorf("failed to store breaker state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return generation.BreakerSnapshot{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return snapshot, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryBreakerState(ctx context.Context, q rowQuerier, name string) (generation.BreakerSnapshot, error) {
	query := `
		SELECT state, consecutive_failures, consecutive_successes,
		       total_requests, failed_requests, probe_budget, last_transition_at
		FROM breaker_states
		WHERE name = $1
	`

	var (
		snapshot generation.BreakerSnapshot
		state    string
	)
	err := q.QueryRow(ctx, query, name).Scan(
		&state,
		&snapshot.ConsecutiveFailures,
		&snapshot.ConsecutiveSuccesses,
		&snapshot.TotalRequests,
		&snapshot.FailedRequests,
		&snapshot.ProbeBudget,
		&snapshot.LastTransitionAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return generation.BreakerSnapshot{State: generation.BreakerClosed}, nil
	}
	if err != nil {
		return generation.BreakerSnapshot{}, fmt.Errorf("failed to load breaker state: %w", err)
	}

	snapshot.State = generation.BreakerState(state)
	return snapshot, nil
}
