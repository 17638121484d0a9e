package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// BreakerState はサーキットブレーカーの状態
type BreakerState string

const (
	// BreakerClosed は通常状態（リクエストを通す）
	BreakerClosed BreakerState = "closed"
	// BreakerOpen は遮断状態（冷却時間が経過するまで即時失敗）
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen は回復試験状態（限られたプローブのみ通す）
	BreakerHalfOpen BreakerState = "half_open"
	// BreakerIsolated は手動遮断状態（オペレーター操作でのみ出入りする）
	BreakerIsolated BreakerState = "isolated"
)

var (
	// ErrBreakerOpen はブレーカーが開いているため即時失敗したことを表します
	ErrBreakerOpen = errors.New("circuit breaker is open")
	// ErrBreakerIsolated はブレーカーが手動遮断中であることを表します
	ErrBreakerIsolated = errors.New("circuit breaker is isolated")
)

// BreakerSnapshot はブレーカーの観測可能な状態
type BreakerSnapshot struct {
	State                BreakerState
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	TotalRequests        int64
	FailedRequests       int64
	// ProbeBudget は half_open 中に許可される残りプローブ数
	ProbeBudget      int
	LastTransitionAt time.Time
}

// BreakerStore はブレーカー状態を保持する注入可能なストア
// 状態はバッキングモデル識別子ごとにプロセス横断で共有され、
// Update によるRead-Modify-Writeはアトミックに実行されなければなりません
type BreakerStore interface {
	// Snapshot は現在の状態を返します（未登録の場合は closed で初期化）
	Snapshot(ctx context.Context, name string) (BreakerSnapshot, error)

	// Update は fn による状態変更をアトミックに適用し、更新後の状態を返します
	Update(ctx context.Context, name string, fn func(*BreakerSnapshot)) (BreakerSnapshot, error)
}

// BreakerConfig はサーキットブレーカーの設定
type BreakerConfig struct {
	// FailureThreshold は open に遷移する連続失敗数
	FailureThreshold int
	// SuccessThreshold は half_open から closed に戻る連続成功数
	SuccessThreshold int
	// Cooldown は open から half_open へ遷移するまでの冷却時間
	Cooldown time.Duration
	// CallTimeout は1回の呼び出しに適用するタイムアウト
	// 上流がハングしても closed のままブレーカーが固まらないよう必須
	CallTimeout time.Duration
}

// DefaultBreakerConfig はデフォルトのブレーカー設定を返します
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		CallTimeout:      60 * time.Second,
	}
}

// Breaker はバッキングモデル単位のサーキットブレーカー
type Breaker struct {
	name   string
	store  BreakerStore
	config BreakerConfig
	logger *slog.Logger
	// now はテストから時刻を差し替えるためのフック
	now func() time.Time
}

// NewBreaker は新しいBreakerを作成します
func NewBreaker(name string, store BreakerStore, config BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	return &Breaker{
		name:   name,
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// allow はリクエストを通してよいか判定し、必要な状態遷移を行います
func (b *Breaker) allow(ctx context.Context) error {
	var denied error

	_, err := b.store.Update(ctx, b.name, func(s *BreakerSnapshot) {
		s.TotalRequests++
		denied = nil

		switch s.State {
		case BreakerIsolated:
			denied = ErrBreakerIsolated

		case BreakerOpen:
			// 冷却時間が経過していれば half_open へ遷移しプローブを1つ許可する
			if b.now().Sub(s.LastTransitionAt) >= b.config.Cooldown {
				b.transition(s, BreakerHalfOpen)
				s.ProbeBudget = 1
				s.ProbeBudget--
				return
			}
			denied = ErrBreakerOpen

		case BreakerHalfOpen:
			if s.ProbeBudget <= 0 {
				denied = ErrBreakerOpen
				return
			}
			s.ProbeBudget--
		}
	})
	if err != nil {
		// ストア障害時はブレーカー判定をスキップしてリクエストを通す
		b.logger.Error("ブレーカーストアに到達できません", "name", b.name, "error", err)
		return nil
	}
	return denied
}

// recordSuccess は成功を記録し、必要なら closed へ遷移します
func (b *Breaker) recordSuccess(ctx context.Context) {
	_, err := b.store.Update(ctx, b.name, func(s *BreakerSnapshot) {
		s.ConsecutiveFailures = 0

		if s.State == BreakerHalfOpen {
			s.ConsecutiveSuccesses++
			if s.ConsecutiveSuccesses >= b.config.SuccessThreshold {
				b.transition(s, BreakerClosed)
				s.ConsecutiveSuccesses = 0
				return
			}
			// 閾値到達までは half_open のまま次のプローブを許可する
			s.ProbeBudget = 1
		}
	})
	if err != nil {
		b.logger.Error("ブレーカー状態の更新に失敗", "name", b.name, "error", err)
	}
}

// recordFailure は失敗を記録し、必要なら open へ遷移します
func (b *Breaker) recordFailure(ctx context.Context) {
	_, err := b.store.Update(ctx, b.name, func(s *BreakerSnapshot) {
		s.FailedRequests++
		s.ConsecutiveSuccesses = 0

		switch s.State {
		case BreakerHalfOpen:
			// プローブ失敗は即 open に戻す（冷却時間リセット）
			b.transition(s, BreakerOpen)

		case BreakerClosed:
			s.ConsecutiveFailures++
			if s.ConsecutiveFailures >= b.config.FailureThreshold {
				b.transition(s, BreakerOpen)
			}
		}
	})
	if err != nil {
		b.logger.Error("ブレーカー状態の更新に失敗", "name", b.name, "error", err)
	}
}

// transition は状態遷移を適用してログを残します
func (b *Breaker) transition(s *BreakerSnapshot, to BreakerState) {
	from := s.State
	s.State = to
	s.LastTransitionAt = b.now()
	if to != BreakerHalfOpen {
		s.ProbeBudget = 0
	}
	b.logger.Info("サーキットブレーカー状態遷移",
		"name", b.name,
		"from", from,
		"to", to,
		"consecutiveFailures", s.ConsecutiveFailures,
	)
}

// Isolate はブレーカーを手動遮断状態にします（オペレーター操作専用）
func (b *Breaker) Isolate(ctx context.Context) error {
	_, err := b.store.Update(ctx, b.name, func(s *BreakerSnapshot) {
		b.transition(s, BreakerIsolated)
	})
	if err != nil {
		return fmt.Errorf("failed to isolate breaker: %w", err)
	}
	return nil
}

// Clear は手動遮断を解除して closed に戻します（オペレーター操作専用）
func (b *Breaker) Clear(ctx context.Context) error {
	_, err := b.store.Update(ctx, b.name, func(s *BreakerSnapshot) {
		if s.State != BreakerIsolated {
			return
		}
		b.transition(s, BreakerClosed)
		s.ConsecutiveFailures = 0
		s.ConsecutiveSuccesses = 0
	})
	if err != nil {
		return fmt.Errorf("failed to clear breaker: %w", err)
	}
	return nil
}

// Snapshot は現在の状態を返します（ヘルスチェック用）
func (b *Breaker) Snapshot(ctx context.Context) (BreakerSnapshot, error) {
	return b.store.Snapshot(ctx, b.name)
}

// BreakerClient はサーキットブレーカー付きのLLMクライアント
type BreakerClient struct {
	client  Client
	breaker *Breaker
}

// NewBreakerClient はサーキットブレーカー付きのLLMクライアントを作成します
func NewBreakerClient(client Client, breaker *Breaker) *BreakerClient {
	return &BreakerClient{client: client, breaker: breaker}
}

// GenerateCompletion はブレーカー判定を通過した場合のみバッキングモデルを呼び出します
// ネットワークエラー・非成功ステータス・タイムアウトはすべて失敗として記録されます
func (c *BreakerClient) GenerateCompletion(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if err := c.breaker.allow(ctx); err != nil {
		return CompletionResponse{}, err
	}

	callCtx := ctx
	if c.breaker.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.breaker.config.CallTimeout)
		defer cancel()
	}

	resp, err := c.client.GenerateCompletion(callCtx, req)
	if err != nil {
		c.breaker.recordFailure(ctx)
		return CompletionResponse{}, err
	}

	c.breaker.recordSuccess(ctx)
	return resp, nil
}

// Breaker はラップしているブレーカーを返します（ヘルスチェック・運用操作用）
func (c *BreakerClient) Breaker() *Breaker {
	return c.breaker
}

var _ Client = (*BreakerClient)(nil)
