package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Strategy はレート制限アルゴリズムの種別
type Strategy string

const (
	// StrategySlidingWindow はスライディングウィンドウ方式
	StrategySlidingWindow Strategy = "sliding_window"
	// StrategyFixedWindow は固定ウィンドウ方式
	StrategyFixedWindow Strategy = "fixed_window"
	// StrategyTokenBucket はトークンバケット方式
	StrategyTokenBucket Strategy = "token_bucket"
)

// Config は1つのレート制限ルールの設定
type Config struct {
	Strategy    Strategy
	MaxRequests int
	Window      time.Duration
}

// Decision はレート制限チェックの結果
type Decision struct {
	// Allowed はリクエストを許可するかどうか
	Allowed bool
	// Remaining はウィンドウ内に残っているリクエスト数
	Remaining int
	// ResetAt は制限がリセットされる時刻
	ResetAt time.Time
	// RetryAfter は拒否時に再試行まで待つべき時間（許可時は0）
	RetryAfter time.Duration
}

// Limiter は識別子単位の流入制御を提供します
//
// バッキングストアに到達できない場合は fail open（リクエストを許可）します。
// インフラ障害時に全トラフィックを止めないための意図的なトレードオフですが、
// 障害中は有償クォータの強制が効かなくなる点に注意してください。
// fail open が発生した場合は必ず Error レベルでログを残します。
type Limiter struct {
	store  Store
	logger *slog.Logger
	// now はテストから時刻を差し替えるためのフック
	now func() time.Time
}

// NewLimiter は新しいLimiterを作成します
func NewLimiter(store Store, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Check は指定した識別子のリクエストを許可するか判定し、消費を記録します
// keyPrefix はルールの名前空間（例: "query", "ingest"）で、キーの衝突を防ぎます
func (l *Limiter) Check(ctx context.Context, keyPrefix, identifier string, cfg Config) Decision {
	if cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		// 設定が無効な場合は制限をかけない
		return Decision{Allowed: true, Remaining: 0, ResetAt: l.now()}
	}

	key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, identifier)
	now := l.now()

	switch cfg.Strategy {
	case StrategyFixedWindow:
		return l.checkFixedWindow(ctx, key, now, cfg)
	case StrategyTokenBucket:
		return l.checkTokenBucket(ctx, key, now, cfg)
	default:
		return l.checkSlidingWindow(ctx, key, now, cfg)
	}
}

// checkSlidingWindow はタイムスタンプの順序付き集合でウィンドウ内のリクエスト数を数えます
func (l *Limiter) checkSlidingWindow(ctx context.Context, key string, now time.Time, cfg Config) Decision {
	allowed, count, oldest, err := l.store.SlidingWindowRecord(ctx, key, now, cfg.Window, cfg.MaxRequests)
	if err != nil {
		return l.failOpen(key, now, cfg, err)
	}

	remaining := cfg.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}

	resetAt := oldest.Add(cfg.Window)
	decision := Decision{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !allowed {
		decision.RetryAfter = resetAt.Sub(now)
		if decision.RetryAfter < 0 {
			decision.RetryAfter = 0
		}
	}
	return decision
}

// checkFixedWindow はTTL付きのアトミックカウンターで判定します
func (l *Limiter) checkFixedWindow(ctx context.Context, key string, now time.Time, cfg Config) Decision {
	count, expiresAt, err := l.store.IncrementWindow(ctx, key, now, cfg.Window)
	if err != nil {
		return l.failOpen(key, now, cfg, err)
	}

	remaining := cfg.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}

	decision := Decision{
		Allowed:   count <= cfg.MaxRequests,
		Remaining: remaining,
		ResetAt:   expiresAt,
	}
	if !decision.Allowed {
		decision.RetryAfter = expiresAt.Sub(now)
		if decision.RetryAfter < 0 {
			decision.RetryAfter = 0
		}
	}
	return decision
}

// checkTokenBucket は経過時間に応じて補充されるトークンバケットで判定します
func (l *Limiter) checkTokenBucket(ctx context.Context, key string, now time.Time, cfg Config) Decision {
	refillPerSecond := float64(cfg.MaxRequests) / cfg.Window.Seconds()
	allowed, remaining, err := l.store.TakeToken(ctx, key, now, cfg.MaxRequests, refillPerSecond)
	if err != nil {
		return l.failOpen(key, now, cfg, err)
	}

	decision := Decision{
		Allowed:   allowed,
		Remaining: int(remaining),
		ResetAt:   now.Add(time.Duration(float64(time.Second) / refillPerSecond)),
	}
	if !allowed {
		// 次の1トークンが補充されるまでの時間
		decision.RetryAfter = time.Duration((1 - remaining) / refillPerSecond * float64(time.Second))
		if decision.RetryAfter < 0 {
			decision.RetryAfter = 0
		}
	}
	return decision
}

// failOpen はストア障害時にリクエストを許可して通します
func (l *Limiter) failOpen(key string, now time.Time, cfg Config, err error) Decision {
	l.logger.Error("レート制限ストアに到達できないため fail open します",
		"key", key,
		"error", err,
	)
	return Decision{
		Allowed:   true,
		Remaining: cfg.MaxRequests,
		ResetAt:   now.Add(cfg.Window),
	}
}

// Identifier はレート制限キーに使う識別子を優先順位に従って決定します
// 優先順位: 認証済みユーザーID > APIキープレフィックス > 接続元IP
func Identifier(userID, apiKey, remoteIP string) string {
	if userID != "" {
		return "user:" + userID
	}
	if apiKey != "" {
		prefix := apiKey
		if len(prefix) > 8 {
			prefix = prefix[:8]
		}
		return "key:" + prefix
	}
	return "ip:" + remoteIP
}
