package ratelimit

import (
	"context"
	"time"
)

// Store は複数のサービスインスタンス間で共有されるレート制限状態への操作を提供します
// 各操作はインターリーブする呼び出しに対してアトミックでなければなりません
// （プロセス内ロックでは複数インスタンス構成で不十分なため、実装側で排他を保証します）
type Store interface {
	// SlidingWindowRecord はウィンドウ外の古いエントリを破棄した上で現在のエントリ数を数え、
	// 上限未満であれば now のエントリを記録します
	// 返り値の count は記録後のエントリ数、oldest は残存する最古のエントリ時刻です
	// （エントリが存在しない場合 oldest は now）
	SlidingWindowRecord(ctx context.Context, key string, now time.Time, window time.Duration, max int) (allowed bool, count int, oldest time.Time, err error)

	// IncrementWindow は固定ウィンドウのカウンターをインクリメントします
	// カウンターは初回アクセス時に window のTTLを持って生成され、期限切れでリセットされます
	IncrementWindow(ctx context.Context, key string, now time.Time, window time.Duration) (count int, expiresAt time.Time, err error)

	// TakeToken はトークンバケットから1トークンの取得を試みます
	// 経過時間に応じた補充（min(max, tokens + elapsed * rate)）を行った上で判定します
	TakeToken(ctx context.Context, key string, now time.Time, max int, refillPerSecond float64) (allowed bool, remaining float64, err error)
}
