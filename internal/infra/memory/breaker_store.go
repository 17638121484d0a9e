package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jinford/chatbot-core/internal/core/generation"
)

// BreakerStore はプロセス内で完結する generation.BreakerStore の実装
// 単一インスタンス構成および開発・テスト向け。複数インスタンスでは postgres 実装を使うこと
type BreakerStore struct {
	mu       sync.Mutex
	breakers map[string]generation.BreakerSnapshot
}

// NewBreakerStore は新しいBreakerStoreを作成します
func NewBreakerStore() *BreakerStore {
	return &BreakerStore{
		breakers: make(map[string]generation.BreakerSnapshot),
	}
}

// Snapshot は現在の状態を返します（未登録の場合は closed で初期化）
func (s *BreakerStore) Snapshot(ctx context.Context, name string) (generation.BreakerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(name), nil
}

// Update は fn による状態変更をアトミックに適用します
func (s *BreakerStore) Update(ctx context.Context, name string, fn func(*generation.BreakerSnapshot)) (generation.BreakerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.get(name)
	fn(&snapshot)
	s.breakers[name] = snapshot
	return snapshot, nil
}

func (s *BreakerStore) get(name string) generation.BreakerSnapshot {
	if snapshot, ok := s.breakers[name]; ok {
		return snapshot
	}
	return generation.BreakerSnapshot{
		State:            generation.BreakerClosed,
		LastTransitionAt: time.Now(),
	}
}
