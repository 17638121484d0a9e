package retrieval

import (
	"context"
	"hash/fnv"
	"log/slog"
)

// Version はリトリーバー実装のバージョン
type Version string

const (
	// VersionV1 は既存のリトリーバー実装
	VersionV1 Version = "v1"
	// VersionV2 は移行先のリトリーバー実装
	VersionV2 Version = "v2"
)

// Retriever は検索パイプラインの共通インターフェース
type Retriever interface {
	Search(ctx context.Context, tenantID, query string, k int) ([]*Result, error)
}

// RolloutFunc はテナントごとのロールアウト割合（0-100）を返します
type RolloutFunc func(tenantID string) int

// Router は2つのリトリーバー実装が併存する間の決定的なバージョン振り分けを行います
// 同じ (tenantID, userID) の組は常に同じバージョンに到達します
type Router struct {
	// force が空でなければ割合ルールより優先される（環境レベルの明示的オーバーライド）
	force   Version
	rollout RolloutFunc
	logger  *slog.Logger
}

// NewRouter は新しいRouterを作成します
// force に "v1"/"v2" を指定すると全トラフィックが強制ルーティングされます
func NewRouter(force string, rollout RolloutFunc, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		force:   Version(force),
		rollout: rollout,
		logger:  logger,
	}
}

// Route は (tenantID, userID) の組をハッシュして到達すべきバージョンを決定します
func (r *Router) Route(tenantID, userID string) Version {
	// 環境レベルのオーバーライドが最優先
	switch r.force {
	case VersionV1, VersionV2:
		return r.force
	}

	percent := 0
	if r.rollout != nil {
		percent = r.rollout(tenantID)
	}
	if percent <= 0 {
		return VersionV1
	}
	if percent >= 100 {
		return VersionV2
	}

	if bucket(tenantID+":"+userID) < percent {
		return VersionV2
	}
	return VersionV1
}

// bucket は識別子を 0-99 のバケットに決定的に割り当てます
func bucket(identifier string) int {
	h := fnv.New32a()
	h.Write([]byte(identifier))
	return int(h.Sum32() % 100)
}

// VersionedRetriever はRouterの決定に従って2つのパイプラインを振り分けます
type VersionedRetriever struct {
	router  *Router
	v1      Retriever
	v2      Retriever
	logger  *slog.Logger
}

// NewVersionedRetriever は新しいVersionedRetrieverを作成します
// v2 が nil の場合は常に v1 が使われます
func NewVersionedRetriever(router *Router, v1, v2 Retriever, logger *slog.Logger) *VersionedRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &VersionedRetriever{router: router, v1: v1, v2: v2, logger: logger}
}

// SearchAs は指定ユーザーのルーティング結果に従って検索を実行します
func (v *VersionedRetriever) SearchAs(ctx context.Context, tenantID, userID, query string, k int) ([]*Result, error) {
	version := v.router.Route(tenantID, userID)
	if version == VersionV2 && v.v2 != nil {
		v.logger.Debug("v2リトリーバーにルーティング", "tenantID", tenantID)
		return v.v2.Search(ctx, tenantID, query, k)
	}
	return v.v1.Search(ctx, tenantID, query, k)
}
