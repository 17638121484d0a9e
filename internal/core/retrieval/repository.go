package retrieval

import (
	"context"

	"github.com/google/uuid"
)

// Repository はテナントスコープのチャンク永続化と検索を提供します
type Repository interface {
	// SearchSemantic はテナントスコープの近似最近傍検索を実行します
	// 返される Result には SemanticScore のみが設定されます
	SearchSemantic(ctx context.Context, tenantID string, queryVector []float32, limit int) ([]*Result, error)

	// SearchKeyword はテナントスコープの全文検索を実行します
	// 返される Result には KeywordScore のみが設定されます
	SearchKeyword(ctx context.Context, tenantID string, query string, limit int) ([]*Result, error)

	// BulkInsert はチャンクを一括保存します（インジェストの書き込みパス）
	BulkInsert(ctx context.Context, chunks []*Chunk) error

	// CountByTenant はテナントのインデックス済みチャンク数を返します
	CountByTenant(ctx context.Context, tenantID string) (int, error)

	// DeleteByTenant はテナントの全チャンクを削除し、削除件数を返します
	DeleteByTenant(ctx context.Context, tenantID string) (int64, error)

	// DeleteBySource は特定ソース由来のチャンクを削除します（再インジェスト用）
	DeleteBySource(ctx context.Context, tenantID string, sourceID uuid.UUID) (int64, error)
}

// Embedder はテキストのEmbedding生成インターフェース
type Embedder interface {
	// Embed は単一テキストのEmbeddingを生成する
	Embed(ctx context.Context, text string) ([]float32, error)

	// BatchEmbed はバッチでEmbeddingを生成する
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, error)

	// MaxBatchSize は1回のAPI呼び出しで処理できる最大件数を返す
	MaxBatchSize() int
}

// Reranker は上位候補を元クエリとの関連度で並べ替える二次スコアラー
type Reranker interface {
	// Rerank は候補を関連度の降順に並べ替えて返す
	// 失敗した場合、パイプラインはリランク前の順序にフォールバックする
	Rerank(ctx context.Context, query string, candidates []*Result) ([]*Result, error)
}
