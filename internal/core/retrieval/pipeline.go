package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/jinford/chatbot-core/internal/core/tenant"
)

const (
	// DefaultSemanticWeight はセマンティックスコアのデフォルト重み
	DefaultSemanticWeight = 0.7
	// DefaultKeywordWeight はキーワードスコアのデフォルト重み
	DefaultKeywordWeight = 0.3
	// DefaultLimit は k 未指定時の返却件数
	DefaultLimit = 5
	// candidateMultiplier はマージ前に各検索から取得する候補数の倍率
	candidateMultiplier = 3
)

// PipelineConfig は検索パイプラインの設定
type PipelineConfig struct {
	// SemanticWeight はセマンティックスコアの重み
	SemanticWeight float64
	// KeywordWeight はキーワードスコアの重み
	KeywordWeight float64
	// MinScore は結果に含める最小複合スコア（これ未満の候補は落とす）
	MinScore float64
	// RerankTopN はリランク対象の上位候補数（0でリランク無効）
	RerankTopN int
}

// DefaultPipelineConfig はデフォルトのパイプライン設定を返します
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		SemanticWeight: DefaultSemanticWeight,
		KeywordWeight:  DefaultKeywordWeight,
		MinScore:       0.1,
	}
}

// Pipeline はハイブリッド検索（ベクトル + キーワード）のビジネスロジックを提供します
type Pipeline struct {
	repo     Repository
	embedder Embedder
	guard    *tenant.IsolationGuard
	reranker Reranker // nil の場合リランクしない
	config   PipelineConfig
	logger   *slog.Logger
}

// NewPipeline は新しいPipelineを作成します
func NewPipeline(repo Repository, embedder Embedder, guard *tenant.IsolationGuard, reranker Reranker, config PipelineConfig, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SemanticWeight == 0 && config.KeywordWeight == 0 {
		config.SemanticWeight = DefaultSemanticWeight
		config.KeywordWeight = DefaultKeywordWeight
	}
	return &Pipeline{
		repo:     repo,
		embedder: embedder,
		guard:    guard,
		reranker: reranker,
		config:   config,
		logger:   logger,
	}
}

// Search はテナントの知識ストアからクエリに関連するチャンクを最大 k 件返します
// 閾値を超える候補がない場合は空スライスを返します（エラーではない）
func (p *Pipeline) Search(ctx context.Context, tenantID, query string, k int) ([]*Result, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return nil, err
	}
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if k <= 0 {
		k = DefaultLimit
	}

	// クエリをEmbeddingに変換
	queryVector, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	candidateLimit := k * candidateMultiplier

	// セマンティック検索とキーワード検索を並行実行
	type searchResult struct {
		results []*Result
		err     error
	}

	semanticCh := make(chan searchResult, 1)
	keywordCh := make(chan searchResult, 1)

	go func() {
		results, err := p.repo.SearchSemantic(ctx, tenantID, queryVector, candidateLimit)
		semanticCh <- searchResult{results: results, err: err}
	}()

	go func() {
		results, err := p.repo.SearchKeyword(ctx, tenantID, query, candidateLimit)
		keywordCh <- searchResult{results: results, err: err}
	}()

	semanticRes := <-semanticCh
	keywordRes := <-keywordCh

	if semanticRes.err != nil {
		return nil, fmt.Errorf("semantic search failed: %w", semanticRes.err)
	}
	if keywordRes.err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", keywordRes.err)
	}

	// チャンクIDで候補をマージし、複合スコアを計算
	merged := p.merge(semanticRes.results, keywordRes.results)

	// 閾値未満の候補を落とす
	filtered := merged[:0]
	for _, r := range merged {
		if r.CombinedScore >= p.config.MinScore {
			filtered = append(filtered, r)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CombinedScore > filtered[j].CombinedScore
	})

	// リランク（失敗時はリランク前の順序にフォールバック）
	if p.reranker != nil && p.config.RerankTopN > 0 && len(filtered) > 1 {
		topN := p.config.RerankTopN
		if topN > len(filtered) {
			topN = len(filtered)
		}
		reranked, err := p.reranker.Rerank(ctx, query, filtered[:topN])
		if err != nil {
			p.logger.Warn("リランクに失敗したため元の順序を使用します",
				"tenantID", tenantID,
				"error", err,
			)
		} else if len(reranked) == topN {
			copy(filtered[:topN], reranked)
		}
	}

	if len(filtered) > k {
		filtered = filtered[:k]
	}

	// ストレージ境界を越えるデータは必ず隔離検証を通す
	if err := tenant.ValidateForRead(p.guard, filtered, tenantID); err != nil {
		return nil, err
	}

	return filtered, nil
}

// merge はセマンティック候補とキーワード候補をチャンクIDで統合し複合スコアを計算します
// combined = w_sem * normalize(semantic) + w_kw * normalize(keyword)
func (p *Pipeline) merge(semantic, keyword []*Result) []*Result {
	maxSem := maxScore(semantic, func(r *Result) float64 { return r.SemanticScore })
	maxKw := maxScore(keyword, func(r *Result) float64 { return r.KeywordScore })

	byID := make(map[uuid.UUID]*Result, len(semantic)+len(keyword))

	for _, r := range semantic {
		entry := &Result{Chunk: r.Chunk, SemanticScore: r.SemanticScore}
		byID[r.Chunk.ID] = entry
	}
	for _, r := range keyword {
		if entry, ok := byID[r.Chunk.ID]; ok {
			entry.KeywordScore = r.KeywordScore
		} else {
			byID[r.Chunk.ID] = &Result{Chunk: r.Chunk, KeywordScore: r.KeywordScore}
		}
	}

	merged := make([]*Result, 0, len(byID))
	for _, entry := range byID {
		entry.CombinedScore = p.config.SemanticWeight*normalize(entry.SemanticScore, maxSem) +
			p.config.KeywordWeight*normalize(entry.KeywordScore, maxKw)
		merged = append(merged, entry)
	}
	return merged
}

// normalize はスコアを候補集合内の最大値で [0,1] に正規化します
func normalize(score, maxVal float64) float64 {
	if maxVal <= 0 {
		return 0
	}
	return score / maxVal
}

func maxScore(results []*Result, extract func(*Result) float64) float64 {
	maxVal := 0.0
	for _, r := range results {
		if v := extract(r); v > maxVal {
			maxVal = v
		}
	}
	return maxVal
}
