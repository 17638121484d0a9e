package answer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinford/chatbot-core/internal/core/generation"
	"github.com/jinford/chatbot-core/internal/core/retrieval"
	"github.com/jinford/chatbot-core/internal/core/tenant"
)

const (
	// DefaultTopK はチャンク検索件数のデフォルト値
	DefaultTopK = 5

	// snippetMaxLength はソース参照に含めるチャンク本文の最大文字数
	snippetMaxLength = 200
)

// Retriever は検索パイプラインとの接点
// バージョンルーティング込みの実装（retrieval.VersionedRetriever）が注入される
type Retriever interface {
	SearchAs(ctx context.Context, tenantID, userID, query string, k int) ([]*retrieval.Result, error)
}

// Service は質問応答のビジネスロジックを提供する
type Service struct {
	retriever Retriever
	llm       generation.Client
	logger    *slog.Logger
}

type ServiceOption func(*Service)

// WithLogger は Service にロガーを設定する
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService は新しいServiceを作成する
func NewService(retriever Retriever, llm generation.Client, opts ...ServiceOption) *Service {
	svc := &Service{
		retriever: retriever,
		llm:       llm,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(svc)
	}

	if svc.logger == nil {
		svc.logger = slog.Default()
	}

	return svc
}

// Ask は質問に対してRAGベースで回答を生成する
// 検索結果が0件でもエラーにはせず、コンテキストなしで回答を生成する
func (s *Service) Ask(ctx context.Context, params AskParams) (*Answer, error) {
	// 1. バリデーション
	if params.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if err := tenant.ValidateID(params.TenantID); err != nil {
		return nil, err
	}

	// 2. デフォルト値の設定
	topK := params.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	userID := params.UserID.OrElse("")

	started := time.Now()

	// 3. テナントスコープのハイブリッド検索
	s.logger.Info("executing retrieval",
		"tenantID", params.TenantID,
		"query", params.Query,
		"topK", topK,
	)

	results, err := s.retriever.SearchAs(ctx, params.TenantID, userID, params.Query, topK)
	if err != nil {
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}

	s.logger.Info("retrieval completed", "chunks", len(results))

	// 4. プロンプト構築とLLM呼び出し
	prompt := BuildAnswerPrompt(params.Query, results)

	resp, err := s.llm.GenerateCompletion(ctx, generation.CompletionRequest{
		Prompt:      prompt,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate answer: %w", err)
	}

	answer := &Answer{
		Content:    resp.Content,
		Sources:    buildSources(results),
		Confidence: confidence(results),
		TokensUsed: resp.TokensUsed,
		LatencyMS:  time.Since(started).Milliseconds(),
		Model:      resp.Model,
	}

	s.logger.Info("ask completed successfully",
		"tenantID", params.TenantID,
		"answerLength", len(answer.Content),
		"sources", len(answer.Sources),
		"latencyMS", answer.LatencyMS,
	)

	return answer, nil
}

// buildSources は検索結果をソース参照に整形する
func buildSources(results []*retrieval.Result) []SourceReference {
	sources := make([]SourceReference, 0, len(results))
	for _, result := range results {
		snippet := result.Chunk.Content
		if len([]rune(snippet)) > snippetMaxLength {
			snippet = string([]rune(snippet)[:snippetMaxLength])
		}
		sources = append(sources, SourceReference{
			SourceID: result.Chunk.SourceID,
			Snippet:  snippet,
			Score:    result.CombinedScore,
			Metadata: result.Chunk.Metadata,
		})
	}
	return sources
}

// confidence は検索結果の統合スコア平均を確信度として返す
// コンテキストなしで生成した回答は確信度0になる
func confidence(results []*retrieval.Result) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, result := range results {
		sum += result.CombinedScore
	}
	c := sum / float64(len(results))
	if c > 1 {
		c = 1
	}
	if c < 0 {
		c = 0
	}
	return c
}
