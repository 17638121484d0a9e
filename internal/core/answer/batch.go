package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinford/chatbot-core/internal/core/generation"
	"github.com/jinford/chatbot-core/internal/core/retrieval"
	"github.com/jinford/chatbot-core/internal/core/tenant"
	"github.com/samber/mo"
)

const (
	// DefaultTokenMargin は複合プロンプトに許容するトークン数の安全マージン
	DefaultTokenMargin = 6000

	// DefaultMaxAggregateQueries は集約を試みるクエリ数の上限
	DefaultMaxAggregateQueries = 10
)

// BatchConfig はバッチ応答エンジンの設定
type BatchConfig struct {
	// TokenMargin を超える複合プロンプトは集約せず逐次処理にフォールバックする
	TokenMargin int
	// MaxAggregateQueries を超える件数は最初から逐次処理する
	MaxAggregateQueries int
}

// DefaultBatchConfig はデフォルトのバッチ設定を返す
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		TokenMargin:         DefaultTokenMargin,
		MaxAggregateQueries: DefaultMaxAggregateQueries,
	}
}

// BatchEngine は複数の質問をまとめて処理するエンジン
// トークン見積もりが安全マージン内に収まる場合は1回のモデル呼び出しに集約し、
// 収まらない場合や複合呼び出しが失敗した場合は1件ずつの逐次処理にフォールバックする
type BatchEngine struct {
	service *Service
	counter generation.TokenCounter
	config  BatchConfig
	logger  *slog.Logger
}

// NewBatchEngine は新しいBatchEngineを作成する
// counter が nil の場合は集約を行わず常に逐次処理する
func NewBatchEngine(service *Service, counter generation.TokenCounter, config BatchConfig, logger *slog.Logger) *BatchEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if config.TokenMargin <= 0 {
		config.TokenMargin = DefaultTokenMargin
	}
	if config.MaxAggregateQueries <= 0 {
		config.MaxAggregateQueries = DefaultMaxAggregateQueries
	}
	return &BatchEngine{
		service: service,
		counter: counter,
		config:  config,
		logger:  logger,
	}
}

// Run はクエリ列をバッチ処理する
// 結果の長さと順序は常に入力と一致し、1件の失敗は他の件に波及しない
func (e *BatchEngine) Run(ctx context.Context, tenantID string, queries []BatchQuery, progress ProgressFunc) (*BatchResult, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return nil, err
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("queries are required")
	}
	for i, q := range queries {
		if q.Query == "" {
			return nil, fmt.Errorf("query at index %d is empty", i)
		}
	}

	started := time.Now()

	if result, ok := e.tryAggregate(ctx, tenantID, queries, started, progress); ok {
		return result, nil
	}

	return e.runSequential(ctx, tenantID, queries, started, progress)
}

// tryAggregate は全クエリを1回のモデル呼び出しで処理することを試みる
// 適用できない場合や失敗した場合は ok=false を返し、呼び出し側が逐次処理に切り替える
func (e *BatchEngine) tryAggregate(ctx context.Context, tenantID string, queries []BatchQuery, started time.Time, progress ProgressFunc) (*BatchResult, bool) {
	if e.counter == nil || len(queries) > e.config.MaxAggregateQueries {
		return nil, false
	}

	// クエリごとにテナントスコープの検索を実行してコンテキストを集める
	contexts := make([][]*retrieval.Result, len(queries))
	for i, q := range queries {
		results, err := e.service.retriever.SearchAs(ctx, tenantID, "", q.Query, DefaultTopK)
		if err != nil {
			e.logger.Warn("集約用の検索に失敗したため逐次処理に切り替えます",
				"tenantID", tenantID, "error", err)
			return nil, false
		}
		contexts[i] = results
	}

	prompt := BuildBatchPrompt(queries, contexts)
	estimated := e.counter.CountTokens(prompt)
	if estimated > e.config.TokenMargin {
		e.logger.Info("複合プロンプトがトークンマージンを超過",
			"estimated", estimated, "margin", e.config.TokenMargin)
		return nil, false
	}

	resp, err := e.service.llm.GenerateCompletion(ctx, generation.CompletionRequest{
		Prompt:         prompt,
		Temperature:    0.2,
		ResponseFormat: "json",
	})
	if err != nil {
		e.logger.Warn("複合呼び出しに失敗したため逐次処理に切り替えます", "error", err)
		return nil, false
	}

	answers, err := parseBatchAnswers(resp.Content, len(queries))
	if err != nil {
		e.logger.Warn("複合レスポンスの解析に失敗したため逐次処理に切り替えます", "error", err)
		return nil, false
	}

	totalLatency := time.Since(started).Milliseconds()

	// トークンとレイテンシは1回の呼び出しの実測値をクエリ数で按分する
	n := len(queries)
	perTokens := resp.TokensUsed / n
	perLatency := totalLatency / int64(n)

	results := make([]BatchItemResult, n)
	for i, q := range queries {
		tokens := perTokens
		if i == 0 {
			tokens += resp.TokensUsed % n
		}
		results[i] = BatchItemResult{
			Query:      q.Query,
			Answer:     answers[i],
			Sources:    buildSources(contexts[i]),
			Confidence: confidence(contexts[i]),
			TokensUsed: tokens,
			LatencyMS:  perLatency,
		}
	}

	if progress != nil {
		progress(ProgressEvent{Completed: n, Total: n, Query: queries[n-1].Query})
	}

	e.logger.Info("バッチ集約が完了",
		"tenantID", tenantID,
		"queries", n,
		"totalTokens", resp.TokensUsed,
		"totalLatencyMS", totalLatency,
	)

	return &BatchResult{
		Results:        results,
		Aggregated:     true,
		TotalTokens:    resp.TokensUsed,
		TotalLatencyMS: totalLatency,
	}, true
}

// runSequential は1件ずつ検索と生成を実行し、1件ごとに進捗を通知する
// 失敗したクエリはエラーフラグ付きの結果として残し、後続の処理は継続する
func (e *BatchEngine) runSequential(ctx context.Context, tenantID string, queries []BatchQuery, started time.Time, progress ProgressFunc) (*BatchResult, error) {
	results := make([]BatchItemResult, len(queries))
	totalTokens := 0

	for i, q := range queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		answer, err := e.service.Ask(ctx, AskParams{
			TenantID: tenantID,
			UserID:   mo.None[string](),
			Query:    q.Query,
			TopK:     DefaultTopK,
		})
		if err != nil {
			e.logger.Warn("バッチ内のクエリが失敗",
				"tenantID", tenantID, "index", i, "error", err)
			results[i] = BatchItemResult{
				Query:  q.Query,
				Failed: true,
				Error:  err.Error(),
			}
		} else {
			results[i] = BatchItemResult{
				Query:      q.Query,
				Answer:     answer.Content,
				Sources:    answer.Sources,
				Confidence: answer.Confidence,
				TokensUsed: answer.TokensUsed,
				LatencyMS:  answer.LatencyMS,
			}
			totalTokens += answer.TokensUsed
		}

		if progress != nil {
			progress(ProgressEvent{Completed: i + 1, Total: len(queries), Query: q.Query})
		}
	}

	totalLatency := time.Since(started).Milliseconds()

	e.logger.Info("バッチ逐次処理が完了",
		"tenantID", tenantID,
		"queries", len(queries),
		"totalTokens", totalTokens,
		"totalLatencyMS", totalLatency,
	)

	return &BatchResult{
		Results:        results,
		Aggregated:     false,
		TotalTokens:    totalTokens,
		TotalLatencyMS: totalLatency,
	}, nil
}

type batchAnswersPayload struct {
	Answers []batchAnswerItem `json:"answers"`
}

type batchAnswerItem struct {
	Index  int    `json:"index"`
	Answer string `json:"answer"`
}

// parseBatchAnswers は複合レスポンスを入力順の回答列に復元する
// 件数不一致・インデックス欠落・重複はすべて解析エラーとして扱う
func parseBatchAnswers(content string, n int) ([]string, error) {
	var payload batchAnswersPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("invalid batch answer payload: %w", err)
	}
	if len(payload.Answers) != n {
		return nil, fmt.Errorf("expected %d answers, got %d", n, len(payload.Answers))
	}

	answers := make([]string, n)
	seen := make([]bool, n)
	for _, item := range payload.Answers {
		idx := item.Index - 1
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("answer index %d out of range", item.Index)
		}
		if seen[idx] {
			return nil, fmt.Errorf("duplicate answer index %d", item.Index)
		}
		seen[idx] = true
		answers[idx] = item.Answer
	}

	return answers, nil
}
