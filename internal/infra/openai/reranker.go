package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jinford/chatbot-core/internal/core/generation"
	"github.com/jinford/chatbot-core/internal/core/retrieval"
)

const (
	// rerankSnippetLength はリランクプロンプトに含める候補本文の最大文字数
	rerankSnippetLength = 300
)

// Reranker はLLMに候補の関連度を採点させて並べ替える二次スコアラー
// 呼び出しが失敗した場合、検索パイプライン側がリランク前の順序にフォールバックする
type Reranker struct {
	llm   generation.Client
	model string
}

// NewReranker は新しい Reranker を作成する
// model が空の場合はクライアントのデフォルトモデルが使われる
func NewReranker(llm generation.Client, model string) *Reranker {
	return &Reranker{llm: llm, model: model}
}

// Rerank は候補を元クエリとの関連度の降順に並べ替えて返す
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []*retrieval.Result) ([]*retrieval.Result, error) {
	if len(candidates) <= 1 {
		return candidates, nil
	}

	prompt := buildRerankPrompt(query, candidates)

	resp, err := r.llm.GenerateCompletion(ctx, generation.CompletionRequest{
		Prompt:         prompt,
		Model:          r.model,
		Temperature:    0,
		ResponseFormat: "json",
	})
	if err != nil {
		return nil, fmt.Errorf("rerank call failed: %w", err)
	}

	order, err := parseRanking(resp.Content, len(candidates))
	if err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	reranked := make([]*retrieval.Result, len(candidates))
	for i, idx := range order {
		reranked[i] = candidates[idx-1]
	}
	return reranked, nil
}

// buildRerankPrompt は採点用のプロンプトを構築する
func buildRerankPrompt(query string, candidates []*retrieval.Result) string {
	var sb strings.Builder

	sb.WriteString("以下の質問に対する各候補テキストの関連度を判定し、関連度の高い順に並べ替えてください。\n")
	sb.WriteString("出力は {\"ranking\": [候補番号, ...]} のJSON形式のみとし、全候補番号を一度ずつ含めてください。\n\n")

	sb.WriteString("## 質問\n")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	for i, candidate := range candidates {
		content := candidate.Chunk.Content
		if len([]rune(content)) > rerankSnippetLength {
			content = string([]rune(content)[:rerankSnippetLength])
		}
		sb.WriteString(fmt.Sprintf("## 候補 %d\n", i+1))
		sb.WriteString(content)
		sb.WriteString("\n\n")
	}

	return sb.String()
}

type rankingPayload struct {
	Ranking []int `json:"ranking"`
}

// parseRanking は並べ替え結果を検証付きで復元する
// 1..n の順列になっていない場合はエラーを返す
func parseRanking(content string, n int) ([]int, error) {
	var payload rankingPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, err
	}
	if len(payload.Ranking) != n {
		return nil, fmt.Errorf("expected %d entries, got %d", n, len(payload.Ranking))
	}

	seen := make([]bool, n)
	for _, idx := range payload.Ranking {
		if idx < 1 || idx > n {
			return nil, fmt.Errorf("ranking entry %d out of range", idx)
		}
		if seen[idx-1] {
			return nil, fmt.Errorf("duplicate ranking entry %d", idx)
		}
		seen[idx-1] = true
	}

	return payload.Ranking, nil
}

// インターフェース実装の確認
var _ retrieval.Reranker = (*Reranker)(nil)
