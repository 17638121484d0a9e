package answer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/chatbot-core/internal/core/generation"
	"github.com/jinford/chatbot-core/internal/core/retrieval"
)

const testTenantID = "tn_abc123XYZ789"

// stubRetriever は固定の検索結果を返すリトリーバー
type stubRetriever struct {
	results []*retrieval.Result
	err     error
	calls   int
}

func (r *stubRetriever) SearchAs(ctx context.Context, tenantID, userID, query string, k int) ([]*retrieval.Result, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.results, nil
}

// stubLLM はプロンプトを記録して固定の回答を返すLLMクライアント
type stubLLM struct {
	content    string
	tokensUsed int
	err        error
	prompts    []string
}

func (c *stubLLM) GenerateCompletion(ctx context.Context, req generation.CompletionRequest) (generation.CompletionResponse, error) {
	c.prompts = append(c.prompts, req.Prompt)
	if c.err != nil {
		return generation.CompletionResponse{}, c.err
	}
	return generation.CompletionResponse{
		Content:    c.content,
		TokensUsed: c.tokensUsed,
		Model:      "gpt-4o-mini",
	}, nil
}

func testResult(content string, score float64) *retrieval.Result {
	return &retrieval.Result{
		Chunk: &retrieval.Chunk{
			ID:       uuid.New(),
			TenantID: testTenantID,
			SourceID: uuid.New(),
			Content:  content,
			Metadata: map[string]string{"title": "利用規約", "url": "https://example.com/terms"},
		},
		CombinedScore: score,
	}
}

func TestService_Ask(t *testing.T) {
	retriever := &stubRetriever{
		results: []*retrieval.Result{
			testResult("返金は購入後30日以内に限り可能です。", 0.9),
			testResult("送料はお客様負担となります。", 0.7),
		},
	}
	llm := &stubLLM{content: "返金は購入後30日以内であれば可能です。", tokensUsed: 120}
	svc := NewService(retriever, llm)

	answer, err := svc.Ask(context.Background(), AskParams{
		TenantID: testTenantID,
		Query:    "返金ポリシーを教えて",
	})
	require.NoError(t, err)

	assert.Equal(t, "返金は購入後30日以内であれば可能です。", answer.Content)
	assert.Equal(t, 120, answer.TokensUsed)
	assert.Len(t, answer.Sources, 2)
	assert.InDelta(t, 0.8, answer.Confidence, 0.001)
	assert.GreaterOrEqual(t, answer.LatencyMS, int64(0))

	// プロンプトに検索結果と質問が含まれていること
	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], "返金は購入後30日以内に限り可能です。")
	assert.Contains(t, llm.prompts[0], "返金ポリシーを教えて")
}

func TestService_Ask_EmptyRetrieval(t *testing.T) {
	// 検索0件はエラーではなく、コンテキストなしで回答を生成する
	retriever := &stubRetriever{}
	llm := &stubLLM{content: "その情報は見つかりませんでした。"}
	svc := NewService(retriever, llm)

	answer, err := svc.Ask(context.Background(), AskParams{
		TenantID: testTenantID,
		Query:    "返金ポリシーを教えて",
	})
	require.NoError(t, err)

	assert.Empty(t, answer.Sources)
	assert.Zero(t, answer.Confidence)
	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], "該当するナレッジはありません")
}

func TestService_Ask_Validation(t *testing.T) {
	svc := NewService(&stubRetriever{}, &stubLLM{})

	tests := []struct {
		name   string
		params AskParams
	}{
		{
			name:   "クエリなし",
			params: AskParams{TenantID: testTenantID},
		},
		{
			name:   "テナントID形式不正",
			params: AskParams{TenantID: "acme-corp", Query: "返金ポリシー"},
		},
		{
			name:   "テナントIDなし",
			params: AskParams{Query: "返金ポリシー"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Ask(context.Background(), tt.params)
			assert.Error(t, err)
		})
	}
}

func TestService_Ask_LLMError(t *testing.T) {
	retriever := &stubRetriever{results: []*retrieval.Result{testResult("内容", 0.5)}}
	llm := &stubLLM{err: errors.New("model unavailable")}
	svc := NewService(retriever, llm)

	_, err := svc.Ask(context.Background(), AskParams{
		TenantID: testTenantID,
		UserID:   mo.Some("user-1"),
		Query:    "返金ポリシー",
	})
	assert.ErrorContains(t, err, "model unavailable")
}

func TestBuildAnswerPrompt_SourceInfo(t *testing.T) {
	prompt := BuildAnswerPrompt("送料はいくら？", []*retrieval.Result{testResult("送料は全国一律500円です。", 0.85)})

	assert.Contains(t, prompt, "利用規約")
	assert.Contains(t, prompt, "https://example.com/terms")
	assert.Contains(t, prompt, "関連度: 0.850")
	assert.True(t, strings.HasSuffix(prompt, "## 回答\n"))
}
