package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/chatbot-core/internal/core/generation"
	"github.com/jinford/chatbot-core/internal/core/retrieval"
)

// stubCounter は文字数をそのままトークン数として返す
type stubCounter struct{}

func (stubCounter) CountTokens(text string) int { return len(text) }

// selectiveLLM はプロンプトに含まれる文字列に応じて挙動を変えるLLMクライアント
type selectiveLLM struct {
	failOn    string
	responses map[string]string // プロンプトに含まれる部分文字列 -> 回答
	fallback  string
	calls     int
}

func (c *selectiveLLM) GenerateCompletion(ctx context.Context, req generation.CompletionRequest) (generation.CompletionResponse, error) {
	c.calls++
	if c.failOn != "" && strings.Contains(req.Prompt, c.failOn) {
		return generation.CompletionResponse{}, errors.New("model unavailable")
	}
	for needle, content := range c.responses {
		if strings.Contains(req.Prompt, needle) {
			return generation.CompletionResponse{Content: content, TokensUsed: 30}, nil
		}
	}
	return generation.CompletionResponse{Content: c.fallback, TokensUsed: 30}, nil
}

func batchQueries(texts ...string) []BatchQuery {
	queries := make([]BatchQuery, len(texts))
	for i, q := range texts {
		queries[i] = BatchQuery{Query: q, SessionID: fmt.Sprintf("session-%d", i)}
	}
	return queries
}

func TestBatchEngine_Aggregated(t *testing.T) {
	retriever := &stubRetriever{results: []*retrieval.Result{testResult("返金は30日以内。", 0.8)}}
	llm := &selectiveLLM{
		fallback: `{"answers": [{"index": 1, "answer": "30日以内です。"}, {"index": 2, "answer": "全国一律500円です。"}]}`,
	}
	svc := NewService(retriever, llm)
	engine := NewBatchEngine(svc, stubCounter{}, BatchConfig{TokenMargin: 100000}, nil)

	var events []ProgressEvent
	result, err := engine.Run(context.Background(), testTenantID,
		batchQueries("返金ポリシーは？", "送料はいくら？"),
		func(e ProgressEvent) { events = append(events, e) })
	require.NoError(t, err)

	assert.True(t, result.Aggregated)
	require.Len(t, result.Results, 2)
	assert.Equal(t, "返金ポリシーは？", result.Results[0].Query)
	assert.Equal(t, "送料はいくら？", result.Results[1].Query)
	assert.Equal(t, "30日以内です。", result.Results[0].Answer)
	assert.Equal(t, "全国一律500円です。", result.Results[1].Answer)
	assert.Equal(t, 30, result.TotalTokens)
	// 按分したトークンの合計は実測値と一致する
	assert.Equal(t, 30, result.Results[0].TokensUsed+result.Results[1].TokensUsed)

	// モデル呼び出しは1回だけ
	assert.Equal(t, 1, llm.calls)

	// 集約パスでは完了イベントが1回だけ通知される
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Completed)
	assert.Equal(t, 2, events[0].Total)
}

func TestBatchEngine_FallbackOnTokenMargin(t *testing.T) {
	retriever := &stubRetriever{results: []*retrieval.Result{testResult("返金は30日以内。", 0.8)}}
	llm := &selectiveLLM{fallback: "回答です。"}
	svc := NewService(retriever, llm)
	// マージンを極端に小さくして必ず逐次処理に落とす
	engine := NewBatchEngine(svc, stubCounter{}, BatchConfig{TokenMargin: 1}, nil)

	var events []ProgressEvent
	result, err := engine.Run(context.Background(), testTenantID,
		batchQueries("返金ポリシーは？", "送料はいくら？", "営業時間は？"),
		func(e ProgressEvent) { events = append(events, e) })
	require.NoError(t, err)

	assert.False(t, result.Aggregated)
	require.Len(t, result.Results, 3)
	for i, item := range result.Results {
		assert.False(t, item.Failed)
		assert.Equal(t, i+1, events[i].Completed)
		assert.Equal(t, 3, events[i].Total)
	}
	assert.Equal(t, 90, result.TotalTokens)
}

func TestBatchEngine_FallbackOnParseFailure(t *testing.T) {
	retriever := &stubRetriever{results: []*retrieval.Result{testResult("内容", 0.5)}}
	llm := &selectiveLLM{fallback: "これはJSONではありません"}
	svc := NewService(retriever, llm)
	engine := NewBatchEngine(svc, stubCounter{}, BatchConfig{TokenMargin: 100000}, nil)

	result, err := engine.Run(context.Background(), testTenantID,
		batchQueries("返金ポリシーは？", "送料はいくら？"), nil)
	require.NoError(t, err)

	// 複合レスポンスの解析失敗後に逐次処理で完了している
	assert.False(t, result.Aggregated)
	require.Len(t, result.Results, 2)
	assert.Equal(t, "これはJSONではありません", result.Results[0].Answer)
}

func TestBatchEngine_PartialFailureIsolation(t *testing.T) {
	retriever := &stubRetriever{results: []*retrieval.Result{testResult("内容", 0.5)}}
	// 2件目のクエリを含むプロンプトだけ失敗させる
	llm := &selectiveLLM{failOn: "送料はいくら？", fallback: "回答です。"}
	svc := NewService(retriever, llm)
	// counter なしで常に逐次処理
	engine := NewBatchEngine(svc, nil, DefaultBatchConfig(), nil)

	result, err := engine.Run(context.Background(), testTenantID,
		batchQueries("返金ポリシーは？", "送料はいくら？", "営業時間は？"), nil)
	require.NoError(t, err)

	require.Len(t, result.Results, 3)
	assert.False(t, result.Results[0].Failed)
	assert.True(t, result.Results[1].Failed)
	assert.Contains(t, result.Results[1].Error, "model unavailable")
	assert.False(t, result.Results[2].Failed)

	// 失敗した1件を挟んでも順序は保たれる
	assert.Equal(t, "返金ポリシーは？", result.Results[0].Query)
	assert.Equal(t, "送料はいくら？", result.Results[1].Query)
	assert.Equal(t, "営業時間は？", result.Results[2].Query)
}

func TestBatchEngine_Validation(t *testing.T) {
	svc := NewService(&stubRetriever{}, &selectiveLLM{})
	engine := NewBatchEngine(svc, nil, DefaultBatchConfig(), nil)

	_, err := engine.Run(context.Background(), "bad-tenant", batchQueries("質問"), nil)
	assert.Error(t, err)

	_, err = engine.Run(context.Background(), testTenantID, nil, nil)
	assert.Error(t, err)

	_, err = engine.Run(context.Background(), testTenantID, batchQueries("質問", ""), nil)
	assert.Error(t, err)
}

func TestParseBatchAnswers(t *testing.T) {
	tests := []struct {
		name    string
		content string
		n       int
		want    []string
		wantErr bool
	}{
		{
			name:    "正常系",
			content: `{"answers": [{"index": 2, "answer": "b"}, {"index": 1, "answer": "a"}]}`,
			n:       2,
			want:    []string{"a", "b"},
		},
		{
			name:    "件数不足",
			content: `{"answers": [{"index": 1, "answer": "a"}]}`,
			n:       2,
			wantErr: true,
		},
		{
			name:    "インデックス範囲外",
			content: `{"answers": [{"index": 0, "answer": "a"}, {"index": 3, "answer": "b"}]}`,
			n:       2,
			wantErr: true,
		},
		{
			name:    "インデックス重複",
			content: `{"answers": [{"index": 1, "answer": "a"}, {"index": 1, "answer": "b"}]}`,
			n:       2,
			wantErr: true,
		},
		{
			name:    "JSONではない",
			content: "ただのテキスト",
			n:       1,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseBatchAnswers(tt.content, tt.n)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
