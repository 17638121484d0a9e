package openai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/chatbot-core/internal/core/generation"
	"github.com/jinford/chatbot-core/internal/core/retrieval"
)

type stubLLM struct {
	content string
	err     error
}

func (c *stubLLM) GenerateCompletion(ctx context.Context, req generation.CompletionRequest) (generation.CompletionResponse, error) {
	if c.err != nil {
		return generation.CompletionResponse{}, c.err
	}
	return generation.CompletionResponse{Content: c.content}, nil
}

func candidates(contents ...string) []*retrieval.Result {
	results := make([]*retrieval.Result, len(contents))
	for i, content := range contents {
		results[i] = &retrieval.Result{Chunk: &retrieval.Chunk{Content: content}}
	}
	return results
}

func TestReranker_Rerank(t *testing.T) {
	llm := &stubLLM{content: `{"ranking": [3, 1, 2]}`}
	reranker := NewReranker(llm, "")

	input := candidates("a", "b", "c")
	reranked, err := reranker.Rerank(context.Background(), "質問", input)
	require.NoError(t, err)

	require.Len(t, reranked, 3)
	assert.Equal(t, "c", reranked[0].Chunk.Content)
	assert.Equal(t, "a", reranked[1].Chunk.Content)
	assert.Equal(t, "b", reranked[2].Chunk.Content)
}

func TestReranker_Rerank_SingleCandidate(t *testing.T) {
	// 1件以下はモデルを呼ばずにそのまま返す
	reranker := NewReranker(&stubLLM{err: errors.New("should not be called")}, "")

	input := candidates("a")
	reranked, err := reranker.Rerank(context.Background(), "質問", input)
	require.NoError(t, err)
	assert.Equal(t, input, reranked)
}

func TestReranker_Rerank_Errors(t *testing.T) {
	tests := []struct {
		name string
		llm  *stubLLM
	}{
		{name: "呼び出し失敗", llm: &stubLLM{err: errors.New("model unavailable")}},
		{name: "JSONではない", llm: &stubLLM{content: "テキスト"}},
		{name: "件数不一致", llm: &stubLLM{content: `{"ranking": [1]}`}},
		{name: "番号が範囲外", llm: &stubLLM{content: `{"ranking": [1, 4, 2]}`}},
		{name: "番号が重複", llm: &stubLLM{content: `{"ranking": [1, 1, 2]}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reranker := NewReranker(tt.llm, "")
			_, err := reranker.Rerank(context.Background(), "質問", candidates("a", "b", "c"))
			assert.Error(t, err)
		})
	}
}
