package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/chatbot-core/internal/core/answer"
	"github.com/jinford/chatbot-core/internal/core/generation"
	"github.com/jinford/chatbot-core/internal/core/ingestion"
	"github.com/jinford/chatbot-core/internal/core/ingestion/chunk"
	"github.com/jinford/chatbot-core/internal/core/ratelimit"
	"github.com/jinford/chatbot-core/internal/core/retrieval"
	"github.com/jinford/chatbot-core/internal/core/tenant"
	"github.com/jinford/chatbot-core/internal/infra/memory"
	"github.com/jinford/chatbot-core/internal/infra/web"
)

const (
	testToken    = "test-api-token"
	testTenantID = "tn_abc123XYZ789"
)

// stubRetriever は固定の検索結果を返す
type stubRetriever struct {
	results []*retrieval.Result
}

func (s *stubRetriever) SearchAs(ctx context.Context, tenantID, userID, query string, k int) ([]*retrieval.Result, error) {
	return s.results, nil
}

// stubLLM は固定の回答を返す
type stubLLM struct {
	content string
}

func (s *stubLLM) GenerateCompletion(ctx context.Context, req generation.CompletionRequest) (generation.CompletionResponse, error) {
	return generation.CompletionResponse{Content: s.content, TokensUsed: 10, Model: "stub-model"}, nil
}

// stubEmbedder は固定次元のベクトルを返す
type stubEmbedder struct{}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func (s *stubEmbedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{0.1, 0.2}
	}
	return vectors, nil
}

func (s *stubEmbedder) MaxBatchSize() int { return 100 }

// stubChunkRepo は retrieval.Repository の最小実装
type stubChunkRepo struct {
	inserted []*retrieval.Chunk
}

func (s *stubChunkRepo) SearchSemantic(ctx context.Context, tenantID string, queryVector []float32, limit int) ([]*retrieval.Result, error) {
	return nil, nil
}

func (s *stubChunkRepo) SearchKeyword(ctx context.Context, tenantID string, query string, limit int) ([]*retrieval.Result, error) {
	return nil, nil
}

func (s *stubChunkRepo) BulkInsert(ctx context.Context, chunks []*retrieval.Chunk) error {
	s.inserted = append(s.inserted, chunks...)
	return nil
}

func (s *stubChunkRepo) CountByTenant(ctx context.Context, tenantID string) (int, error) {
	count := 0
	for _, c := range s.inserted {
		if c.TenantID == tenantID {
			count++
		}
	}
	return count, nil
}

func (s *stubChunkRepo) DeleteByTenant(ctx context.Context, tenantID string) (int64, error) {
	return 0, nil
}

func (s *stubChunkRepo) DeleteBySource(ctx context.Context, tenantID string, sourceID uuid.UUID) (int64, error) {
	return 0, nil
}

// lineChunker は改行区切りでチャンクを作る
type lineChunker struct{}

func (c *lineChunker) Split(text string) []chunk.Piece {
	var pieces []chunk.Piece
	for i, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		pieces = append(pieces, chunk.Piece{Content: line, TokenCount: len(line), Ordinal: i})
	}
	return pieces
}

type fixture struct {
	server *httptest.Server
	jobs   *memory.JobRepository
}

func testResult(score float64) *retrieval.Result {
	return &retrieval.Result{
		Chunk: &retrieval.Chunk{
			ID:       uuid.New(),
			TenantID: testTenantID,
			SourceID: uuid.New(),
			Content:  "返品は30日以内に受け付けています",
			Metadata: map[string]string{"title": "返品ポリシー"},
		},
		CombinedScore: score,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard := tenant.NewIsolationGuard(logger)

	retriever := &stubRetriever{results: []*retrieval.Result{testResult(0.9)}}
	llm := &stubLLM{content: "30日以内であれば返品可能です"}
	answers := answer.NewService(retriever, llm, answer.WithLogger(logger))
	batch := answer.NewBatchEngine(answers, nil, answer.BatchConfig{}, logger)

	jobs := memory.NewJobRepository()
	pipeline := ingestion.NewPipeline(
		jobs,
		&stubChunkRepo{},
		&stubEmbedder{},
		guard,
		&lineChunker{},
		[]ingestion.Provider{web.NewManualProvider()},
		ingestion.DefaultConfig(),
		logger,
	)
	t.Cleanup(pipeline.Wait)

	watcher := ingestion.NewPollWatcher(jobs, 10*time.Millisecond, logger)

	breakerStore := memory.NewBreakerStore()
	breaker := generation.NewBreaker("stub-model", breakerStore, generation.BreakerConfig{}, logger)

	limiter := ratelimit.NewLimiter(memory.NewRateLimitStore(), logger)

	handler := NewHandler(answers, batch, pipeline, watcher, breaker, nil, logger)
	router := NewRouter(handler, RouterConfig{
		APIToken: testToken,
		Limiter:  limiter,
		QueryLimit: ratelimit.Config{
			Strategy:    ratelimit.StrategySlidingWindow,
			MaxRequests: 100,
			Window:      time.Minute,
		},
		IngestLimit: ratelimit.Config{
			Strategy:    ratelimit.StrategyFixedWindow,
			MaxRequests: 100,
			Window:      time.Minute,
		},
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &fixture{server: server, jobs: jobs}
}

func (f *fixture) request(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
}

func TestAuthMiddleware(t *testing.T) {
	f := newFixture(t)

	t.Run("missing authorization header", func(t *testing.T) {
		resp, err := http.Post(f.server.URL+"/query", "application/json", strings.NewReader("{}"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong token", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, f.server.URL+"/query", strings.NewReader("{}"))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer wrong-token")

		resp, err := f.server.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("health endpoint is public", func(t *testing.T) {
		resp, err := http.Get(f.server.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestHandler_Query(t *testing.T) {
	f := newFixture(t)

	body := fmt.Sprintf(`{"tenantId": %q, "query": "返品できますか"}`, testTenantID)
	resp := f.request(t, http.MethodPost, "/query", body)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result queryResponse
	decodeBody(t, resp, &result)

	assert.Equal(t, "30日以内であれば返品可能です", result.Answer)
	require.Len(t, result.Sources, 1)
	assert.Equal(t, "返品ポリシー", result.Sources[0].Metadata["title"])
	assert.InDelta(t, 0.9, result.Confidence, 0.001)
	assert.Equal(t, "stub-model", result.Model)
}

func TestHandler_Query_Validation(t *testing.T) {
	f := newFixture(t)

	t.Run("missing query", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/query", fmt.Sprintf(`{"tenantId": %q}`, testTenantID))
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("invalid tenant id", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/query", `{"tenantId": "bogus", "query": "q"}`)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHandler_BatchQuery_SSE(t *testing.T) {
	f := newFixture(t)

	body := fmt.Sprintf(`{"tenantId": %q, "queries": [{"query": "q1"}, {"query": "q2"}]}`, testTenantID)
	resp := f.request(t, http.MethodPost, "/query/batch", body)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	stream := string(raw)

	// 進捗イベントの後に最終結果が届く
	assert.Contains(t, stream, "event: progress")
	require.Contains(t, stream, "event: result")

	resultData := stream[strings.Index(stream, "event: result"):]
	resultData = strings.TrimPrefix(resultData, "event: result\ndata: ")
	resultData = strings.TrimSpace(resultData)

	var result batchResultJSON
	require.NoError(t, json.Unmarshal([]byte(resultData), &result))
	require.Len(t, result.Results, 2)
	assert.Equal(t, "q1", result.Results[0].Query)
	assert.Equal(t, "q2", result.Results[1].Query)
	assert.Greater(t, result.TotalTokens, 0)
}

func TestHandler_IngestLifecycle(t *testing.T) {
	f := newFixture(t)

	body := fmt.Sprintf(`{
		"tenantId": %q,
		"dataSource": {
			"kind": "manual",
			"manual": {"title": "営業時間", "content": "平日10時から18時まで営業しています"}
		}
	}`, testTenantID)
	resp := f.request(t, http.MethodPost, "/ingest", body)

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created ingestResponse
	decodeBody(t, resp, &created)
	assert.Equal(t, "queued", created.Status)
	assert.NotEmpty(t, created.JobID)
	assert.Greater(t, created.EstimatedMinutes, 0)

	// ジョブ完了を待つ
	require.Eventually(t, func() bool {
		resp := f.request(t, http.MethodGet, "/ingest/"+created.JobID+"/status", "")
		var status jobStatusResponse
		decodeBody(t, resp, &status)
		return status.Status == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	t.Run("status includes steps", func(t *testing.T) {
		resp := f.request(t, http.MethodGet, "/ingest/"+created.JobID+"/status", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var status jobStatusResponse
		decodeBody(t, resp, &status)
		assert.InDelta(t, 1.0, status.Progress, 0.001)
		require.Len(t, status.Steps, 6)
		assert.Equal(t, "setup", status.Steps[0].StepKey)
		assert.Equal(t, "done", status.Steps[5].StepKey)
		for _, step := range status.Steps {
			assert.Equal(t, "completed", step.Status)
		}
	})

	t.Run("events stream closes after terminal event", func(t *testing.T) {
		resp := f.request(t, http.MethodGet, "/ingest/"+created.JobID+"/events", "")
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		stream := string(raw)
		assert.Contains(t, stream, "event: step.started")
		assert.Contains(t, stream, "event: step.completed")
		assert.Contains(t, stream, "event: pipeline.completed")
	})

	t.Run("cancel of completed job conflicts", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/ingest/"+created.JobID+"/cancel", "")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("unknown job returns 404", func(t *testing.T) {
		resp := f.request(t, http.MethodGet, "/ingest/"+uuid.NewString()+"/status", "")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("invalid job id returns 400", func(t *testing.T) {
		resp := f.request(t, http.MethodGet, "/ingest/not-a-uuid/status", "")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHandler_Health(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health healthResponse
	decodeBody(t, resp, &health)

	assert.True(t, health.OK)
	assert.Equal(t, "closed", health.Breaker.State)
	assert.True(t, health.Breaker.Healthy)
	assert.Equal(t, "ok", health.Dependencies["breaker_store"])
}

func TestRateLimitMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := ratelimit.NewLimiter(memory.NewRateLimitStore(), logger)
	cfg := ratelimit.Config{
		Strategy:    ratelimit.StrategySlidingWindow,
		MaxRequests: 2,
		Window:      time.Minute,
	}

	var handled int
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handled++
		w.WriteHeader(http.StatusOK)
	})
	wrapped := RateLimitMiddleware(limiter, "query", cfg)(inner)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/query", nil)
		wrapped.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/query", nil)
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, 2, handled)
}
