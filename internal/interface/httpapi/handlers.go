package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/chatbot-core/internal/core/answer"
	"github.com/jinford/chatbot-core/internal/core/generation"
	"github.com/jinford/chatbot-core/internal/core/ingestion"
)

// Handler はHTTP APIのハンドラー群
type Handler struct {
	answers  *answer.Service
	batch    *answer.BatchEngine
	pipeline *ingestion.Pipeline
	watcher  ingestion.Watcher
	breaker  *generation.Breaker
	// retrieverCheck は /health で検索バックエンドの疎通を確認する
	retrieverCheck func(ctx context.Context) error
	heartbeat      time.Duration
	logger         *slog.Logger
}

// HandlerOption は Handler の設定オプション
type HandlerOption func(*Handler)

// WithHeartbeatInterval はSSEのハートビート間隔を上書きします
func WithHeartbeatInterval(interval time.Duration) HandlerOption {
	return func(h *Handler) {
		if interval > 0 {
			h.heartbeat = interval
		}
	}
}

// NewHandler は新しい Handler を作成します
func NewHandler(
	answers *answer.Service,
	batch *answer.BatchEngine,
	pipeline *ingestion.Pipeline,
	watcher ingestion.Watcher,
	breaker *generation.Breaker,
	retrieverCheck func(ctx context.Context) error,
	logger *slog.Logger,
	opts ...HandlerOption,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		answers:        answers,
		batch:          batch,
		pipeline:       pipeline,
		watcher:        watcher,
		breaker:        breaker,
		retrieverCheck: retrieverCheck,
		heartbeat:      DefaultHeartbeatInterval,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type queryRequest struct {
	TenantID string `json:"tenantId"`
	Query    string `json:"query"`
	K        int    `json:"k,omitempty"`
}

type sourceJSON struct {
	SourceID string            `json:"sourceId"`
	Snippet  string            `json:"snippet"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type queryResponse struct {
	Answer     string       `json:"answer"`
	Sources    []sourceJSON `json:"sources"`
	Confidence float64      `json:"confidence"`
	TokensUsed int          `json:"tokensUsed"`
	LatencyMS  int64        `json:"latencyMs"`
	Model      string       `json:"model,omitempty"`
}

// Query は単一の質問応答リクエストを処理します
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	params := answer.AskParams{
		TenantID: req.TenantID,
		Query:    req.Query,
		TopK:     req.K,
	}
	if userID := userIDFromContext(r.Context()); userID != "" {
		params.UserID = mo.Some(userID)
	}

	result, err := h.answers.Ask(r.Context(), params)
	if err != nil {
		h.writeAskError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Answer:     result.Content,
		Sources:    toSourceJSON(result.Sources),
		Confidence: result.Confidence,
		TokensUsed: result.TokensUsed,
		LatencyMS:  result.LatencyMS,
		Model:      result.Model,
	})
}

type batchQueryRequest struct {
	TenantID string `json:"tenantId"`
	Queries  []struct {
		Query     string            `json:"query"`
		SessionID string            `json:"sessionId,omitempty"`
		Metadata  map[string]string `json:"metadata,omitempty"`
	} `json:"queries"`
}

type batchItemJSON struct {
	Query      string       `json:"query"`
	Answer     string       `json:"answer"`
	Sources    []sourceJSON `json:"sources,omitempty"`
	Confidence float64      `json:"confidence"`
	TokensUsed int          `json:"tokensUsed"`
	LatencyMS  int64        `json:"latencyMs"`
	Failed     bool         `json:"failed,omitempty"`
	Error      string       `json:"error,omitempty"`
}

type batchResultJSON struct {
	Results        []batchItemJSON `json:"results"`
	Aggregated     bool            `json:"aggregated"`
	TotalTokens    int             `json:"totalTokens"`
	TotalLatencyMS int64           `json:"totalLatencyMs"`
}

// BatchQuery は複数の質問をまとめて処理し、SSEで進捗と最終結果を配信します
func (h *Handler) BatchQuery(w http.ResponseWriter, r *http.Request) {
	var req batchQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	queries := make([]answer.BatchQuery, 0, len(req.Queries))
	for _, q := range req.Queries {
		queries = append(queries, answer.BatchQuery{
			Query:     q.Query,
			SessionID: q.SessionID,
			Metadata:  q.Metadata,
		})
	}

	stream, err := newSSEStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming is not supported")
		return
	}

	progress := func(event answer.ProgressEvent) {
		stream.send("progress", map[string]any{
			"completed": event.Completed,
			"total":     event.Total,
			"query":     event.Query,
		})
	}

	result, err := h.batch.Run(r.Context(), req.TenantID, queries, progress)
	if err != nil {
		stream.send("error", map[string]any{"error": err.Error()})
		return
	}

	items := make([]batchItemJSON, 0, len(result.Results))
	for _, item := range result.Results {
		items = append(items, batchItemJSON{
			Query:      item.Query,
			Answer:     item.Answer,
			Sources:    toSourceJSON(item.Sources),
			Confidence: item.Confidence,
			TokensUsed: item.TokensUsed,
			LatencyMS:  item.LatencyMS,
			Failed:     item.Failed,
			Error:      item.Error,
		})
	}
	stream.send("result", batchResultJSON{
		Results:        items,
		Aggregated:     result.Aggregated,
		TotalTokens:    result.TotalTokens,
		TotalLatencyMS: result.TotalLatencyMS,
	})
}

type dataSourceJSON struct {
	Kind   string `json:"kind"`
	Crawl  *struct {
		URL      string `json:"url"`
		MaxDepth int    `json:"maxDepth,omitempty"`
		MaxPages int    `json:"maxPages,omitempty"`
	} `json:"crawl,omitempty"`
	Upload *struct {
		FileName    string `json:"fileName"`
		ContentType string `json:"contentType,omitempty"`
		Content     string `json:"content"`
	} `json:"upload,omitempty"`
	Manual *struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"manual,omitempty"`
	Git *struct {
		URL string `json:"url"`
		Ref string `json:"ref,omitempty"`
	} `json:"git,omitempty"`
}

type ingestRequest struct {
	TenantID   string         `json:"tenantId"`
	DataSource dataSourceJSON `json:"dataSource"`
}

type ingestResponse struct {
	JobID            string `json:"jobId"`
	Status           string `json:"status"`
	EstimatedMinutes int    `json:"estimatedMinutes"`
}

// Ingest は新しいインジェストジョブを受け付けます
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	source := toDataSource(req.DataSource)
	job, estimatedMinutes, err := h.pipeline.Submit(r.Context(), req.TenantID, source)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, ingestResponse{
		JobID:            job.ID.String(),
		Status:           string(job.Status),
		EstimatedMinutes: estimatedMinutes,
	})
}

type stepJSON struct {
	StepKey     string     `json:"stepKey"`
	Status      string     `json:"status"`
	Message     string     `json:"message,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type jobStatusResponse struct {
	JobID    string     `json:"jobId"`
	Status   string     `json:"status"`
	Progress float64    `json:"progress"`
	Message  string     `json:"message,omitempty"`
	Steps    []stepJSON `json:"steps"`
}

// JobStatus はジョブの現在状態とステップ一覧を返します
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.parseJobID(w, r)
	if !ok {
		return
	}

	job, steps, err := h.pipeline.Status(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, err)
		return
	}

	stepList := make([]stepJSON, 0, len(steps))
	for _, step := range steps {
		stepList = append(stepList, stepJSON{
			StepKey:     string(step.Key),
			Status:      string(step.Status),
			Message:     step.Message,
			StartedAt:   step.StartedAt,
			CompletedAt: step.CompletedAt,
		})
	}

	writeJSON(w, http.StatusOK, jobStatusResponse{
		JobID:    job.ID.String(),
		Status:   string(job.Status),
		Progress: job.Progress,
		Message:  job.Message,
		Steps:    stepList,
	})
}

// DefaultHeartbeatInterval はSSE接続を維持するためのハートビート間隔
const DefaultHeartbeatInterval = 15 * time.Second

// JobEvents はジョブの進捗イベントをSSEで配信します
func (h *Handler) JobEvents(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.parseJobID(w, r)
	if !ok {
		return
	}

	events, err := h.watcher.Watch(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, err)
		return
	}

	stream, err := newSSEStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming is not supported")
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			stream.heartbeat()
		case event, open := <-events:
			if !open {
				return
			}
			stream.send(string(event.Type), map[string]any{
				"type":      string(event.Type),
				"step":      string(event.Step),
				"ts":        event.Timestamp.Format(time.RFC3339),
				"message":   event.Message,
				"processed": event.Processed,
				"total":     event.Total,
			})
		}
	}
}

// CancelJob は実行中または待機中のジョブをキャンセルします
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.parseJobID(w, r)
	if !ok {
		return
	}

	if err := h.pipeline.Cancel(r.Context(), jobID); err != nil {
		if errors.Is(err, ingestion.ErrJobNotCancellable) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.writeJobError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type breakerJSON struct {
	State          string `json:"state"`
	Healthy        bool   `json:"healthy"`
	TotalRequests  int64  `json:"totalRequests"`
	FailedRequests int64  `json:"failedRequests"`
}

type healthResponse struct {
	OK             bool              `json:"ok"`
	Breaker        breakerJSON       `json:"breaker"`
	RetrieverCheck bool              `json:"retrieverCheck"`
	Dependencies   map[string]string `json:"dependencies"`
}

// Health はサービスの稼働状態を返します
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		OK:             true,
		RetrieverCheck: true,
		Dependencies:   map[string]string{},
	}

	snapshot, err := h.breaker.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("ブレーカー状態の取得に失敗しました", "error", err)
		resp.OK = false
		resp.Dependencies["breaker_store"] = "error"
	} else {
		resp.Dependencies["breaker_store"] = "ok"
		resp.Breaker = breakerJSON{
			State:          string(snapshot.State),
			Healthy:        snapshot.State == generation.BreakerClosed || snapshot.State == generation.BreakerHalfOpen,
			TotalRequests:  snapshot.TotalRequests,
			FailedRequests: snapshot.FailedRequests,
		}
		if !resp.Breaker.Healthy {
			resp.OK = false
		}
	}

	if h.retrieverCheck != nil {
		if err := h.retrieverCheck(r.Context()); err != nil {
			h.logger.Error("検索バックエンドの疎通確認に失敗しました", "error", err)
			resp.OK = false
			resp.RetrieverCheck = false
			resp.Dependencies["retriever"] = "error"
		} else {
			resp.Dependencies["retriever"] = "ok"
		}
	}

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *Handler) parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job ID")
		return uuid.Nil, false
	}
	return jobID, true
}

func (h *Handler) writeAskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, generation.ErrBreakerOpen), errors.Is(err, generation.ErrBreakerIsolated):
		writeError(w, http.StatusServiceUnavailable, "answer generation is temporarily unavailable")
	default:
		h.logger.Error("質問応答に失敗しました", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (h *Handler) writeJobError(w http.ResponseWriter, err error) {
	if errors.Is(err, ingestion.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	h.logger.Error("ジョブ操作に失敗しました", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func toSourceJSON(sources []answer.SourceReference) []sourceJSON {
	out := make([]sourceJSON, 0, len(sources))
	for _, s := range sources {
		out = append(out, sourceJSON{
			SourceID: s.SourceID.String(),
			Snippet:  s.Snippet,
			Score:    s.Score,
			Metadata: s.Metadata,
		})
	}
	return out
}

func toDataSource(src dataSourceJSON) ingestion.DataSource {
	source := ingestion.DataSource{Kind: ingestion.SourceKind(src.Kind)}
	if src.Crawl != nil {
		source.Crawl = &ingestion.CrawlSource{
			URL:      src.Crawl.URL,
			MaxDepth: src.Crawl.MaxDepth,
			MaxPages: src.Crawl.MaxPages,
		}
	}
	if src.Upload != nil {
		source.Upload = &ingestion.UploadSource{
			FileName:    src.Upload.FileName,
			ContentType: src.Upload.ContentType,
			Content:     src.Upload.Content,
		}
	}
	if src.Manual != nil {
		source.Manual = &ingestion.ManualSource{
			Title:   src.Manual.Title,
			Content: src.Manual.Content,
		}
	}
	if src.Git != nil {
		source.Git = &ingestion.GitSource{
			URL: src.Git.URL,
			Ref: src.Git.Ref,
		}
	}
	return source
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
