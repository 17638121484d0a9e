package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jinford/chatbot-core/internal/core/ratelimit"
)

// RouterConfig はルーターの設定
type RouterConfig struct {
	// APIToken は Bearer 認証に使うトークン
	APIToken string
	// Limiter が nil の場合、レート制限は適用されない
	Limiter *ratelimit.Limiter
	// QueryLimit は /query 系エンドポイントの制限
	QueryLimit ratelimit.Config
	// IngestLimit は /ingest 系エンドポイントの制限
	IngestLimit ratelimit.Config
}

// DefaultQueryLimit は /query 系のデフォルト制限
func DefaultQueryLimit() ratelimit.Config {
	return ratelimit.Config{
		Strategy:    ratelimit.StrategySlidingWindow,
		MaxRequests: 60,
		Window:      time.Minute,
	}
}

// DefaultIngestLimit は /ingest 系のデフォルト制限
func DefaultIngestLimit() ratelimit.Config {
	return ratelimit.Config{
		Strategy:    ratelimit.StrategyFixedWindow,
		MaxRequests: 10,
		Window:      time.Minute,
	}
}

// NewRouter はHTTP APIのルーターを構築します
func NewRouter(handler *Handler, config RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	// ヘルスチェックは認証なしで公開する
	r.Get("/health", handler.Health)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(config.APIToken, handler.logger))

		r.Group(func(r chi.Router) {
			if config.Limiter != nil {
				r.Use(RateLimitMiddleware(config.Limiter, "query", config.QueryLimit))
			}
			r.Post("/query", handler.Query)
			r.Post("/query/batch", handler.BatchQuery)
		})

		r.Group(func(r chi.Router) {
			if config.Limiter != nil {
				r.Use(RateLimitMiddleware(config.Limiter, "ingest", config.IngestLimit))
			}
			r.Post("/ingest", handler.Ingest)
		})

		r.Get("/ingest/{jobID}/status", handler.JobStatus)
		r.Get("/ingest/{jobID}/events", handler.JobEvents)
		r.Post("/ingest/{jobID}/cancel", handler.CancelJob)
	})

	return r
}
