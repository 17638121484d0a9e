package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/jinford/chatbot-core/internal/core/ratelimit"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyAPIKey ctxKey = "apiKey"
)

// AuthMiddleware は Bearer トークンによる認証を行います
// 認証に通ったリクエストには X-User-ID ヘッダーのユーザーIDをコンテキストに載せます
func AuthMiddleware(apiToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header is required")
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == authHeader || subtle.ConstantTimeCompare([]byte(token), []byte(apiToken)) != 1 {
				logger.Warn("認証に失敗しました", "remote", r.RemoteAddr)
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyAPIKey, token)
			if userID := r.Header.Get("X-User-ID"); userID != "" {
				ctx = context.WithValue(ctx, ctxKeyUserID, userID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimitMiddleware は識別子単位の流入制御を行います
// 拒否時は 429 と Retry-After ヘッダーを返します
func RateLimitMiddleware(limiter *ratelimit.Limiter, keyPrefix string, cfg ratelimit.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := requestIdentifier(r)
			decision := limiter.Check(r.Context(), keyPrefix, identifier, cfg)

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requestIdentifier はレート制限キーの識別子を決定します
// 優先順位: 認証済みユーザーID > APIキープレフィックス > 接続元IP
func requestIdentifier(r *http.Request) string {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	apiKey, _ := r.Context().Value(ctxKeyAPIKey).(string)

	remoteIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remoteIP = host
	}

	return ratelimit.Identifier(userID, apiKey, remoteIP)
}

func userIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(ctxKeyUserID).(string)
	return userID
}
