package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/jinford/chatbot-core/internal/core/ratelimit"
	"github.com/jinford/chatbot-core/internal/interface/httpapi"
)

// shutdownTimeout はグレースフルシャットダウンの待機時間
const shutdownTimeout = 10 * time.Second

// ServerStartAction はHTTPサーバを起動するコマンドのアクション
func ServerStartAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	// 共通コンテキストの初期化
	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	cfg := appCtx.Config
	cont := appCtx.Container

	port := cfg.Server.Port
	if cmd.IsSet("port") {
		port = cmd.Int("port")
	}

	queryLimit, err := queryLimitFromConfig(cfg.RateLimit.Strategy, cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
	if err != nil {
		return err
	}

	handler := httpapi.NewHandler(
		cont.Answers,
		cont.Batch,
		cont.Ingestion,
		cont.Watcher,
		cont.Breaker,
		cont.Ping,
		appCtx.Logger(),
		httpapi.WithHeartbeatInterval(cfg.Server.HeartbeatInterval),
	)
	router := httpapi.NewRouter(handler, httpapi.RouterConfig{
		APIToken:    cfg.APIToken,
		Limiter:     cont.Limiter,
		QueryLimit:  queryLimit,
		IngestLimit: httpapi.DefaultIngestLimit(),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTPサーバを起動します", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTPサーバの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	slog.Info("シャットダウンを開始します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("シャットダウンに失敗: %w", err)
	}

	slog.Info("HTTPサーバを停止しました")
	return nil
}

// queryLimitFromConfig は環境変数のレート制限設定を検証して変換する
func queryLimitFromConfig(strategy string, maxRequests int, window time.Duration) (ratelimit.Config, error) {
	s := ratelimit.Strategy(strategy)
	switch s {
	case ratelimit.StrategySlidingWindow, ratelimit.StrategyFixedWindow, ratelimit.StrategyTokenBucket:
	default:
		return ratelimit.Config{}, fmt.Errorf("不明なレート制限ストラテジ: %q", strategy)
	}
	if maxRequests <= 0 || window <= 0 {
		return ratelimit.Config{}, fmt.Errorf("レート制限設定が不正: max=%d window=%s", maxRequests, window)
	}
	return ratelimit.Config{
		Strategy:    s,
		MaxRequests: maxRequests,
		Window:      window,
	}, nil
}
