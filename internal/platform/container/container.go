package container

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jinford/chatbot-core/internal/core/answer"
	"github.com/jinford/chatbot-core/internal/core/generation"
	"github.com/jinford/chatbot-core/internal/core/ingestion"
	"github.com/jinford/chatbot-core/internal/core/ingestion/chunk"
	"github.com/jinford/chatbot-core/internal/core/ratelimit"
	"github.com/jinford/chatbot-core/internal/core/retrieval"
	"github.com/jinford/chatbot-core/internal/core/tenant"
	"github.com/jinford/chatbot-core/internal/infra/git"
	"github.com/jinford/chatbot-core/internal/infra/openai"
	"github.com/jinford/chatbot-core/internal/infra/postgres"
	"github.com/jinford/chatbot-core/internal/infra/web"
	"github.com/jinford/chatbot-core/internal/platform/config"
	"github.com/jinford/chatbot-core/internal/platform/database"
)

// ServiceContainer はアプリケーション全体の依存関係を保持する
type ServiceContainer struct {
	Guard     *tenant.IsolationGuard
	Retriever *retrieval.VersionedRetriever
	Answers   *answer.Service
	Batch     *answer.BatchEngine
	Ingestion *ingestion.Pipeline
	Watcher   ingestion.Watcher
	Breaker   *generation.Breaker
	Limiter   *ratelimit.Limiter
	ChunkRepo retrieval.Repository
	JobRepo   ingestion.JobRepository

	logger   *slog.Logger
	database *database.Database
}

type containerOptions struct {
	logger       *slog.Logger
	embedder     retrieval.Embedder
	llmClient    generation.Client
	chunkRepo    retrieval.Repository
	jobRepo      ingestion.JobRepository
	rateLimits   ratelimit.Store
	breakerStore generation.BreakerStore
	providers    []ingestion.Provider
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerEmbedder はカスタム Embedder を注入する
func WithContainerEmbedder(embedder retrieval.Embedder) ContainerOption {
	return func(opts *containerOptions) {
		opts.embedder = embedder
	}
}

// WithContainerLLMClient はLLMクライアントを差し替える
func WithContainerLLMClient(client generation.Client) ContainerOption {
	return func(opts *containerOptions) {
		opts.llmClient = client
	}
}

// WithContainerChunkRepository はチャンクリポジトリを差し替える
func WithContainerChunkRepository(repo retrieval.Repository) ContainerOption {
	return func(opts *containerOptions) {
		opts.chunkRepo = repo
	}
}

// WithContainerJobRepository はジョブリポジトリを差し替える
func WithContainerJobRepository(repo ingestion.JobRepository) ContainerOption {
	return func(opts *containerOptions) {
		opts.jobRepo = repo
	}
}

// WithContainerRateLimitStore はレート制限ストアを差し替える
func WithContainerRateLimitStore(store ratelimit.Store) ContainerOption {
	return func(opts *containerOptions) {
		opts.rateLimits = store
	}
}

// WithContainerBreakerStore はブレーカーストアを差し替える
func WithContainerBreakerStore(store generation.BreakerStore) ContainerOption {
	return func(opts *containerOptions) {
		opts.breakerStore = store
	}
}

// WithContainerProviders はデータソースプロバイダーを差し替える
func WithContainerProviders(providers ...ingestion.Provider) ContainerOption {
	return func(opts *containerOptions) {
		opts.providers = providers
	}
}

// NewContainer は設定からコンテナを生成する
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
	}

	if err := postgres.ApplySchema(ctx, db.Pool); err != nil {
		db.Close()
		return nil, fmt.Errorf("スキーマ適用に失敗しました: %w", err)
	}

	container, err := NewContainerWithDB(cfg, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return container, nil
}

// NewContainerWithDB は既存の Database を受け取りコンテナを生成する
func NewContainerWithDB(cfg *config.Config, db *database.Database, opts ...ContainerOption) (*ServiceContainer, error) {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	logger := options.logger

	guard := tenant.NewIsolationGuard(logger)

	// Embedder (OpenAI)
	embedder := options.embedder
	if embedder == nil {
		embedder = openai.NewEmbedder(
			cfg.OpenAI.APIKey,
			openai.WithEmbeddingModel(cfg.OpenAI.EmbeddingModel),
			openai.WithEmbeddingDimension(cfg.OpenAI.EmbeddingDimension),
		)
	}

	// LLMクライアント（サーキットブレーカー付き）
	llmClient := options.llmClient
	if llmClient == nil {
		client, err := openai.NewClientWithAPIKey(cfg.OpenAI.APIKey, cfg.OpenAI.LLMModel)
		if err != nil {
			return nil, fmt.Errorf("OpenAIクライアント初期化に失敗しました: %w", err)
		}
		llmClient = client
	}

	breakerStore := options.breakerStore
	if breakerStore == nil {
		breakerStore = postgres.NewBreakerStore(db.Pool)
	}
	breaker := generation.NewBreaker(cfg.OpenAI.LLMModel, breakerStore, generation.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		CallTimeout:      cfg.OpenAI.LLMTimeout,
	}, logger)
	guardedLLM := generation.NewBreakerClient(llmClient, breaker)

	// リポジトリ (PostgreSQL)
	chunkRepo := options.chunkRepo
	if chunkRepo == nil {
		chunkRepo = postgres.NewChunkRepository(db.Pool)
	}
	jobRepo := options.jobRepo
	if jobRepo == nil {
		jobRepo = postgres.NewJobRepository(db.Pool)
	}

	// 検索パイプライン
	// v1は素のハイブリッド検索、v2はリランカー付き。ロールアウト割合で振り分ける
	pipelineConfig := retrieval.PipelineConfig{
		SemanticWeight: cfg.Retrieval.SemanticWeight,
		KeywordWeight:  cfg.Retrieval.KeywordWeight,
		MinScore:       cfg.Retrieval.MinScore,
	}
	v1 := retrieval.NewPipeline(chunkRepo, embedder, guard, nil, pipelineConfig, logger)

	var v2 retrieval.Retriever
	if cfg.Retrieval.RerankTopN > 0 {
		rerankConfig := pipelineConfig
		rerankConfig.RerankTopN = cfg.Retrieval.RerankTopN
		reranker := openai.NewReranker(guardedLLM, cfg.OpenAI.LLMModel)
		v2 = retrieval.NewPipeline(chunkRepo, embedder, guard, reranker, rerankConfig, logger)
	}

	router := retrieval.NewRouter(cfg.Retrieval.VersionForce, func(tenantID string) int {
		return cfg.Retrieval.RolloutPercent
	}, logger)
	retriever := retrieval.NewVersionedRetriever(router, v1, v2, logger)

	// 質問応答サービス
	answers := answer.NewService(retriever, guardedLLM, answer.WithLogger(logger))

	tokenCounter, err := chunk.NewChunker(cfg.Ingestion.ChunkTokens, cfg.Ingestion.ChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("Chunker 初期化に失敗しました: %w", err)
	}
	batch := answer.NewBatchEngine(answers, tokenCounter, answer.BatchConfig{}, logger)

	// インジェストパイプライン
	providers := options.providers
	if providers == nil {
		gitClient := git.NewClient(cfg.Git.SSHKeyPath, cfg.Git.SSHPassword)
		providers = []ingestion.Provider{
			web.NewCrawler(
				web.WithLogger(logger),
				web.WithCrawlLimits(cfg.Ingestion.CrawlMaxDepth, cfg.Ingestion.CrawlMaxPages),
			),
			web.NewUploadProvider(),
			web.NewManualProvider(),
			git.NewProvider(gitClient, cfg.Ingestion.GitCloneBaseDir),
		}
	}
	pipeline := ingestion.NewPipeline(
		jobRepo,
		chunkRepo,
		embedder,
		guard,
		tokenCounter,
		providers,
		ingestion.Config{
			MaxConcurrentJobs:  cfg.Ingestion.MaxConcurrent,
			EmbeddingBatchSize: cfg.Ingestion.EmbeddingBatch,
			ReadyChunkCount:    cfg.Ingestion.ReadyChunkCount,
		},
		logger,
	)
	watcher := ingestion.NewPollWatcher(jobRepo, 0, logger)

	// レート制限
	rateLimitStore := options.rateLimits
	if rateLimitStore == nil {
		rateLimitStore = postgres.NewRateLimitStore(db.Pool)
	}
	limiter := ratelimit.NewLimiter(rateLimitStore, logger)

	return &ServiceContainer{
		Guard:     guard,
		Retriever: retriever,
		Answers:   answers,
		Batch:     batch,
		Ingestion: pipeline,
		Watcher:   watcher,
		Breaker:   breaker,
		Limiter:   limiter,
		ChunkRepo: chunkRepo,
		JobRepo:   jobRepo,
		logger:    logger,
		database:  db,
	}, nil
}

// Logger はコンテナのロガーを返す
func (c *ServiceContainer) Logger() *slog.Logger {
	return c.logger
}

// Ping はデータベースの疎通を確認する（ヘルスチェック用）
func (c *ServiceContainer) Ping(ctx context.Context) error {
	if c.database == nil {
		return nil
	}
	return c.database.Ping(ctx)
}

// Close は内部リソースを解放する
// 実行中のインジェストジョブの完了を待ってから接続を閉じる
func (c *ServiceContainer) Close() {
	if c == nil {
		return
	}
	if c.Ingestion != nil {
		c.Ingestion.Wait()
	}
	if c.database != nil {
		c.database.Close()
	}
}
