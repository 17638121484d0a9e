package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// API認証トークン（サービス間認証用）
	APIToken string

	// HTTPサーバ設定
	Server ServerConfig

	// OpenAI設定（Embeddings + LLM）
	OpenAI OpenAIConfig

	// 検索パイプライン設定
	Retrieval RetrievalConfig

	// レート制限設定
	RateLimit RateLimitConfig

	// サーキットブレーカー設定
	Breaker BreakerConfig

	// インジェスト設定
	Ingestion IngestionConfig

	// Gitデータソース設定
	Git GitConfig
}

// GitConfig はGitデータソースの認証設定
type GitConfig struct {
	SSHKeyPath  string
	SSHPassword string
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// ServerConfig はHTTPサーバ設定
type ServerConfig struct {
	Port              int
	HeartbeatInterval time.Duration // SSEハートビート間隔
}

// OpenAIConfig はOpenAI API設定（Embeddings + LLM）
type OpenAIConfig struct {
	APIKey             string
	EmbeddingModel     string
	EmbeddingDimension int
	LLMModel           string
	LLMTimeout         time.Duration // LLM呼び出しの1回あたりタイムアウト
}

// RetrievalConfig は検索パイプライン設定
type RetrievalConfig struct {
	SemanticWeight float64 // セマンティックスコアの重み
	KeywordWeight  float64 // キーワードスコアの重み
	MinScore       float64 // 結果に含める最小複合スコア
	RerankTopN     int     // リランク対象の上位候補数（0でリランク無効）
	RolloutPercent int     // 新リトリーバーへのロールアウト割合（0-100）
	VersionForce   string  // "v1" または "v2" を指定すると強制ルーティング
}

// RateLimitConfig はレート制限設定
type RateLimitConfig struct {
	Strategy    string // "sliding_window", "fixed_window", "token_bucket"
	MaxRequests int
	Window      time.Duration
}

// BreakerConfig はサーキットブレーカー設定
type BreakerConfig struct {
	FailureThreshold int           // openに遷移する連続失敗数
	SuccessThreshold int           // half_openからclosedに戻る連続成功数
	Cooldown         time.Duration // openからhalf_openまでの冷却時間
}

// IngestionConfig はインジェストパイプライン設定
type IngestionConfig struct {
	ChunkTokens      int // 1チャンクあたりの目標トークン数
	ChunkOverlap     int // チャンク間のオーバーラップトークン数
	EmbeddingBatch   int // Embedding APIのバッチサイズ
	MaxConcurrent    int // 同時実行するジョブ数の上限
	CrawlMaxDepth    int // クロールの最大深度
	CrawlMaxPages    int // クロールの最大ページ数
	ReadyChunkCount  int // ジョブレコードが古くても配信可能とみなすチャンク数の下限
	GitCloneBaseDir  string
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "chatbot"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "chatbot"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		APIToken: getEnv("CHATBOT_API_TOKEN", ""),
		Server: ServerConfig{
			Port:              getEnvAsInt("HTTP_PORT", 8080),
			HeartbeatInterval: getEnvAsDuration("SSE_HEARTBEAT_INTERVAL", 15*time.Second),
		},
		OpenAI: OpenAIConfig{
			APIKey:             getEnv("OPENAI_API_KEY", ""),
			EmbeddingModel:     getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDimension: getEnvAsInt("OPENAI_EMBEDDING_DIMENSION", 1536),
			LLMModel:           getEnv("OPENAI_LLM_MODEL", "gpt-4o-mini"),
			LLMTimeout:         getEnvAsDuration("OPENAI_LLM_TIMEOUT", 60*time.Second),
		},
		Retrieval: RetrievalConfig{
			SemanticWeight: getEnvAsFloat("RETRIEVAL_SEMANTIC_WEIGHT", 0.7),
			KeywordWeight:  getEnvAsFloat("RETRIEVAL_KEYWORD_WEIGHT", 0.3),
			MinScore:       getEnvAsFloat("RETRIEVAL_MIN_SCORE", 0.1),
			RerankTopN:     getEnvAsInt("RETRIEVAL_RERANK_TOP_N", 0),
			RolloutPercent: getEnvAsInt("RETRIEVAL_V2_ROLLOUT_PERCENT", 0),
			VersionForce:   getEnv("RETRIEVAL_VERSION_FORCE", ""),
		},
		RateLimit: RateLimitConfig{
			Strategy:    getEnv("RATE_LIMIT_STRATEGY", "sliding_window"),
			MaxRequests: getEnvAsInt("RATE_LIMIT_MAX_REQUESTS", 60),
			Window:      getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold: getEnvAsInt("BREAKER_SUCCESS_THRESHOLD", 2),
			Cooldown:         getEnvAsDuration("BREAKER_COOLDOWN", 30*time.Second),
		},
		Ingestion: IngestionConfig{
			ChunkTokens:     getEnvAsInt("INGEST_CHUNK_TOKENS", 600),
			ChunkOverlap:    getEnvAsInt("INGEST_CHUNK_OVERLAP", 100),
			EmbeddingBatch:  getEnvAsInt("INGEST_EMBEDDING_BATCH", 100),
			MaxConcurrent:   getEnvAsInt("INGEST_MAX_CONCURRENT_JOBS", 4),
			CrawlMaxDepth:   getEnvAsInt("CRAWL_MAX_DEPTH", 3),
			CrawlMaxPages:   getEnvAsInt("CRAWL_MAX_PAGES", 100),
			ReadyChunkCount: getEnvAsInt("INGEST_READY_CHUNK_COUNT", 1),
			GitCloneBaseDir: getEnv("GIT_CLONE_DIR", "/var/lib/chatbot-core/repos"),
		},
		Git: GitConfig{
			SSHKeyPath:  getEnv("GIT_SSH_KEY_PATH", ""),
			SSHPassword: getEnv("GIT_SSH_PASSWORD", ""),
		},
	}

	return cfg, nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数をtime.Durationとして取得します（例: "30s", "1m"）
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
