package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jinford/chatbot-core/internal/platform/config"
)

// Database はデータベース接続プールを保持します
type Database struct {
	Pool *pgxpool.Pool
}

// New は新しいデータベース接続を作成します
func New(ctx context.Context, params config.DatabaseConfig) (*Database, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		params.Host,
		params.Port,
		params.User,
		params.Password,
		params.DBName,
		params.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// 接続テスト
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{Pool: pool}, nil
}

// Close はデータベース接続を閉じます
func (db *Database) Close() {
	db.Pool.Close()
}

// Ping は接続の健全性を確認します（ヘルスチェック用）
func (db *Database) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
