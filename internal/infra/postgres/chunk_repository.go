package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/jinford/chatbot-core/internal/core/retrieval"
)

// ChunkRepository は retrieval.Repository を実装する PostgreSQL リポジトリ
// 全クエリがテナントIDで絞り込まれます
type ChunkRepository struct {
	pool *pgxpool.Pool
}

// NewChunkRepository は新しいChunkRepositoryを作成します
func NewChunkRepository(pool *pgxpool.Pool) *ChunkRepository {
	return &ChunkRepository{pool: pool}
}

var _ retrieval.Repository = (*ChunkRepository)(nil)

// SearchSemantic はpgvectorのコサイン距離による近似最近傍検索を実行します
func (r *ChunkRepository) SearchSemantic(ctx context.Context, tenantID string, queryVector []float32, limit int) ([]*retrieval.Result, error) {
	query := `
		SELECT id, tenant_id, source_id, content, content_hash, token_count, metadata, created_at,
		       1 - (embedding <=> $2) AS score
		FROM chunks
		WHERE tenant_id = $1 AND embedding IS NOT NULL
		ORDER BY embedding <=> $2
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, tenantID, pgvector.NewVector(queryVector), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks semantically: %w", err)
	}
	defer rows.Close()

	return scanResults(rows, func(result *retrieval.Result, score float64) {
		result.SemanticScore = score
	})
}

// SearchKeyword はtsvectorの全文検索を実行します
func (r *ChunkRepository) SearchKeyword(ctx context.Context, tenantID string, queryText string, limit int) ([]*retrieval.Result, error) {
	query := `
		SELECT id, tenant_id, source_id, content, content_hash, token_count, metadata, created_at,
		       ts_rank(content_tsv, plainto_tsquery('simple', $2)) AS score
		FROM chunks
		WHERE tenant_id = $1 AND content_tsv @@ plainto_tsquery('simple', $2)
		ORDER BY score DESC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, tenantID, queryText, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks by keyword: %w", err)
	}
	defer rows.Close()

	return scanResults(rows, func(result *retrieval.Result, score float64) {
		result.KeywordScore = score
	})
}

// BulkInsert はチャンクを一括保存します
func (r *ChunkRepository) BulkInsert(ctx context.Context, chunks []*retrieval.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	query := `
		INSERT INTO chunks (id, tenant_id, source_id, content, content_hash, token_count, metadata, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	batch := &pgx.Batch{}
	for _, chunk := range chunks {
		metadata, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk metadata: %w", err)
		}
		batch.Queue(query,
			chunk.ID,
			chunk.TenantID,
			chunk.SourceID,
			chunk.Content,
			chunk.ContentHash,
			chunk.TokenCount,
			metadata,
			pgvector.NewVector(chunk.Embedding),
			chunk.CreatedAt,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert chunks: %w", err)
		}
	}
	return nil
}

// CountByTenant はテナントのインデックス済みチャンク数を返します
func (r *ChunkRepository) CountByTenant(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks WHERE tenant_id = $1`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

// DeleteByTenant はテナントの全チャンクを削除します
func (r *ChunkRepository) DeleteByTenant(ctx context.Context, tenantID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM chunks WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks by tenant: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteBySource は特定ソース由来のチャンクを削除します
func (r *ChunkRepository) DeleteBySource(ctx context.Context, tenantID string, sourceID uuid.UUID) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM chunks WHERE tenant_id = $1 AND source_id = $2`, tenantID, sourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks by source: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanResults は検索行を retrieval.Result に変換します
func scanResults(rows pgx.Rows, assign func(*retrieval.Result, float64)) ([]*retrieval.Result, error) {
	var results []*retrieval.Result
	for rows.Next() {
		var (
			chunk       retrieval.Chunk
			rawMetadata []byte
			score       float64
		)
		if err := rows.Scan(
			&chunk.ID,
			&chunk.TenantID,
			&chunk.SourceID,
			&chunk.Content,
			&chunk.ContentHash,
			&chunk.TokenCount,
			&rawMetadata,
			&chunk.CreatedAt,
			&score,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}

		if len(rawMetadata) > 0 {
			if err := json.Unmarshal(rawMetadata, &chunk.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal chunk metadata: %w", err)
			}
		}

		result := &retrieval.Result{Chunk: &chunk}
		assign(result, score)
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunk rows: %w", err)
	}
	return results, nil
}
