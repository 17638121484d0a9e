package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/mo"

	"github.com/jinford/chatbot-core/internal/core/ingestion"
)

// JobRepository は ingestion.JobRepository を実装する PostgreSQL リポジトリ
type JobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository は新しいJobRepositoryを作成します
func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

var _ ingestion.JobRepository = (*JobRepository)(nil)

// CreateJob はジョブを登録します
func (r *JobRepository) CreateJob(ctx context.Context, job *ingestion.Job) error {
	query := `
		INSERT INTO ingestion_jobs (id, tenant_id, source_kind, status, progress, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.pool.Exec(ctx, query,
		job.ID, job.TenantID, job.SourceKind, job.Status, job.Progress, job.Message, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create ingestion job: %w", err)
	}
	return nil
}

// GetJob はジョブを返します
func (r *JobRepository) GetJob(ctx context.Context, jobID uuid.UUID) (mo.Option[*ingestion.Job], error) {
	query := `
		SELECT id, tenant_id, source_kind, status, progress, message, created_at, updated_at
		FROM ingestion_jobs
		WHERE id = $1
	`

	var job ingestion.Job
	err := r.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID, &job.TenantID, &job.SourceKind, &job.Status, &job.Progress, &job.Message, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[*ingestion.Job](), nil
	}
	if err != nil {
		return mo.None[*ingestion.Job](), fmt.Errorf("failed to get ingestion job: %w", err)
	}
	return mo.Some(&job), nil
}

// ListJobsByTenant はテナントのジョブ一覧を作成日の降順で返します
func (r *JobRepository) ListJobsByTenant(ctx context.Context, tenantID string) ([]*ingestion.Job, error) {
	query := `
		SELECT id, tenant_id, source_kind, status, progress, message, created_at, updated_at
		FROM ingestion_jobs
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestion jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*ingestion.Job
	for rows.Next() {
		var job ingestion.Job
		if err := rows.Scan(
			&job.ID, &job.TenantID, &job.SourceKind, &job.Status, &job.Progress, &job.Message, &job.CreatedAt, &job.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ingestion job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ingestion jobs: %w", err)
	}
	return jobs, nil
}

// UpdateJobStatus は状態とメッセージを更新します
// 終端状態（completed / failed / cancelled）のジョブは不変です
func (r *JobRepository) UpdateJobStatus(ctx context.Context, jobID uuid.UUID, status ingestion.JobStatus, message string) error {
	query := `
		UPDATE ingestion_jobs
		SET status = $2, message = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`
	if _, err := r.pool.Exec(ctx, query, jobID, status, message); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

// UpdateJobProgress は進捗を更新します（単調非減少）
func (r *JobRepository) UpdateJobProgress(ctx context.Context, jobID uuid.UUID, progress float64) error {
	query := `
		UPDATE ingestion_jobs
		SET progress = GREATEST(progress, $2), updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, jobID, progress); err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// DeleteJobsByTenant はテナントのジョブ・ステップ・イベントを削除します
func (r *JobRepository) DeleteJobsByTenant(ctx context.Context, tenantID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM ingestion_events
		WHERE job_id IN (SELECT id FROM ingestion_jobs WHERE tenant_id = $1)
	`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete ingestion events: %w", err)
	}

	// ステップは外部キーのCASCADEで削除される
	if _, err := r.pool.Exec(ctx, `DELETE FROM ingestion_jobs WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("failed to delete ingestion jobs: %w", err)
	}
	return nil
}

// CreateSteps はステップ記録を定義順で一括登録します
func (r *JobRepository) CreateSteps(ctx context.Context, steps []*ingestion.StepRecord) error {
	query := `
		INSERT INTO ingestion_steps (job_id, step_key, ordinal, status, message)
		VALUES ($1, $2, $3, $4, $5)
	`

	batch := &pgx.Batch{}
	for i, step := range steps {
		batch.Queue(query, step.JobID, step.Key, i, step.Status, step.Message)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range steps {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to create job steps: %w", err)
		}
	}
	return nil
}

// ListSteps はジョブのステップ一覧を定義順で返します
func (r *JobRepository) ListSteps(ctx context.Context, jobID uuid.UUID) ([]*ingestion.StepRecord, error) {
	query := `
		SELECT job_id, step_key, status, message, started_at, completed_at
		FROM ingestion_steps
		WHERE job_id = $1
		ORDER BY ordinal
	`

	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job steps: %w", err)
	}
	defer rows.Close()

	var steps []*ingestion.StepRecord
	for rows.Next() {
		var step ingestion.StepRecord
		if err := rows.Scan(
			&step.JobID, &step.Key, &step.Status, &step.Message, &step.StartedAt, &step.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job step: %w", err)
		}
		steps = append(steps, &step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job steps: %w", err)
	}
	return steps, nil
}

// UpdateStep はステップの状態を更新します
func (r *JobRepository) UpdateStep(ctx context.Context, jobID uuid.UUID, key ingestion.StepKey, status ingestion.StepStatus, message string) error {
	query := `
		UPDATE ingestion_steps
		SET status = $3,
		    message = CASE WHEN $4 = '' THEN message ELSE $4 END,
		    started_at = CASE WHEN $3 = 'running' THEN CURRENT_TIMESTAMP ELSE started_at END,
		    completed_at = CASE WHEN $3 IN ('completed', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE job_id = $1 AND step_key = $2
	`
	if _, err := r.pool.Exec(ctx, query, jobID, key, status, message); err != nil {
		return fmt.Errorf("failed to update job step: %w", err)
	}
	return nil
}

// AppendEvent は進捗イベントを追記します
func (r *JobRepository) AppendEvent(ctx context.Context, event *ingestion.Event) error {
	query := `
		INSERT INTO ingestion_events (job_id, event_type, step_key, message, processed, total, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.pool.Exec(ctx, query,
		event.JobID, event.Type, event.Step, event.Message, event.Processed, event.Total, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append ingestion event: %w", err)
	}
	return nil
}

// ListEventsSince は指定時刻より後のイベントを追記順で返します
func (r *JobRepository) ListEventsSince(ctx context.Context, jobID uuid.UUID, after time.Time) ([]*ingestion.Event, error) {
	query := `
		SELECT event_type, step_key, message, processed, total, ts
		FROM ingestion_events
		WHERE job_id = $1 AND ts > $2
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query, jobID, after)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestion events: %w", err)
	}
	defer rows.Close()

	var events []*ingestion.Event
	for rows.Next() {
		event := &ingestion.Event{JobID: jobID}
		if err := rows.Scan(
			&event.Type, &event.Step, &event.Message, &event.Processed, &event.Total, &event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ingestion event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ingestion events: %w", err)
	}
	return events, nil
}
