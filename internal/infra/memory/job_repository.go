package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/chatbot-core/internal/core/ingestion"
)

// JobRepository はインメモリの ingestion.JobRepository 実装
// 単一プロセス構成とテストで使用する
type JobRepository struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*ingestion.Job
	steps  map[uuid.UUID][]*ingestion.StepRecord
	events map[uuid.UUID][]*ingestion.Event
}

// NewJobRepository は新しいJobRepositoryを作成します
func NewJobRepository() *JobRepository {
	return &JobRepository{
		jobs:   make(map[uuid.UUID]*ingestion.Job),
		steps:  make(map[uuid.UUID][]*ingestion.StepRecord),
		events: make(map[uuid.UUID][]*ingestion.Event),
	}
}

// CreateJob はジョブを登録します
func (r *JobRepository) CreateJob(ctx context.Context, job *ingestion.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *job
	r.jobs[job.ID] = &copied
	return nil
}

// GetJob はジョブを返します
func (r *JobRepository) GetJob(ctx context.Context, jobID uuid.UUID) (mo.Option[*ingestion.Job], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return mo.None[*ingestion.Job](), nil
	}
	copied := *job
	return mo.Some(&copied), nil
}

// ListJobsByTenant はテナントのジョブ一覧を返します
func (r *JobRepository) ListJobsByTenant(ctx context.Context, tenantID string) ([]*ingestion.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var jobs []*ingestion.Job
	for _, job := range r.jobs {
		if job.TenantID == tenantID {
			copied := *job
			jobs = append(jobs, &copied)
		}
	}
	return jobs, nil
}

// UpdateJobStatus は状態とメッセージを更新します
// 終端状態のジョブは不変であり、更新は無視されます
func (r *JobRepository) UpdateJobStatus(ctx context.Context, jobID uuid.UUID, status ingestion.JobStatus, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return ingestion.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.Status = status
	job.Message = message
	job.UpdatedAt = time.Now()
	return nil
}

// UpdateJobProgress は進捗を更新します
func (r *JobRepository) UpdateJobProgress(ctx context.Context, jobID uuid.UUID, progress float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return ingestion.ErrJobNotFound
	}
	// 進捗はキャンセル・失敗までは単調非減少
	if progress > job.Progress {
		job.Progress = progress
		job.UpdatedAt = time.Now()
	}
	return nil
}

// DeleteJobsByTenant はテナントのジョブ・ステップ・イベントを削除します
func (r *JobRepository) DeleteJobsByTenant(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, job := range r.jobs {
		if job.TenantID == tenantID {
			delete(r.jobs, id)
			delete(r.steps, id)
			delete(r.events, id)
		}
	}
	return nil
}

// CreateSteps はステップ記録を一括登録します
func (r *JobRepository) CreateSteps(ctx context.Context, steps []*ingestion.StepRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, step := range steps {
		copied := *step
		r.steps[step.JobID] = append(r.steps[step.JobID], &copied)
	}
	return nil
}

// ListSteps はジョブのステップ一覧を登録順で返します
func (r *JobRepository) ListSteps(ctx context.Context, jobID uuid.UUID) ([]*ingestion.StepRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	steps := make([]*ingestion.StepRecord, 0, len(r.steps[jobID]))
	for _, step := range r.steps[jobID] {
		copied := *step
		steps = append(steps, &copied)
	}
	return steps, nil
}

// UpdateStep はステップの状態を更新します
func (r *JobRepository) UpdateStep(ctx context.Context, jobID uuid.UUID, key ingestion.StepKey, status ingestion.StepStatus, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, step := range r.steps[jobID] {
		if step.Key != key {
			continue
		}
		step.Status = status
		if message != "" {
			step.Message = message
		}
		switch status {
		case ingestion.StepRunning:
			step.StartedAt = &now
		case ingestion.StepCompleted, ingestion.StepFailed:
			step.CompletedAt = &now
		}
		return nil
	}
	return ingestion.ErrJobNotFound
}

// AppendEvent はイベントを追記します
func (r *JobRepository) AppendEvent(ctx context.Context, event *ingestion.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *event
	r.events[event.JobID] = append(r.events[event.JobID], &copied)
	return nil
}

// ListEventsSince は指定時刻より後のイベントを追記順で返します
func (r *JobRepository) ListEventsSince(ctx context.Context, jobID uuid.UUID, after time.Time) ([]*ingestion.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []*ingestion.Event
	for _, event := range r.events[jobID] {
		if event.Timestamp.After(after) {
			copied := *event
			events = append(events, &copied)
		}
	}
	return events, nil
}

var _ ingestion.JobRepository = (*JobRepository)(nil)
