package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// ErrJobNotFound は指定したジョブが存在しない場合のエラー
var ErrJobNotFound = errors.New("ingestion job not found")

// JobRepository はジョブ・ステップ・イベントのデータアクセスを統合するインターフェース
// テスト時のモック用に消費者側で定義
type JobRepository interface {
	// Job
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID uuid.UUID) (mo.Option[*Job], error)
	ListJobsByTenant(ctx context.Context, tenantID string) ([]*Job, error)
	// UpdateJobStatus は状態とメッセージを更新する。終端状態のジョブは更新されない
	UpdateJobStatus(ctx context.Context, jobID uuid.UUID, status JobStatus, message string) error
	UpdateJobProgress(ctx context.Context, jobID uuid.UUID, progress float64) error
	DeleteJobsByTenant(ctx context.Context, tenantID string) error

	// Step
	CreateSteps(ctx context.Context, steps []*StepRecord) error
	ListSteps(ctx context.Context, jobID uuid.UUID) ([]*StepRecord, error)
	UpdateStep(ctx context.Context, jobID uuid.UUID, key StepKey, status StepStatus, message string) error

	// Event（ポーリング配信用の追記テーブル）
	AppendEvent(ctx context.Context, event *Event) error
	ListEventsSince(ctx context.Context, jobID uuid.UUID, after time.Time) ([]*Event, error)
}
