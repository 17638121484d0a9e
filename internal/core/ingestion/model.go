package ingestion

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus はインジェストジョブの状態
// completed / failed / cancelled は終端状態であり、以後変更されない
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// IsTerminal は終端状態かどうかを返す
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// StepKey はパイプラインの各ステージを表す
type StepKey string

const (
	StepSetup     StepKey = "setup"
	StepIngestion StepKey = "ingestion"
	StepChunking  StepKey = "chunking"
	StepEmbedding StepKey = "embedding"
	StepStoring   StepKey = "storing"
	StepDone      StepKey = "done"
)

// StepOrder はステップの実行順序を定義する
// 各ステップは直前のステップが completed になってからのみ開始される
var StepOrder = []StepKey{
	StepSetup,
	StepIngestion,
	StepChunking,
	StepEmbedding,
	StepStoring,
	StepDone,
}

// StepStatus はステップの状態
// queued → running → (completed | failed) の遷移は各ステップにつき一度だけ起こる
type StepStatus string

const (
	StepQueued    StepStatus = "queued"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Job はインジェストジョブを表す
type Job struct {
	ID         uuid.UUID
	TenantID   string
	SourceKind SourceKind
	Status     JobStatus
	// Progress は完了ステップ数 / 総ステップ数（0.0-1.0）
	// キャンセル・失敗までは単調非減少
	Progress  float64
	Message   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GetTenantID は tenant.Scoped を実装します
func (j *Job) GetTenantID() string { return j.TenantID }

// StepRecord はジョブ1件のステージ1つ分の実行記録
type StepRecord struct {
	JobID       uuid.UUID
	Key         StepKey
	Status      StepStatus
	Message     string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// EventType は進捗イベントの種別
type EventType string

const (
	EventStepStarted        EventType = "step.started"
	EventStepCompleted      EventType = "step.completed"
	EventStepFailed         EventType = "step.failed"
	EventPipelineCompleted  EventType = "pipeline.completed"
	EventPipelineCancelled  EventType = "pipeline.cancelled"
)

// Event はストリーミング購読者へ配信される進捗イベント
type Event struct {
	Type      EventType
	JobID     uuid.UUID
	Step      StepKey // パイプラインレベルのイベントでは空
	Timestamp time.Time
	Message   string
	Processed int // 完了ステップ数
	Total     int // 総ステップ数
}
