package ingestion

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultPollInterval はイベントテーブルのポーリング間隔
	DefaultPollInterval = 1 * time.Second
)

// Watcher はジョブの進捗イベントを購読するインターフェース
// 返されるチャネルはパイプラインレベルの終端イベント後、
// または購読側のコンテキストキャンセル時に閉じられる
type Watcher interface {
	Watch(ctx context.Context, jobID uuid.UUID) (<-chan *Event, error)
}

// PollWatcher はイベントテーブルを定期的にポーリングして配信するWatcher実装
// 複数プロセス構成でも追加のメッセージ基盤なしで動作する
type PollWatcher struct {
	jobs     JobRepository
	interval time.Duration
	logger   *slog.Logger
}

// NewPollWatcher は新しいPollWatcherを作成する
func NewPollWatcher(jobs JobRepository, interval time.Duration, logger *slog.Logger) *PollWatcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PollWatcher{jobs: jobs, interval: interval, logger: logger}
}

// Watch はジョブの進捗イベントを購読する
// 購読開始以前のイベントもすべて配信されるため、途中参加しても全履歴を受け取れる
func (w *PollWatcher) Watch(ctx context.Context, jobID uuid.UUID) (<-chan *Event, error) {
	if _, err := w.jobs.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	ch := make(chan *Event, 16)
	go w.poll(ctx, jobID, ch)
	return ch, nil
}

func (w *PollWatcher) poll(ctx context.Context, jobID uuid.UUID, ch chan<- *Event) {
	defer close(ch)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var lastSeen time.Time
	for {
		events, err := w.jobs.ListEventsSince(ctx, jobID, lastSeen)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("イベントのポーリングに失敗", "jobID", jobID, "error", err)
		}

		for _, event := range events {
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
			if event.Timestamp.After(lastSeen) {
				lastSeen = event.Timestamp
			}
			if isTerminalEvent(event) {
				return
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// isTerminalEvent は購読を終了させるイベントかどうかを判定する
func isTerminalEvent(event *Event) bool {
	switch event.Type {
	case EventPipelineCompleted, EventPipelineCancelled, EventStepFailed:
		return true
	}
	return false
}
