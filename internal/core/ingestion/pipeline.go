package ingestion

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/chatbot-core/internal/core/ingestion/chunk"
	"github.com/jinford/chatbot-core/internal/core/retrieval"
	"github.com/jinford/chatbot-core/internal/core/tenant"
)

const (
	// DefaultMaxConcurrentJobs は同時に実行されるジョブ数の上限
	DefaultMaxConcurrentJobs = 4
	// DefaultEmbeddingBatchSize はEmbedding APIのデフォルトバッチサイズ
	DefaultEmbeddingBatchSize = 100
	// DefaultReadyChunkCount はジョブ記録が古くても配信可能とみなすチャンク数の下限
	DefaultReadyChunkCount = 1
	// MinBatchSize は最小バッチサイズ（MaxBatchSize()が0を返した場合のフォールバック）
	MinBatchSize = 1
)

// ErrJobNotCancellable は終端状態のジョブへのキャンセル要求エラー
var ErrJobNotCancellable = errors.New("ingestion job is already in a terminal state")

// Chunker はドキュメント本文のチャンク分割インターフェース
// 本番では chunk.Chunker（tiktokenベース）が注入される
type Chunker interface {
	Split(text string) []chunk.Piece
}

// cancelledMessage はキャンセルされた実行中ステップに記録されるメッセージ
const cancelledMessage = "cancelled by user"

// Config はインジェストパイプラインの設定
type Config struct {
	// MaxConcurrentJobs は同時実行ジョブ数（テナント横断）
	MaxConcurrentJobs int
	// EmbeddingBatchSize はEmbeddingバッチサイズ（Embedder.MaxBatchSize()でクリップされる）
	EmbeddingBatchSize int
	// ReadyChunkCount は配信可能判定のフォールバックに使うチャンク数の下限
	ReadyChunkCount int
}

// DefaultConfig はデフォルトのパイプライン設定を返す
func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobs:  DefaultMaxConcurrentJobs,
		EmbeddingBatchSize: DefaultEmbeddingBatchSize,
		ReadyChunkCount:    DefaultReadyChunkCount,
	}
}

// jobState はステップ間で受け渡される実行中ジョブの状態
type jobState struct {
	documents []*SourceDocument
	chunks    []*retrieval.Chunk
}

// Pipeline はインジェストジョブのオーケストレーター
// ジョブ1件のステップは厳密に順次実行され、複数ジョブはテナント横断で並行実行される
type Pipeline struct {
	jobs     JobRepository
	chunks   retrieval.Repository
	embedder retrieval.Embedder
	guard    *tenant.IsolationGuard
	chunker  Chunker
	config   Config
	logger   *slog.Logger

	providers map[SourceKind]Provider

	// sem は同時実行ジョブ数を制御する
	sem chan struct{}

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup

	// 実際に使用するバッチサイズ（Embedder.MaxBatchSize()でクリップ済み）
	effectiveBatchSize int

	// now はテストから時刻を差し替えるためのフック
	now func() time.Time
}

// NewPipeline は新しいPipelineを作成する
func NewPipeline(
	jobs JobRepository,
	chunks retrieval.Repository,
	embedder retrieval.Embedder,
	guard *tenant.IsolationGuard,
	chunker Chunker,
	providers []Provider,
	config Config,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxConcurrentJobs <= 0 {
		config.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if config.ReadyChunkCount <= 0 {
		config.ReadyChunkCount = DefaultReadyChunkCount
	}

	// バッチサイズをEmbedderの最大値でクリップ
	effectiveBatchSize := config.EmbeddingBatchSize
	if effectiveBatchSize <= 0 {
		effectiveBatchSize = DefaultEmbeddingBatchSize
	}
	maxBatchSize := embedder.MaxBatchSize()
	if maxBatchSize <= 0 {
		logger.Warn("Embedder.MaxBatchSize()が無効な値を返しました。フォールバック値を使用します",
			"returned", maxBatchSize,
			"fallback", MinBatchSize,
		)
		maxBatchSize = MinBatchSize
	}
	if effectiveBatchSize > maxBatchSize {
		logger.Info("EmbeddingBatchSizeをEmbedderの最大値でクリップ",
			"configured", effectiveBatchSize,
			"max", maxBatchSize,
		)
		effectiveBatchSize = maxBatchSize
	}

	providerMap := make(map[SourceKind]Provider, len(providers))
	for _, provider := range providers {
		providerMap[provider.Kind()] = provider
	}

	return &Pipeline{
		jobs:               jobs,
		chunks:             chunks,
		embedder:           embedder,
		guard:              guard,
		chunker:            chunker,
		config:             config,
		logger:             logger,
		providers:          providerMap,
		sem:                make(chan struct{}, config.MaxConcurrentJobs),
		cancels:            make(map[uuid.UUID]context.CancelFunc),
		effectiveBatchSize: effectiveBatchSize,
		now:                time.Now,
	}
}

// Submit はジョブを登録してバックグラウンド実行を開始する
// 戻り値はジョブ記録と完了までの見積もり時間（分）
func (p *Pipeline) Submit(ctx context.Context, tenantID string, source DataSource) (*Job, int, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return nil, 0, err
	}
	if err := source.Validate(); err != nil {
		return nil, 0, err
	}
	if _, ok := p.providers[source.Kind]; !ok {
		return nil, 0, fmt.Errorf("no provider registered for source kind %q", source.Kind)
	}

	now := p.now()
	job := &Job{
		ID:         uuid.New(),
		TenantID:   tenantID,
		SourceKind: source.Kind,
		Status:     JobQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := p.jobs.CreateJob(ctx, job); err != nil {
		return nil, 0, fmt.Errorf("failed to create ingestion job: %w", err)
	}

	steps := make([]*StepRecord, 0, len(StepOrder))
	for _, key := range StepOrder {
		steps = append(steps, &StepRecord{JobID: job.ID, Key: key, Status: StepQueued})
	}
	if err := p.jobs.CreateSteps(ctx, steps); err != nil {
		return nil, 0, fmt.Errorf("failed to create job steps: %w", err)
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.cancels[job.ID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(jobCtx, job, source)

	p.logger.Info("インジェストジョブを登録",
		"jobID", job.ID,
		"tenantID", tenantID,
		"sourceKind", source.Kind,
	)

	return job, EstimateMinutes(source), nil
}

// Cancel は実行中または待機中のジョブをキャンセルする
// 終端状態のジョブには ErrJobNotCancellable を返す
func (p *Pipeline) Cancel(ctx context.Context, jobID uuid.UUID) error {
	opt, err := p.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	job, ok := opt.Get()
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return ErrJobNotCancellable
	}

	p.mu.Lock()
	cancel, registered := p.cancels[jobID]
	p.mu.Unlock()

	if registered {
		// 実行ゴルーチンがキャンセルを検知して後片付けを行う
		cancel()
		return nil
	}

	// 実行ゴルーチンが存在しない（プロセス再起動後など）場合は直接終端化する
	return p.markCancelled(ctx, job, "")
}

// Status はジョブの現在の状態とステップ一覧を返す
func (p *Pipeline) Status(ctx context.Context, jobID uuid.UUID) (*Job, []*StepRecord, error) {
	opt, err := p.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load job: %w", err)
	}
	job, ok := opt.Get()
	if !ok {
		return nil, nil, ErrJobNotFound
	}

	steps, err := p.jobs.ListSteps(ctx, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load job steps: %w", err)
	}
	return job, steps, nil
}

// Ready はテナントのナレッジが配信可能かどうかを判定する
// done ステップ完了のほか、インデックス済みチャンク数が下限を超えていれば
// ジョブ記録が古くても配信可能とみなす（更新漏れに対する回復パス）
func (p *Pipeline) Ready(ctx context.Context, tenantID string, jobID uuid.UUID) (bool, error) {
	opt, err := p.jobs.GetJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to load job: %w", err)
	}
	if job, ok := opt.Get(); ok && job.Status == JobCompleted {
		return true, nil
	}

	count, err := p.chunks.CountByTenant(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("failed to count indexed chunks: %w", err)
	}
	return count >= p.config.ReadyChunkCount, nil
}

// Wait は実行中の全ジョブの完了を待つ（シャットダウン用）
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// EstimateMinutes はソース種別からジョブ完了までの時間を見積もる
func EstimateMinutes(source DataSource) int {
	switch source.Kind {
	case SourceCrawl:
		pages := 0
		if source.Crawl != nil {
			pages = source.Crawl.MaxPages
		}
		if pages <= 0 {
			pages = 100
		}
		return pages/20 + 1
	case SourceGit:
		return 5
	default:
		return 1
	}
}

// run はジョブ1件をステップ順に実行する
func (p *Pipeline) run(ctx context.Context, job *Job, source DataSource) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, job.ID)
		p.mu.Unlock()
	}()

	// 同時実行数の枠が空くまで待つ（待機中もキャンセル可能）
	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		if err := p.markCancelled(context.WithoutCancel(ctx), job, ""); err != nil {
			p.logger.Error("キャンセル処理に失敗", "jobID", job.ID, "error", err)
		}
		return
	}

	bg := context.WithoutCancel(ctx)

	if err := p.jobs.UpdateJobStatus(bg, job.ID, JobProcessing, ""); err != nil {
		p.logger.Error("ジョブ状態の更新に失敗", "jobID", job.ID, "error", err)
	}

	state := &jobState{}
	for i, key := range StepOrder {
		if err := p.runStep(ctx, job, source, key, i, state); err != nil {
			if errors.Is(err, context.Canceled) {
				if cerr := p.markCancelled(bg, job, key); cerr != nil {
					p.logger.Error("キャンセル処理に失敗", "jobID", job.ID, "error", cerr)
				}
				return
			}
			p.markFailed(bg, job, key, err)
			return
		}
	}

	if err := p.jobs.UpdateJobStatus(bg, job.ID, JobCompleted, ""); err != nil {
		p.logger.Error("ジョブ状態の更新に失敗", "jobID", job.ID, "error", err)
	}
	p.publish(bg, &Event{
		Type:      EventPipelineCompleted,
		JobID:     job.ID,
		Timestamp: p.now(),
		Processed: len(StepOrder),
		Total:     len(StepOrder),
	})

	p.logger.Info("インジェストジョブが完了",
		"jobID", job.ID,
		"tenantID", job.TenantID,
		"documents", len(state.documents),
		"chunks", len(state.chunks),
	)
}

// runStep は1ステップを queued → running → (completed | failed) と遷移させる
func (p *Pipeline) runStep(ctx context.Context, job *Job, source DataSource, key StepKey, index int, state *jobState) error {
	bg := context.WithoutCancel(ctx)

	if err := p.jobs.UpdateStep(bg, job.ID, key, StepRunning, ""); err != nil {
		return fmt.Errorf("failed to mark step running: %w", err)
	}
	p.publish(bg, &Event{
		Type:      EventStepStarted,
		JobID:     job.ID,
		Step:      key,
		Timestamp: p.now(),
		Processed: index,
		Total:     len(StepOrder),
	})

	message, err := p.executeStep(ctx, job, source, key, state)
	if err != nil {
		stepMessage := err.Error()
		if errors.Is(err, context.Canceled) {
			stepMessage = cancelledMessage
		}
		if uerr := p.jobs.UpdateStep(bg, job.ID, key, StepFailed, stepMessage); uerr != nil {
			p.logger.Error("ステップ状態の更新に失敗", "jobID", job.ID, "step", key, "error", uerr)
		}
		return err
	}

	if err := p.jobs.UpdateStep(bg, job.ID, key, StepCompleted, message); err != nil {
		return fmt.Errorf("failed to mark step completed: %w", err)
	}

	progress := float64(index+1) / float64(len(StepOrder))
	if err := p.jobs.UpdateJobProgress(bg, job.ID, progress); err != nil {
		p.logger.Error("進捗の更新に失敗", "jobID", job.ID, "error", err)
	}

	p.publish(bg, &Event{
		Type:      EventStepCompleted,
		JobID:     job.ID,
		Step:      key,
		Timestamp: p.now(),
		Message:   message,
		Processed: index + 1,
		Total:     len(StepOrder),
	})
	return nil
}

// executeStep は各ステージの本体処理を実行する
func (p *Pipeline) executeStep(ctx context.Context, job *Job, source DataSource, key StepKey, state *jobState) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch key {
	case StepSetup:
		return "", p.stepSetup(job, source)
	case StepIngestion:
		return p.stepIngestion(ctx, source, state)
	case StepChunking:
		return p.stepChunking(job, state)
	case StepEmbedding:
		return p.stepEmbedding(ctx, state)
	case StepStoring:
		return p.stepStoring(ctx, job, state)
	case StepDone:
		return p.stepDone(ctx, job, state)
	default:
		return "", fmt.Errorf("unknown step key: %q", key)
	}
}

func (p *Pipeline) stepSetup(job *Job, source DataSource) error {
	if err := tenant.ValidateID(job.TenantID); err != nil {
		return err
	}
	if _, ok := p.providers[source.Kind]; !ok {
		return fmt.Errorf("no provider registered for source kind %q", source.Kind)
	}
	return nil
}

func (p *Pipeline) stepIngestion(ctx context.Context, source DataSource, state *jobState) (string, error) {
	provider := p.providers[source.Kind]
	documents, err := provider.Fetch(ctx, source)
	if err != nil {
		return "", fmt.Errorf("failed to fetch documents: %w", err)
	}
	state.documents = documents
	return fmt.Sprintf("%d documents fetched", len(documents)), nil
}

func (p *Pipeline) stepChunking(job *Job, state *jobState) (string, error) {
	chunks := make([]*retrieval.Chunk, 0, len(state.documents))
	for _, doc := range state.documents {
		for _, piece := range p.chunker.Split(doc.Content) {
			metadata := map[string]string{
				"kind": string(job.SourceKind),
			}
			if doc.Title != "" {
				metadata["title"] = doc.Title
			}
			if doc.URL != "" {
				metadata["url"] = doc.URL
			}
			for k, v := range doc.Metadata {
				metadata[k] = v
			}

			chunks = append(chunks, &retrieval.Chunk{
				ID:          uuid.New(),
				SourceID:    job.ID,
				Content:     piece.Content,
				ContentHash: computeContentHash(piece.Content),
				TokenCount:  piece.TokenCount,
				Metadata:    metadata,
				CreatedAt:   p.now(),
			})
		}
	}

	// 書き込み境界では呼び出し元の値を信用せず必ずスタンプし直す
	stampable := make([]tenant.Stampable, len(chunks))
	for i, c := range chunks {
		stampable[i] = c
	}
	if err := p.guard.StampForWrite(stampable, job.TenantID); err != nil {
		return "", err
	}

	state.chunks = chunks
	return fmt.Sprintf("%d chunks created", len(chunks)), nil
}

func (p *Pipeline) stepEmbedding(ctx context.Context, state *jobState) (string, error) {
	for start := 0; start < len(state.chunks); start += p.effectiveBatchSize {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		end := start + p.effectiveBatchSize
		if end > len(state.chunks) {
			end = len(state.chunks)
		}
		batch := state.chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}

		vectors, err := p.embedder.BatchEmbed(ctx, texts)
		if err != nil {
			return "", fmt.Errorf("failed to generate embeddings: %w", err)
		}
		if len(vectors) != len(batch) {
			return "", fmt.Errorf("embedding count mismatch: expected %d, got %d", len(batch), len(vectors))
		}

		for i, vector := range vectors {
			batch[i].Embedding = vector
		}
	}
	return fmt.Sprintf("%d embeddings generated", len(state.chunks)), nil
}

func (p *Pipeline) stepStoring(ctx context.Context, job *Job, state *jobState) (string, error) {
	if len(state.chunks) == 0 {
		return "no chunks to store", nil
	}
	if err := p.chunks.BulkInsert(ctx, state.chunks); err != nil {
		return "", fmt.Errorf("failed to store chunks: %w", err)
	}
	return fmt.Sprintf("%d chunks stored", len(state.chunks)), nil
}

func (p *Pipeline) stepDone(ctx context.Context, job *Job, state *jobState) (string, error) {
	count, err := p.chunks.CountByTenant(ctx, job.TenantID)
	if err != nil {
		return "", fmt.Errorf("failed to verify indexed chunks: %w", err)
	}
	return fmt.Sprintf("%d chunks indexed for tenant", count), nil
}

// markFailed はステップ失敗に伴うジョブの終端化を行う
func (p *Pipeline) markFailed(ctx context.Context, job *Job, key StepKey, cause error) {
	message := fmt.Sprintf("step %s failed: %v", key, cause)
	if err := p.jobs.UpdateJobStatus(ctx, job.ID, JobFailed, message); err != nil {
		p.logger.Error("ジョブ状態の更新に失敗", "jobID", job.ID, "error", err)
	}
	p.publish(ctx, &Event{
		Type:      EventStepFailed,
		JobID:     job.ID,
		Step:      key,
		Timestamp: p.now(),
		Message:   message,
		Total:     len(StepOrder),
	})
	p.logger.Error("インジェストジョブが失敗",
		"jobID", job.ID,
		"tenantID", job.TenantID,
		"step", key,
		"error", cause,
	)
}

// markCancelled はキャンセルに伴うジョブの終端化を行う
// key が空の場合は実行中ステップなしでのキャンセル（待機中のジョブ）
func (p *Pipeline) markCancelled(ctx context.Context, job *Job, key StepKey) error {
	if err := p.jobs.UpdateJobStatus(ctx, job.ID, JobCancelled, cancelledMessage); err != nil {
		return fmt.Errorf("failed to mark job cancelled: %w", err)
	}
	p.publish(ctx, &Event{
		Type:      EventPipelineCancelled,
		JobID:     job.ID,
		Step:      key,
		Timestamp: p.now(),
		Message:   cancelledMessage,
		Total:     len(StepOrder),
	})
	p.logger.Info("インジェストジョブをキャンセル", "jobID", job.ID, "tenantID", job.TenantID)
	return nil
}

// publish はイベントをポーリング配信用テーブルへ追記する
func (p *Pipeline) publish(ctx context.Context, event *Event) {
	if err := p.jobs.AppendEvent(ctx, event); err != nil {
		p.logger.Error("イベントの追記に失敗",
			"jobID", event.JobID,
			"type", event.Type,
			"error", err,
		)
	}
}

// computeContentHash はコンテンツのSHA256ハッシュを計算する
func computeContentHash(content string) string {
	hash := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", hash)
}
