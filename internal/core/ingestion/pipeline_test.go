package ingestion_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/chatbot-core/internal/core/ingestion"
	"github.com/jinford/chatbot-core/internal/core/ingestion/chunk"
	"github.com/jinford/chatbot-core/internal/core/retrieval"
	"github.com/jinford/chatbot-core/internal/core/tenant"
	"github.com/jinford/chatbot-core/internal/infra/memory"
)

const testTenantID = "tn_abc123XYZ789"

// stubProvider は固定のドキュメントを返すプロバイダー
type stubProvider struct {
	kind  ingestion.SourceKind
	docs  []*ingestion.SourceDocument
	err   error
	block bool

	once    sync.Once
	started chan struct{}
}

func (p *stubProvider) Kind() ingestion.SourceKind { return p.kind }

func (p *stubProvider) Fetch(ctx context.Context, source ingestion.DataSource) ([]*ingestion.SourceDocument, error) {
	if p.started != nil {
		p.once.Do(func() { close(p.started) })
	}
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.docs, nil
}

// stubChunker は空行区切りでテキストを分割する
type stubChunker struct{}

func (stubChunker) Split(text string) []chunk.Piece {
	if text == "" {
		return nil
	}
	parts := strings.Split(text, "\n\n")
	pieces := make([]chunk.Piece, 0, len(parts))
	for i, part := range parts {
		pieces = append(pieces, chunk.Piece{Content: part, TokenCount: len(part), Ordinal: i})
	}
	return pieces
}

// stubEmbedder は固定次元のダミーベクトルを返す
type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func (stubEmbedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{0.1, 0.2}
	}
	return vectors, nil
}

func (stubEmbedder) MaxBatchSize() int { return 100 }

// stubChunkRepo は保存されたチャンクを保持する retrieval.Repository 実装
type stubChunkRepo struct {
	mu     sync.Mutex
	stored []*retrieval.Chunk
}

func (r *stubChunkRepo) SearchSemantic(ctx context.Context, tenantID string, queryVector []float32, limit int) ([]*retrieval.Result, error) {
	return nil, nil
}

func (r *stubChunkRepo) SearchKeyword(ctx context.Context, tenantID string, query string, limit int) ([]*retrieval.Result, error) {
	return nil, nil
}

func (r *stubChunkRepo) BulkInsert(ctx context.Context, chunks []*retrieval.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored = append(r.stored, chunks...)
	return nil
}

func (r *stubChunkRepo) CountByTenant(ctx context.Context, tenantID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, c := range r.stored {
		if c.TenantID == tenantID {
			count++
		}
	}
	return count, nil
}

func (r *stubChunkRepo) DeleteByTenant(ctx context.Context, tenantID string) (int64, error) {
	return 0, nil
}

func (r *stubChunkRepo) DeleteBySource(ctx context.Context, tenantID string, sourceID uuid.UUID) (int64, error) {
	return 0, nil
}

func (r *stubChunkRepo) chunks() []*retrieval.Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*retrieval.Chunk(nil), r.stored...)
}

type pipelineFixture struct {
	pipeline *ingestion.Pipeline
	jobs     *memory.JobRepository
	repo     *stubChunkRepo
}

func newPipelineFixture(t *testing.T, providers ...ingestion.Provider) *pipelineFixture {
	t.Helper()
	jobs := memory.NewJobRepository()
	repo := &stubChunkRepo{}
	pipeline := ingestion.NewPipeline(
		jobs,
		repo,
		stubEmbedder{},
		tenant.NewIsolationGuard(nil),
		stubChunker{},
		providers,
		ingestion.DefaultConfig(),
		nil,
	)
	return &pipelineFixture{pipeline: pipeline, jobs: jobs, repo: repo}
}

// waitForTerminal はジョブが終端状態になるまで待つ
func waitForTerminal(t *testing.T, jobs *memory.JobRepository, jobID uuid.UUID) *ingestion.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		opt, err := jobs.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		job, ok := opt.Get()
		require.True(t, ok)
		if job.Status.IsTerminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state")
	return nil
}

func manualSource(content string) ingestion.DataSource {
	return ingestion.DataSource{
		Kind:   ingestion.SourceManual,
		Manual: &ingestion.ManualSource{Title: "返金ポリシー", Content: content},
	}
}

func TestPipeline_CompletesJob(t *testing.T) {
	provider := &stubProvider{
		kind: ingestion.SourceManual,
		docs: []*ingestion.SourceDocument{
			{Title: "返金ポリシー", Content: "返金は30日以内。\n\n送料は顧客負担。"},
		},
	}
	f := newPipelineFixture(t, provider)

	job, estimated, err := f.pipeline.Submit(context.Background(), testTenantID, manualSource("x"))
	require.NoError(t, err)
	assert.Equal(t, ingestion.JobQueued, job.Status)
	assert.Equal(t, 1, estimated)

	final := waitForTerminal(t, f.jobs, job.ID)
	assert.Equal(t, ingestion.JobCompleted, final.Status)
	assert.InDelta(t, 1.0, final.Progress, 0.001)

	// 全ステップが定義順に完了している
	steps, err := f.jobs.ListSteps(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, steps, len(ingestion.StepOrder))
	for i, step := range steps {
		assert.Equal(t, ingestion.StepOrder[i], step.Key)
		assert.Equal(t, ingestion.StepCompleted, step.Status)
		require.NotNil(t, step.CompletedAt)
		if i > 0 {
			// 先行ステップより前に完了することはない
			assert.False(t, step.CompletedAt.Before(*steps[i-1].CompletedAt))
		}
	}

	// 保存されたチャンクは全件テナントIDがスタンプされている
	stored := f.repo.chunks()
	require.Len(t, stored, 2)
	for _, c := range stored {
		assert.Equal(t, testTenantID, c.TenantID)
		assert.Equal(t, job.ID, c.SourceID)
		assert.NotEmpty(t, c.Embedding)
		assert.Equal(t, "manual", c.Metadata["kind"])
	}
}

func TestPipeline_EventSequence(t *testing.T) {
	provider := &stubProvider{
		kind: ingestion.SourceManual,
		docs: []*ingestion.SourceDocument{{Title: "t", Content: "本文"}},
	}
	f := newPipelineFixture(t, provider)

	job, _, err := f.pipeline.Submit(context.Background(), testTenantID, manualSource("x"))
	require.NoError(t, err)
	waitForTerminal(t, f.jobs, job.ID)
	f.pipeline.Wait()

	events, err := f.jobs.ListEventsSince(context.Background(), job.ID, time.Time{})
	require.NoError(t, err)

	// step.started / step.completed がステップ順に交互に並び、最後に pipeline.completed が来る
	require.Len(t, events, len(ingestion.StepOrder)*2+1)
	lastProcessed := 0
	for i, key := range ingestion.StepOrder {
		started := events[i*2]
		completed := events[i*2+1]
		assert.Equal(t, ingestion.EventStepStarted, started.Type)
		assert.Equal(t, key, started.Step)
		assert.Equal(t, ingestion.EventStepCompleted, completed.Type)
		assert.Equal(t, key, completed.Step)

		// 進捗は単調非減少
		assert.GreaterOrEqual(t, completed.Processed, lastProcessed)
		lastProcessed = completed.Processed
	}
	final := events[len(events)-1]
	assert.Equal(t, ingestion.EventPipelineCompleted, final.Type)
	assert.Equal(t, len(ingestion.StepOrder), final.Processed)
}

func TestPipeline_StepFailureHaltsJob(t *testing.T) {
	provider := &stubProvider{
		kind: ingestion.SourceManual,
		err:  errors.New("source unreachable"),
	}
	f := newPipelineFixture(t, provider)

	job, _, err := f.pipeline.Submit(context.Background(), testTenantID, manualSource("x"))
	require.NoError(t, err)

	final := waitForTerminal(t, f.jobs, job.ID)
	assert.Equal(t, ingestion.JobFailed, final.Status)
	assert.Contains(t, final.Message, "source unreachable")

	steps, err := f.jobs.ListSteps(context.Background(), job.ID)
	require.NoError(t, err)

	byKey := make(map[ingestion.StepKey]*ingestion.StepRecord)
	for _, step := range steps {
		byKey[step.Key] = step
	}
	assert.Equal(t, ingestion.StepCompleted, byKey[ingestion.StepSetup].Status)
	assert.Equal(t, ingestion.StepFailed, byKey[ingestion.StepIngestion].Status)
	assert.Contains(t, byKey[ingestion.StepIngestion].Message, "source unreachable")
	// 後続ステップは実行されない
	assert.Equal(t, ingestion.StepQueued, byKey[ingestion.StepChunking].Status)
	assert.Equal(t, ingestion.StepQueued, byKey[ingestion.StepDone].Status)

	// 失敗イベントが配信されている
	f.pipeline.Wait()
	events, err := f.jobs.ListEventsSince(context.Background(), job.ID, time.Time{})
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, ingestion.EventStepFailed, last.Type)
	assert.Equal(t, ingestion.StepIngestion, last.Step)
}

func TestPipeline_Cancel(t *testing.T) {
	provider := &stubProvider{
		kind:    ingestion.SourceManual,
		block:   true,
		started: make(chan struct{}),
	}
	f := newPipelineFixture(t, provider)

	job, _, err := f.pipeline.Submit(context.Background(), testTenantID, manualSource("x"))
	require.NoError(t, err)

	// ingestion ステップが実行中になるまで待つ
	select {
	case <-provider.started:
	case <-time.After(5 * time.Second):
		t.Fatal("provider was never invoked")
	}

	require.NoError(t, f.pipeline.Cancel(context.Background(), job.ID))

	final := waitForTerminal(t, f.jobs, job.ID)
	assert.Equal(t, ingestion.JobCancelled, final.Status)

	// 実行中だったステップは "cancelled by user" で失敗扱いになる
	steps, err := f.jobs.ListSteps(context.Background(), job.ID)
	require.NoError(t, err)
	for _, step := range steps {
		if step.Key == ingestion.StepIngestion {
			assert.Equal(t, ingestion.StepFailed, step.Status)
			assert.Equal(t, "cancelled by user", step.Message)
		}
	}

	f.pipeline.Wait()
	events, err := f.jobs.ListEventsSince(context.Background(), job.ID, time.Time{})
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, ingestion.EventPipelineCancelled, last.Type)

	// 終端状態のジョブは再キャンセルできない
	err = f.pipeline.Cancel(context.Background(), job.ID)
	assert.ErrorIs(t, err, ingestion.ErrJobNotCancellable)
}

func TestPipeline_SubmitValidation(t *testing.T) {
	f := newPipelineFixture(t, &stubProvider{kind: ingestion.SourceManual})

	_, _, err := f.pipeline.Submit(context.Background(), "bad-tenant", manualSource("x"))
	assert.Error(t, err)

	_, _, err = f.pipeline.Submit(context.Background(), testTenantID, ingestion.DataSource{Kind: ingestion.SourceCrawl})
	assert.Error(t, err)

	// プロバイダー未登録の種別
	_, _, err = f.pipeline.Submit(context.Background(), testTenantID, ingestion.DataSource{
		Kind: ingestion.SourceGit,
		Git:  &ingestion.GitSource{URL: "https://example.com/docs.git"},
	})
	assert.ErrorContains(t, err, "no provider registered")
}

func TestPipeline_Ready(t *testing.T) {
	provider := &stubProvider{
		kind: ingestion.SourceManual,
		docs: []*ingestion.SourceDocument{{Title: "t", Content: "本文"}},
	}
	f := newPipelineFixture(t, provider)

	job, _, err := f.pipeline.Submit(context.Background(), testTenantID, manualSource("x"))
	require.NoError(t, err)
	waitForTerminal(t, f.jobs, job.ID)

	// 完了したジョブは配信可能
	ready, err := f.pipeline.Ready(context.Background(), testTenantID, job.ID)
	require.NoError(t, err)
	assert.True(t, ready)

	// ジョブ記録が見つからなくても、チャンク数が下限を超えていれば配信可能（回復パス）
	ready, err = f.pipeline.Ready(context.Background(), testTenantID, uuid.New())
	require.NoError(t, err)
	assert.True(t, ready)

	// チャンクのないテナントは配信不可
	ready, err = f.pipeline.Ready(context.Background(), "tn_other0000000X", uuid.New())
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestEstimateMinutes(t *testing.T) {
	tests := []struct {
		name   string
		source ingestion.DataSource
		want   int
	}{
		{
			name: "クロールはページ数に比例",
			source: ingestion.DataSource{
				Kind:  ingestion.SourceCrawl,
				Crawl: &ingestion.CrawlSource{URL: "https://example.com", MaxPages: 60},
			},
			want: 4,
		},
		{
			name: "Gitは固定値",
			source: ingestion.DataSource{
				Kind: ingestion.SourceGit,
				Git:  &ingestion.GitSource{URL: "https://example.com/docs.git"},
			},
			want: 5,
		},
		{
			name:   "手動入力は最小値",
			source: manualSource("x"),
			want:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ingestion.EstimateMinutes(tt.source))
		})
	}
}

func TestDataSource_Validate(t *testing.T) {
	tests := []struct {
		name    string
		source  ingestion.DataSource
		wantErr bool
	}{
		{
			name:   "クロール正常",
			source: ingestion.DataSource{Kind: ingestion.SourceCrawl, Crawl: &ingestion.CrawlSource{URL: "https://example.com"}},
		},
		{
			name:    "クロールURLなし",
			source:  ingestion.DataSource{Kind: ingestion.SourceCrawl, Crawl: &ingestion.CrawlSource{}},
			wantErr: true,
		},
		{
			name:   "アップロード正常",
			source: ingestion.DataSource{Kind: ingestion.SourceUpload, Upload: &ingestion.UploadSource{FileName: "faq.md", Content: "本文"}},
		},
		{
			name:    "アップロード内容なし",
			source:  ingestion.DataSource{Kind: ingestion.SourceUpload, Upload: &ingestion.UploadSource{FileName: "faq.md"}},
			wantErr: true,
		},
		{
			name:    "種別不明",
			source:  ingestion.DataSource{Kind: ingestion.SourceKind("ftp")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.source.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPollWatcher(t *testing.T) {
	jobs := memory.NewJobRepository()
	jobID := uuid.New()
	require.NoError(t, jobs.CreateJob(context.Background(), &ingestion.Job{ID: jobID, TenantID: testTenantID}))

	base := time.Now()
	publish := func(eventType ingestion.EventType, step ingestion.StepKey, offset time.Duration) {
		require.NoError(t, jobs.AppendEvent(context.Background(), &ingestion.Event{
			Type:      eventType,
			JobID:     jobID,
			Step:      step,
			Timestamp: base.Add(offset),
		}))
	}
	publish(ingestion.EventStepStarted, ingestion.StepSetup, 0)
	publish(ingestion.EventStepCompleted, ingestion.StepSetup, time.Millisecond)
	publish(ingestion.EventPipelineCompleted, "", 2*time.Millisecond)

	watcher := ingestion.NewPollWatcher(jobs, 10*time.Millisecond, nil)
	ch, err := watcher.Watch(context.Background(), jobID)
	require.NoError(t, err)

	var received []*ingestion.Event
	for event := range ch {
		received = append(received, event)
	}

	// 購読前のイベントもすべて届き、終端イベントでチャネルが閉じる
	require.Len(t, received, 3)
	assert.Equal(t, ingestion.EventStepStarted, received[0].Type)
	assert.Equal(t, ingestion.EventPipelineCompleted, received[2].Type)
}
