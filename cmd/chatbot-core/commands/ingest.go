package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/jinford/chatbot-core/internal/core/ingestion"
)

// IngestCrawlAction はWebサイトのクロール取り込みを実行するコマンドのアクション
func IngestCrawlAction(ctx context.Context, cmd *cli.Command) error {
	source := ingestion.DataSource{
		Kind: ingestion.SourceCrawl,
		Crawl: &ingestion.CrawlSource{
			URL:      cmd.String("url"),
			MaxDepth: cmd.Int("max-depth"),
			MaxPages: cmd.Int("max-pages"),
		},
	}
	return runIngest(ctx, cmd, source)
}

// IngestGitAction はGitリポジトリの取り込みを実行するコマンドのアクション
func IngestGitAction(ctx context.Context, cmd *cli.Command) error {
	source := ingestion.DataSource{
		Kind: ingestion.SourceGit,
		Git: &ingestion.GitSource{
			URL: cmd.String("url"),
			Ref: cmd.String("ref"),
		},
	}
	return runIngest(ctx, cmd, source)
}

// runIngest はジョブを投入し、完了まで待機して結果を表示する
func runIngest(ctx context.Context, cmd *cli.Command, source ingestion.DataSource) error {
	tenantID := cmd.String("tenant")
	envFile := cmd.String("env")

	slog.Info("取り込みを開始", "tenant", tenantID, "kind", source.Kind)

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	pipeline := appCtx.Container.Ingestion

	job, estimatedMinutes, err := pipeline.Submit(ctx, tenantID, source)
	if err != nil {
		return fmt.Errorf("ジョブ投入に失敗: %w", err)
	}

	fmt.Printf("ジョブを投入しました: %s (完了予測: 約%d分)\n", job.ID, estimatedMinutes)

	// 進捗イベントを購読して完了まで待機する
	events, err := appCtx.Container.Watcher.Watch(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("進捗の購読に失敗: %w", err)
	}
	for ev := range events {
		switch ev.Type {
		case ingestion.EventStepStarted:
			fmt.Printf("  %s ...\n", ev.Step)
		case ingestion.EventStepCompleted:
			fmt.Printf("  %s 完了 (%d/%d)\n", ev.Step, ev.Processed, ev.Total)
		case ingestion.EventStepFailed:
			return fmt.Errorf("取り込みに失敗: %s", ev.Message)
		case ingestion.EventPipelineCompleted:
			fmt.Println("取り込みが完了しました")
		case ingestion.EventPipelineCancelled:
			fmt.Println("取り込みはキャンセルされました")
		}
	}
	return nil
}

// IngestStatusAction はジョブの状態を表示するコマンドのアクション
func IngestStatusAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	jobID, err := uuid.Parse(cmd.String("job"))
	if err != nil {
		return fmt.Errorf("ジョブIDの形式が不正: %w", err)
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	job, steps, err := appCtx.Container.Ingestion.Status(ctx, jobID)
	if err != nil {
		return err
	}

	fmt.Printf("ジョブ: %s\n", job.ID)
	fmt.Printf("テナント: %s\n", job.TenantID)
	fmt.Printf("ステータス: %s (進捗 %.0f%%)\n", job.Status, job.Progress*100)
	if job.Message != "" {
		fmt.Printf("メッセージ: %s\n", job.Message)
	}
	fmt.Println("ステップ:")
	for _, step := range steps {
		fmt.Printf("  %-12s %s\n", step.Key, step.Status)
	}
	return nil
}

// IngestCancelAction はジョブをキャンセルするコマンドのアクション
func IngestCancelAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	jobID, err := uuid.Parse(cmd.String("job"))
	if err != nil {
		return fmt.Errorf("ジョブIDの形式が不正: %w", err)
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.Ingestion.Cancel(ctx, jobID); err != nil {
		return err
	}

	fmt.Printf("ジョブをキャンセルしました: %s\n", jobID)
	return nil
}
