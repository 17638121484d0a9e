package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"
)

// TenantPurgeAction はテナントの全データを削除するコマンドのアクション
// チャンクとインジェストジョブの両方を消す。取り消しはできない
func TenantPurgeAction(ctx context.Context, cmd *cli.Command) error {
	tenantID := cmd.String("tenant")
	envFile := cmd.String("env")

	if !cmd.Bool("yes") {
		return fmt.Errorf("--yes フラグを付けて削除を確認してください")
	}

	slog.Info("テナントデータの削除を開始", "tenant", tenantID)

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	deleted, err := appCtx.Container.ChunkRepo.DeleteByTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("チャンク削除に失敗: %w", err)
	}
	if err := appCtx.Container.JobRepo.DeleteJobsByTenant(ctx, tenantID); err != nil {
		return fmt.Errorf("ジョブ削除に失敗: %w", err)
	}

	fmt.Printf("テナント %s のデータを削除しました（チャンク %d 件）\n", tenantID, deleted)
	return nil
}
