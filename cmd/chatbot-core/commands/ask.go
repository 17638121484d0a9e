package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/mo"
	"github.com/urfave/cli/v3"

	"github.com/jinford/chatbot-core/internal/core/answer"
)

// AskAction は質問応答コマンドのアクション
func AskAction(ctx context.Context, cmd *cli.Command) error {
	tenantID := cmd.String("tenant")
	userID := cmd.String("user")
	topK := cmd.Int("top-k")
	showSources := cmd.Bool("show-sources")
	envFile := cmd.String("env")

	// 質問文の取得
	question := cmd.Args().First()
	if question == "" {
		return fmt.Errorf("質問文を指定してください")
	}

	slog.Info("質問応答を開始",
		"tenant", tenantID,
		"question", question,
		"showSources", showSources,
	)

	// 共通コンテキストの初期化
	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	params := answer.AskParams{
		TenantID: tenantID,
		Query:    question,
		TopK:     topK,
	}
	if userID != "" {
		params.UserID = mo.Some(userID)
	}

	result, err := appCtx.Container.Answers.Ask(ctx, params)
	if err != nil {
		slog.Error("質問応答に失敗しました", "error", err)
		return err
	}

	// 結果出力
	fmt.Println(result.Content)
	fmt.Printf("\n確信度: %.2f / トークン: %d / モデル: %s\n",
		result.Confidence, result.TokensUsed, result.Model)

	// --show-sourcesフラグが指定されている場合、参照ソースも出力
	if showSources && len(result.Sources) > 0 {
		fmt.Println("\n--- 参照ソース ---")
		for i, source := range result.Sources {
			title := source.Metadata["title"]
			if title == "" {
				title = source.Metadata["url"]
			}
			fmt.Printf("[%d] %s スコア: %.4f\n", i+1, title, source.Score)
		}
	}

	slog.Info("質問応答が完了しました")
	return nil
}
