package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/jinford/chatbot-core/cmd/chatbot-core/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 構造化ログの設定
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	envFlag := &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
	tenantFlag := &cli.StringFlag{
		Name:     "tenant",
		Usage:    "テナントID",
		Required: true,
	}

	app := &cli.Command{
		Name:  "chatbot-core",
		Usage: "マルチテナント対応チャットボット基盤の検索・回答生成コア",
		Commands: []*cli.Command{
			{
				Name:      "ask",
				Usage:     "ナレッジベースに質問する",
				ArgsUsage: "<質問文>",
				Flags: []cli.Flag{
					envFlag,
					tenantFlag,
					&cli.StringFlag{
						Name:  "user",
						Usage: "ユーザーID（検索バージョンのルーティングに使用）",
					},
					&cli.IntFlag{
						Name:  "top-k",
						Usage: "検索するチャンク数（省略時は5）",
					},
					&cli.BoolFlag{
						Name:  "show-sources",
						Usage: "参照ソースも表示",
					},
				},
				Action: commands.AskAction,
			},
			{
				Name:  "ingest",
				Usage: "ナレッジ取り込みコマンド",
				Commands: []*cli.Command{
					{
						Name:  "crawl",
						Usage: "Webサイトをクロールして取り込む",
						Flags: []cli.Flag{
							envFlag,
							tenantFlag,
							&cli.StringFlag{
								Name:     "url",
								Usage:    "クロール開始URL",
								Required: true,
							},
							&cli.IntFlag{
								Name:  "max-depth",
								Usage: "クロールの最大深さ（省略時は3）",
							},
							&cli.IntFlag{
								Name:  "max-pages",
								Usage: "クロールの最大ページ数（省略時は100）",
							},
						},
						Action: commands.IngestCrawlAction,
					},
					{
						Name:  "git",
						Usage: "Gitリポジトリを取り込む",
						Flags: []cli.Flag{
							envFlag,
							tenantFlag,
							&cli.StringFlag{
								Name:     "url",
								Usage:    "GitリポジトリURL",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "ref",
								Usage: "ブランチ名またはタグ名（省略時はデフォルトブランチ）",
							},
						},
						Action: commands.IngestGitAction,
					},
					{
						Name:  "status",
						Usage: "取り込みジョブの状態を表示",
						Flags: []cli.Flag{
							envFlag,
							&cli.StringFlag{
								Name:     "job",
								Usage:    "ジョブID",
								Required: true,
							},
						},
						Action: commands.IngestStatusAction,
					},
					{
						Name:  "cancel",
						Usage: "取り込みジョブをキャンセル",
						Flags: []cli.Flag{
							envFlag,
							&cli.StringFlag{
								Name:     "job",
								Usage:    "ジョブID",
								Required: true,
							},
						},
						Action: commands.IngestCancelAction,
					},
				},
			},
			{
				Name:  "tenant",
				Usage: "テナント管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "purge",
						Usage: "テナントの全データを削除",
						Flags: []cli.Flag{
							envFlag,
							tenantFlag,
							&cli.BoolFlag{
								Name:  "yes",
								Usage: "削除を確認",
							},
						},
						Action: commands.TenantPurgeAction,
					},
				},
			},
			{
				Name:  "server",
				Usage: "サーバ関連コマンド",
				Commands: []*cli.Command{
					{
						Name:  "start",
						Usage: "HTTPサーバを起動",
						Flags: []cli.Flag{
							envFlag,
							&cli.IntFlag{
								Name:  "port",
								Usage: "HTTPポート（省略時は環境変数またはデフォルトの8080）",
							},
						},
						Action: commands.ServerStartAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
