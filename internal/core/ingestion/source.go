package ingestion

import (
	"context"
	"fmt"
)

// SourceKind はデータソースの種別
type SourceKind string

const (
	// SourceCrawl はWebサイトのクロール
	SourceCrawl SourceKind = "crawl"
	// SourceUpload はファイルアップロード
	SourceUpload SourceKind = "upload"
	// SourceManual は管理画面からの手動入力
	SourceManual SourceKind = "manual"
	// SourceGit はGitリポジトリ内のドキュメント
	SourceGit SourceKind = "git"
)

// DataSource はインジェスト対象の指定
// Kind に対応するフィールドのみが設定される
type DataSource struct {
	Kind   SourceKind
	Crawl  *CrawlSource
	Upload *UploadSource
	Manual *ManualSource
	Git    *GitSource
}

// CrawlSource はクロール対象の指定
type CrawlSource struct {
	URL      string
	MaxDepth int // 0 でデフォルト値
	MaxPages int // 0 でデフォルト値
}

// UploadSource はアップロードされたファイルの指定
type UploadSource struct {
	FileName    string
	ContentType string
	Content     string
}

// ManualSource は手動入力されたナレッジの指定
type ManualSource struct {
	Title   string
	Content string
}

// GitSource はGitリポジトリの指定
type GitSource struct {
	URL string
	Ref string // 空の場合はデフォルトブランチ
}

// Validate は Kind と対応フィールドの整合性を検証する
func (s DataSource) Validate() error {
	switch s.Kind {
	case SourceCrawl:
		if s.Crawl == nil || s.Crawl.URL == "" {
			return fmt.Errorf("crawl source requires a URL")
		}
	case SourceUpload:
		if s.Upload == nil || s.Upload.FileName == "" || s.Upload.Content == "" {
			return fmt.Errorf("upload source requires a file name and content")
		}
	case SourceManual:
		if s.Manual == nil || s.Manual.Content == "" {
			return fmt.Errorf("manual source requires content")
		}
	case SourceGit:
		if s.Git == nil || s.Git.URL == "" {
			return fmt.Errorf("git source requires a repository URL")
		}
	default:
		return fmt.Errorf("unknown source kind: %q", s.Kind)
	}
	return nil
}

// SourceDocument はソースから取得された1件のドキュメント
type SourceDocument struct {
	Title       string
	URL         string // 取得元（WebページURL、ファイル名、リポジトリ内パスなど）
	Content     string
	ContentHash string
	Metadata    map[string]string
}

// Provider はソース種別ごとのドキュメント取得を提供するインターフェース
// crawl / upload / manual / git の各種別に対応する拡張ポイント
type Provider interface {
	// Kind は対応するソース種別を返す
	Kind() SourceKind

	// Fetch はソースからドキュメント一覧を取得する
	Fetch(ctx context.Context, source DataSource) ([]*SourceDocument, error)
}
