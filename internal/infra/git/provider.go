package git

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jinford/chatbot-core/internal/core/ingestion"
)

const (
	// DefaultBranch は Ref が未指定の場合に使うブランチ名
	DefaultBranch = "main"

	// maxFileSize を超えるファイルはナレッジとして取り込まない
	maxFileSize = 1 << 20
)

// Provider は Git ソース用の ingestion.Provider 実装
// テナントが指定したリポジトリをクローンし、テキストファイルをナレッジとして取り込みます
type Provider struct {
	client        *Client
	cloneBaseDir  string
	defaultBranch string
}

// NewProvider は新しい Git Provider を作成する
func NewProvider(client *Client, cloneBaseDir string) *Provider {
	return &Provider{
		client:        client,
		cloneBaseDir:  cloneBaseDir,
		defaultBranch: DefaultBranch,
	}
}

var _ ingestion.Provider = (*Provider)(nil)

// Kind は ingestion.SourceGit を返す
func (p *Provider) Kind() ingestion.SourceKind {
	return ingestion.SourceGit
}

// Fetch は Git リポジトリからドキュメント一覧を取得する
func (p *Provider) Fetch(ctx context.Context, source ingestion.DataSource) ([]*ingestion.SourceDocument, error) {
	if source.Git == nil {
		return nil, fmt.Errorf("git source is not specified")
	}

	ref := source.Git.Ref
	if ref == "" {
		ref = p.defaultBranch
	}

	dirName, err := p.client.URLToDirectoryName(source.Git.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to generate directory name from URL: %w", err)
	}

	repoPath := filepath.Join(p.cloneBaseDir, dirName)
	if err := p.client.CloneOrPull(ctx, source.Git.URL, repoPath, ref); err != nil {
		return nil, fmt.Errorf("failed to clone/pull repository: %w", err)
	}

	commitInfo, err := p.client.GetCommitInfo(ctx, repoPath, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to get commit info: %w", err)
	}

	files, err := p.client.ListFiles(ctx, repoPath, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	ignoreFilter, err := NewIgnoreFilter(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create ignore filter: %w", err)
	}

	var documents []*ingestion.SourceDocument
	for _, fileInfo := range files {
		if fileInfo.Size > maxFileSize {
			continue
		}
		if ignoreFilter.ShouldIgnore(fileInfo.Path) {
			continue
		}

		content, err := p.client.ReadFile(ctx, repoPath, ref, fileInfo.Path)
		if err != nil {
			// 読めないファイルはスキップ
			continue
		}
		if ShouldSkipContent(fileInfo.Path, []byte(content)) {
			continue
		}

		documents = append(documents, &ingestion.SourceDocument{
			Title:       filepath.Base(fileInfo.Path),
			URL:         fileInfo.Path,
			Content:     content,
			ContentHash: fileInfo.ContentHash,
			Metadata: map[string]string{
				"repository": strings.TrimSuffix(source.Git.URL, ".git"),
				"ref":        ref,
				"commit":     commitInfo.Hash,
				"path":       fileInfo.Path,
			},
		})
	}

	return documents, nil
}
