package web

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/url"
	"strings"

	"github.com/jinford/chatbot-core/internal/core/ingestion"
)

// UploadProvider はアップロードされたファイル用の ingestion.Provider 実装
// プレーンテキストとMarkdownはそのまま、HTMLは本文を抽出して取り込みます
type UploadProvider struct{}

// NewUploadProvider は新しい UploadProvider を作成します
func NewUploadProvider() *UploadProvider {
	return &UploadProvider{}
}

var _ ingestion.Provider = (*UploadProvider)(nil)

// Kind は ingestion.SourceUpload を返す
func (p *UploadProvider) Kind() ingestion.SourceKind {
	return ingestion.SourceUpload
}

// Fetch はアップロード内容を1ドキュメントに変換します
func (p *UploadProvider) Fetch(ctx context.Context, source ingestion.DataSource) ([]*ingestion.SourceDocument, error) {
	if source.Upload == nil {
		return nil, fmt.Errorf("upload source is not specified")
	}

	upload := source.Upload
	content := upload.Content

	switch {
	case strings.Contains(upload.ContentType, "text/html"):
		parsed, err := parsePage(strings.NewReader(upload.Content), &url.URL{})
		if err != nil {
			return nil, fmt.Errorf("failed to parse uploaded HTML: %w", err)
		}
		content = parsed.text
	case strings.HasPrefix(upload.ContentType, "text/"), upload.ContentType == "":
		// プレーンテキスト系はそのまま
	default:
		return nil, fmt.Errorf("unsupported content type: %s", upload.ContentType)
	}

	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("uploaded file %s has no text content", upload.FileName)
	}

	return []*ingestion.SourceDocument{
		{
			Title:       upload.FileName,
			URL:         upload.FileName,
			Content:     content,
			ContentHash: fmt.Sprintf("%x", sha256.Sum256([]byte(content))),
			Metadata: map[string]string{
				"content_type": upload.ContentType,
			},
		},
	}, nil
}

// ManualProvider は手動入力されたナレッジ用の ingestion.Provider 実装
type ManualProvider struct{}

// NewManualProvider は新しい ManualProvider を作成します
func NewManualProvider() *ManualProvider {
	return &ManualProvider{}
}

var _ ingestion.Provider = (*ManualProvider)(nil)

// Kind は ingestion.SourceManual を返す
func (p *ManualProvider) Kind() ingestion.SourceKind {
	return ingestion.SourceManual
}

// Fetch は手動入力の内容を1ドキュメントに変換します
func (p *ManualProvider) Fetch(ctx context.Context, source ingestion.DataSource) ([]*ingestion.SourceDocument, error) {
	if source.Manual == nil {
		return nil, fmt.Errorf("manual source is not specified")
	}

	return []*ingestion.SourceDocument{
		{
			Title:       source.Manual.Title,
			Content:     source.Manual.Content,
			ContentHash: fmt.Sprintf("%x", sha256.Sum256([]byte(source.Manual.Content))),
			Metadata:    map[string]string{},
		},
	}, nil
}
