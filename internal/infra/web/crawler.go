package web

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jinford/chatbot-core/internal/core/ingestion"
)

const (
	// DefaultMaxDepth はクロールの深さ上限のデフォルト値
	DefaultMaxDepth = 3
	// DefaultMaxPages は取得ページ数上限のデフォルト値
	DefaultMaxPages = 100
	// DefaultRequestTimeout は1リクエストあたりのタイムアウト
	DefaultRequestTimeout = 15 * time.Second

	userAgent = "chatbot-core-crawler/1.0"
)

// Crawler はWebクロール用の ingestion.Provider 実装
// 起点URLと同一ホストのページを幅優先でたどり、本文テキストをナレッジとして取り込みます
type Crawler struct {
	httpClient *http.Client
	logger     *slog.Logger
	// ソース側で未指定の場合に適用する上限
	defaultMaxDepth int
	defaultMaxPages int
}

// CrawlerOption は Crawler の設定オプション
type CrawlerOption func(*Crawler)

// WithHTTPClient はHTTPクライアントを差し替えます
func WithHTTPClient(client *http.Client) CrawlerOption {
	return func(c *Crawler) {
		c.httpClient = client
	}
}

// WithLogger はロガーを設定します
func WithLogger(logger *slog.Logger) CrawlerOption {
	return func(c *Crawler) {
		c.logger = logger
	}
}

// WithCrawlLimits はソース側で未指定の場合の深さとページ数の上限を設定します
func WithCrawlLimits(maxDepth, maxPages int) CrawlerOption {
	return func(c *Crawler) {
		if maxDepth > 0 {
			c.defaultMaxDepth = maxDepth
		}
		if maxPages > 0 {
			c.defaultMaxPages = maxPages
		}
	}
}

// NewCrawler は新しい Crawler を作成します
func NewCrawler(opts ...CrawlerOption) *Crawler {
	c := &Crawler{
		httpClient:      &http.Client{Timeout: DefaultRequestTimeout},
		logger:          slog.Default(),
		defaultMaxDepth: DefaultMaxDepth,
		defaultMaxPages: DefaultMaxPages,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ ingestion.Provider = (*Crawler)(nil)

// Kind は ingestion.SourceCrawl を返す
func (c *Crawler) Kind() ingestion.SourceKind {
	return ingestion.SourceCrawl
}

// crawlItem はBFSキューの1エントリ
type crawlItem struct {
	url   *url.URL
	depth int
}

// Fetch は起点URLから同一ホストのページを幅優先で収集します
func (c *Crawler) Fetch(ctx context.Context, source ingestion.DataSource) ([]*ingestion.SourceDocument, error) {
	if source.Crawl == nil {
		return nil, fmt.Errorf("crawl source is not specified")
	}

	start, err := url.Parse(source.Crawl.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse crawl URL: %w", err)
	}
	if start.Scheme != "http" && start.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s", start.Scheme)
	}

	maxDepth := source.Crawl.MaxDepth
	if maxDepth <= 0 {
		maxDepth = c.defaultMaxDepth
	}
	maxPages := source.Crawl.MaxPages
	if maxPages <= 0 {
		maxPages = c.defaultMaxPages
	}

	visited := map[string]bool{start.String(): true}
	queue := []crawlItem{{url: start, depth: 0}}
	var documents []*ingestion.SourceDocument

	for len(queue) > 0 && len(documents) < maxPages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		item := queue[0]
		queue = queue[1:]

		result, err := c.fetchPage(ctx, item.url)
		if err != nil {
			// 個別ページの失敗はクロール全体を止めない
			c.logger.Warn("ページの取得に失敗しました", "url", item.url.String(), "error", err)
			continue
		}

		if result.text != "" {
			title := result.title
			if title == "" {
				title = item.url.String()
			}
			documents = append(documents, &ingestion.SourceDocument{
				Title:       title,
				URL:         item.url.String(),
				Content:     result.text,
				ContentHash: fmt.Sprintf("%x", sha256.Sum256([]byte(result.text))),
				Metadata: map[string]string{
					"depth": strconv.Itoa(item.depth),
				},
			})
		}

		if item.depth >= maxDepth {
			continue
		}
		for _, link := range result.links {
			if link.Host != start.Host {
				continue
			}
			key := link.String()
			if visited[key] {
				continue
			}
			visited[key] = true
			queue = append(queue, crawlItem{url: link, depth: item.depth + 1})
		}
	}

	if len(documents) == 0 {
		return nil, fmt.Errorf("no pages could be fetched from %s", source.Crawl.URL)
	}

	return documents, nil
}

func (c *Crawler) fetchPage(ctx context.Context, pageURL *url.URL) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "text/html") {
		return nil, fmt.Errorf("unsupported content type: %s", contentType)
	}

	result, err := parsePage(resp.Body, pageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}
	return result, nil
}
