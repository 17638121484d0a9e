package answer

import (
	"github.com/google/uuid"
	"github.com/samber/mo"
)

// AskParams は質問応答のパラメータを表す
type AskParams struct {
	TenantID string            // テナントID（必須・形式検証あり）
	UserID   mo.Option[string] // ユーザーID（バージョンルーティングに使用）
	Query    string            // ユーザーの質問文
	TopK     int               // チャンク検索の上限（デフォルト: 5）
}

// Answer は質問応答の結果を表す
type Answer struct {
	Content    string            // LLMによる回答
	Sources    []SourceReference // 参照したソース情報
	Confidence float64           // 回答の確信度（0.0-1.0）
	TokensUsed int               // 消費トークン数
	LatencyMS  int64             // 処理時間（ミリ秒）
	Model      string            // 使用したモデル名
}

// SourceReference は回答の根拠となったソース参照を表す
type SourceReference struct {
	SourceID uuid.UUID         // 取得元データソースID
	Snippet  string            // チャンク本文（先頭部分）
	Score    float64           // 統合スコア
	Metadata map[string]string // url, title など取得元の付帯情報
}

// BatchQuery はバッチ応答の1件の入力を表す
type BatchQuery struct {
	Query     string            // 質問文
	SessionID string            // 会話セッションID
	Metadata  map[string]string // 呼び出し元が付与する任意の情報
}

// BatchItemResult はバッチ応答の1件の結果を表す
// Failed が true の場合、Answer は空で Error に人間可読なメッセージが入る
type BatchItemResult struct {
	Query      string
	Answer     string
	Sources    []SourceReference
	Confidence float64
	TokensUsed int
	LatencyMS  int64
	Failed     bool
	Error      string
}

// BatchResult はバッチ応答全体の結果を表す
// Results の長さと順序は常に入力と一致する
type BatchResult struct {
	Results        []BatchItemResult
	Aggregated     bool // 集約パスで処理されたかどうか
	TotalTokens    int
	TotalLatencyMS int64
}

// ProgressEvent はバッチ処理の進捗イベント
type ProgressEvent struct {
	Completed int    // 処理済みクエリ数
	Total     int    // 総クエリ数
	Query     string // 直近に処理したクエリ
}

// ProgressFunc は進捗イベントの通知先
type ProgressFunc func(ProgressEvent)
