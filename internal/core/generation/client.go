package generation

import (
	"context"
	"errors"
)

var (
	// ErrMaxRetriesExceeded はリトライ回数を使い切った場合のエラー
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrEmptyResponse はモデルが空のレスポンスを返した場合のエラー
	ErrEmptyResponse = errors.New("empty completion response")
)

// CompletionRequest はLLMへのリクエスト
type CompletionRequest struct {
	// Prompt はモデルに送信するプロンプト
	Prompt string
	// Model はモデル名（空の場合はクライアントのデフォルト）
	Model string
	// MaxTokens は生成する最大トークン数（0で無制限）
	MaxTokens int
	// Temperature は生成のランダム性（0.0-2.0）
	Temperature float64
	// ResponseFormat に "json" を指定するとJSON形式のレスポンスを要求する
	ResponseFormat string
}

// CompletionResponse はLLMからのレスポンス
type CompletionResponse struct {
	// Content は生成されたテキスト
	Content string
	// TokensUsed は消費された合計トークン数
	TokensUsed int
	// Model は実際に使用されたモデル名
	Model string
}

// Client はLLM呼び出しのインターフェース
type Client interface {
	// GenerateCompletion はテキストを生成する
	GenerateCompletion(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// TokenCounter はテキストのトークン数を数えるインターフェース
type TokenCounter interface {
	CountTokens(text string) int
}
