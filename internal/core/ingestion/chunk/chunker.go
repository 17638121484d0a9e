package chunk

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// DefaultChunkTokens はチャンク1つあたりの目標トークン数
	DefaultChunkTokens = 600
	// DefaultOverlapTokens は隣接チャンク間で重複させるトークン数
	DefaultOverlapTokens = 100
)

// Piece は分割されたチャンク1つ分のテキスト
type Piece struct {
	Content    string
	TokenCount int
	Ordinal    int
}

// Chunker はトークン数ベースでテキストを分割します
// 文脈の連続性を保つため、隣接するチャンクはオーバーラップ分だけ重複します
type Chunker struct {
	encoder     *tiktoken.Tiktoken
	chunkTokens int
	overlap     int
}

// NewChunker は新しいChunkerを作成します
// chunkTokens / overlap に0以下を指定するとデフォルト値が使われます
func NewChunker(chunkTokens, overlap int) (*Chunker, error) {
	// cl100k_baseエンコーダを使用（OpenAIのtext-embedding-3-smallと互換）
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoder: %w", err)
	}

	if chunkTokens <= 0 {
		chunkTokens = DefaultChunkTokens
	}
	if overlap < 0 || overlap >= chunkTokens {
		overlap = DefaultOverlapTokens
	}

	return &Chunker{
		encoder:     encoder,
		chunkTokens: chunkTokens,
		overlap:     overlap,
	}, nil
}

// Split はテキストをトークン窓で分割します
// 空文字列は0件、チャンクサイズ以下のテキストは1件になります
func (c *Chunker) Split(text string) []Piece {
	if text == "" {
		return nil
	}

	tokens := c.encoder.Encode(text, nil, nil)
	if len(tokens) <= c.chunkTokens {
		return []Piece{{Content: text, TokenCount: len(tokens), Ordinal: 0}}
	}

	step := c.chunkTokens - c.overlap
	pieces := make([]Piece, 0, len(tokens)/step+1)

	for start := 0; start < len(tokens); start += step {
		end := start + c.chunkTokens
		if end > len(tokens) {
			end = len(tokens)
		}

		window := tokens[start:end]
		pieces = append(pieces, Piece{
			Content:    c.encoder.Decode(window),
			TokenCount: len(window),
			Ordinal:    len(pieces),
		})

		if end == len(tokens) {
			break
		}
	}

	return pieces
}

// CountTokens はテキストのトークン数を返します
func (c *Chunker) CountTokens(text string) int {
	return len(c.encoder.Encode(text, nil, nil))
}
