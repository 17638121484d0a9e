package answer

import (
	"fmt"
	"strings"

	"github.com/jinford/chatbot-core/internal/core/retrieval"
)

// BuildAnswerPrompt はRAG質問応答用のプロンプトを構築する
func BuildAnswerPrompt(query string, results []*retrieval.Result) string {
	var sb strings.Builder

	// システムプロンプトとガイドライン
	sb.WriteString("あなたはカスタマーサポート用チャットボットのアシスタントです。\n")
	sb.WriteString("以下のコンテキスト情報を基に、ユーザーの質問に正確かつ簡潔に回答してください。\n\n")

	sb.WriteString("## 回答のガイドライン\n")
	sb.WriteString("- コンテキストに含まれる情報のみを使用して回答してください\n")
	sb.WriteString("- コンテキストに情報が不足している場合は、推測せずにその旨を述べてください\n")
	sb.WriteString("- 他の顧客・契約に関する情報には一切言及しないでください\n\n")

	// 関連ナレッジ
	sb.WriteString("## コンテキスト: 関連ナレッジ\n")
	writeContext(&sb, results)

	// ユーザーの質問
	sb.WriteString("## ユーザーの質問\n")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	// 回答セクション
	sb.WriteString("## 回答\n")

	return sb.String()
}

// BuildBatchPrompt は複数質問を1回のモデル呼び出しで処理する複合プロンプトを構築する
// 回答は {"answers": [{"index": 1, "answer": "..."}]} のJSON形式で要求する
func BuildBatchPrompt(queries []BatchQuery, contexts [][]*retrieval.Result) string {
	var sb strings.Builder

	sb.WriteString("あなたはカスタマーサポート用チャットボットのアシスタントです。\n")
	sb.WriteString("以下の複数の独立した質問に、それぞれのコンテキスト情報のみを基に回答してください。\n\n")

	sb.WriteString("## 回答のガイドライン\n")
	sb.WriteString("- 各質問のコンテキストに含まれる情報のみを使用して回答してください\n")
	sb.WriteString("- 情報が不足している場合は、推測せずにその旨を述べてください\n")
	sb.WriteString("- 質問どうしのコンテキストを混在させないでください\n\n")

	sb.WriteString("## 出力形式\n")
	sb.WriteString("次のJSON形式のみで出力してください。answers は質問と同じ数・同じ順序で並べてください。\n")
	sb.WriteString("{\"answers\": [{\"index\": 1, \"answer\": \"質問1への回答\"}, {\"index\": 2, \"answer\": \"質問2への回答\"}]}\n\n")

	for i, q := range queries {
		sb.WriteString(fmt.Sprintf("## 質問 %d\n", i+1))
		sb.WriteString(q.Query)
		sb.WriteString("\n\n")

		sb.WriteString(fmt.Sprintf("### 質問 %d のコンテキスト\n", i+1))
		writeContext(&sb, contexts[i])
	}

	return sb.String()
}

// writeContext は検索結果をプロンプトのコンテキストセクションとして整形する
func writeContext(sb *strings.Builder, results []*retrieval.Result) {
	if len(results) == 0 {
		sb.WriteString("(該当するナレッジはありません)\n\n")
		return
	}

	for i, result := range results {
		sb.WriteString(fmt.Sprintf("### [ナレッジ %d] ", i+1))
		sb.WriteString(formatSourceInfo(result))
		sb.WriteString("\n")
		sb.WriteString(result.Chunk.Content)
		sb.WriteString("\n\n")
	}
}

// formatSourceInfo はナレッジのヘッダー部分を整形する
func formatSourceInfo(result *retrieval.Result) string {
	var parts []string

	if title := result.Chunk.Metadata["title"]; title != "" {
		parts = append(parts, title)
	}
	if url := result.Chunk.Metadata["url"]; url != "" {
		parts = append(parts, fmt.Sprintf("出典: %s", url))
	}
	parts = append(parts, fmt.Sprintf("関連度: %.3f", result.CombinedScore))

	return strings.Join(parts, " | ")
}
