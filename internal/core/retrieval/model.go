package retrieval

import (
	"time"

	"github.com/google/uuid"
)

// Chunk は検索可能なテナント知識ベースの最小単位
// インジェスト時のチャンク化で作成され、保存後は不変。削除はテナント単位の一括削除のみ
type Chunk struct {
	ID          uuid.UUID
	TenantID    string
	SourceID    uuid.UUID
	Content     string
	ContentHash string
	TokenCount  int
	// Metadata は取得元の付帯情報（url, title, kind など）
	Metadata  map[string]string
	Embedding []float32
	CreatedAt time.Time
}

// GetTenantID は tenant.Scoped を実装します
func (c *Chunk) GetTenantID() string { return c.TenantID }

// SetTenantID は tenant.Stampable を実装します
func (c *Chunk) SetTenantID(tenantID string) { c.TenantID = tenantID }

// Result は1クエリに対する検索結果の1件
// クエリごとに生成される一時データであり、永続化されません
type Result struct {
	Chunk         *Chunk
	SemanticScore float64
	KeywordScore  float64
	CombinedScore float64
}

// GetTenantID は tenant.Scoped を実装します
func (r *Result) GetTenantID() string { return r.Chunk.TenantID }
