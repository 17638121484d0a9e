package tenant

import (
	"fmt"
	"log/slog"
)

// Scoped はテナントに属するドキュメントが実装するインターフェース
type Scoped interface {
	GetTenantID() string
}

// Stampable は書き込み時にテナント識別子を刻印できるドキュメント
type Stampable interface {
	Scoped
	SetTenantID(tenantID string)
}

// IsolationViolationError はテナント境界を越えたデータが観測されたことを表します
// このエラーはリクエストにとって致命的であり、検知したデータを静かに除外してはなりません
type IsolationViolationError struct {
	Expected string
	Actual   string
	Ref      string // 違反したドキュメントの識別情報（ログ用）
}

func (e *IsolationViolationError) Error() string {
	return fmt.Sprintf("tenant isolation violation: expected %s, got %s (ref=%s)", e.Expected, e.Actual, e.Ref)
}

// IsolationGuard はストレージ境界を越える全ドキュメントのテナント刻印と検証を行います
// 書き込み・読み取りの両側で必ずこのゲートを通すことで、構造的に隔離を保証します
type IsolationGuard struct {
	logger *slog.Logger
}

// NewIsolationGuard は新しいIsolationGuardを作成します
func NewIsolationGuard(logger *slog.Logger) *IsolationGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &IsolationGuard{logger: logger}
}

// StampForWrite は書き込み対象ドキュメントに無条件でテナント識別子を刻印します
// 呼び出し元が設定した値は信用せず、常に上書きします
func (g *IsolationGuard) StampForWrite(docs []Stampable, tenantID string) error {
	if err := ValidateID(tenantID); err != nil {
		return err
	}
	for _, doc := range docs {
		doc.SetTenantID(tenantID)
	}
	return nil
}

// ValidateForRead はストレージから返された全ドキュメントのテナント識別子を検査します
// ひとつでも一致しないドキュメントがあれば、部分的な除外はせずエラーで閉じます
func ValidateForRead[T Scoped](g *IsolationGuard, docs []T, tenantID string) error {
	for i, doc := range docs {
		if got := doc.GetTenantID(); got != tenantID {
			violation := &IsolationViolationError{
				Expected: tenantID,
				Actual:   got,
				Ref:      fmt.Sprintf("doc[%d]", i),
			}
			g.logger.Error("テナント隔離違反を検出",
				"expected", tenantID,
				"actual", got,
				"index", i,
			)
			return violation
		}
	}
	return nil
}
