package tenant

import (
	"errors"
	"fmt"
	"regexp"
)

const (
	// IDPrefix はテナント識別子の固定プレフィックス
	IDPrefix = "tn_"
	// IDSuffixLength はプレフィックスに続く英数字サフィックスの固定長
	IDSuffixLength = 12
)

// ErrInvalidTenantID はテナント識別子のフォーマットが不正な場合のエラー
var ErrInvalidTenantID = errors.New("invalid tenant identifier")

// idPattern はテナント識別子のフォーマット（固定プレフィックス + 固定長英数字）
var idPattern = regexp.MustCompile(`^tn_[a-zA-Z0-9]{12}$`)

// ValidateID はテナント識別子のフォーマットを検証します
// 識別子は認証済みの呼び出し元から渡される前提で、ペイロードから推測してはなりません
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidTenantID, id)
	}
	return nil
}
