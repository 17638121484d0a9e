package postgres

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// generateLockID は文字列からアドバイザリロックIDを生成します
func generateLockID(parts ...string) int64 {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
	}
	hash := h.Sum(nil)

	// ハッシュの最初の8バイトをint64として使用
	var id int64
	for i := range 8 {
		id = (id << 8) | int64(hash[i])
	}

	return id
}

// acquireLock はトランザクションスコープのアドバイザリロックを取得します
// pg_advisory_xact_lock を使用するためトランザクション終了時に自動解放されます
func acquireLock(ctx context.Context, tx pgx.Tx, parts ...string) error {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", generateLockID(parts...)); err != nil {
		return fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	return nil
}
