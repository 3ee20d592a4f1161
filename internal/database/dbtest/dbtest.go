// Package dbtest はテスト用のマイグレーション済みデータベースを提供します。
package dbtest

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/cheri-hub/sicar-api/internal/database"
)

// New は一時ディレクトリに sqlite を作成し、全マイグレーションを適用します。
// クリーンアップは t.Cleanup で登録されます。
func New(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.OpenAndMigrate(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}
