// Package settings はダッシュボード用のキーと値の設定を保存します。
// スケジューラーやダウンロード処理はこの設定を参照しません。
package settings

import (
	"context"
	"database/sql"
	"regexp"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/cheri-hub/sicar-api/internal/apperror"
	"github.com/cheri-hub/sicar-api/internal/database"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,64}$`)

const maxValueLength = 4096

// Setting は一件の設定です。
type Setting struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Description *string   `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store は app_settings テーブルへのアクセスを提供します。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore は Store を作成します。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const selectColumns = `SELECT key, value, description, created_at, updated_at FROM app_settings`

// List はキー順にすべての設定を返します。
func (s *Store) List(ctx context.Context) ([]Setting, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY key`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list settings")
	}
	defer rows.Close()

	items := make([]Setting, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate settings")
	}
	return items, nil
}

// Get は key の設定を返します。
func (s *Store) Get(ctx context.Context, key string) (*Setting, error) {
	item, err := scan(s.db.QueryRowContext(ctx, selectColumns+` WHERE key = ?`, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("SETTING_NOT_FOUND", "設定が見つかりません: "+key)
		}
		return nil, err
	}
	return item, nil
}

// Put は設定を作成または更新します。description が nil の場合、既存の説明を残します。
func (s *Store) Put(ctx context.Context, key, value string, description *string) (*Setting, error) {
	if !keyPattern.MatchString(key) {
		return nil, apperror.Validation("INVALID_SETTING_KEY", "key は英数字と _ . - の 64 文字以内で指定してください。")
	}
	if len(value) > maxValueLength {
		return nil, apperror.Validationf("INVALID_SETTING_VALUE", "value は %d バイト以内で指定してください。", maxValueLength)
	}

	now := database.FormatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_settings (key, value, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			description = COALESCE(excluded.description, app_settings.description),
			updated_at = excluded.updated_at`,
		key, value, description, now, now,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to save setting %s", key)
	}
	return s.Get(ctx, key)
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*Setting, error) {
	var (
		item                 Setting
		description          sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&item.Key, &item.Value, &description, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan setting")
	}
	if description.Valid {
		item.Description = &description.String
	}
	var err error
	if item.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &item, nil
}
