package scheduler

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/cheri-hub/sicar-api/internal/database"
	"github.com/cheri-hub/sicar-api/internal/trigger"
)

// Record は scheduler_jobs に保存されたジョブ設定です。
type Record struct {
	Name        string
	Label       string
	TriggerSpec string
	Paused      bool
	UpdatedAt   time.Time
}

// Store は scheduler_jobs テーブルへのアクセスを提供します。
type Store struct {
	db *sql.DB
}

// NewStore は Store を作成します。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get は name の設定を返します。存在しない場合は nil を返します。
func (s *Store) Get(ctx context.Context, name string) (*Record, error) {
	var (
		rec       Record
		paused    int
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, label, trigger_spec, paused, updated_at
		FROM scheduler_jobs WHERE name = ?`, name,
	).Scan(&rec.Name, &rec.Label, &rec.TriggerSpec, &paused, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to load scheduler job %s", name)
	}
	rec.Paused = paused != 0
	if rec.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save は name の設定を作成または上書きします。
func (s *Store) Save(ctx context.Context, name, label string, spec trigger.Spec, paused bool, at time.Time) error {
	raw, err := trigger.Marshal(spec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduler_jobs (name, label, trigger_spec, paused, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			label = excluded.label,
			trigger_spec = excluded.trigger_spec,
			paused = excluded.paused,
			updated_at = excluded.updated_at`,
		name, label, raw, boolToInt(paused), database.FormatTime(at),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save scheduler job %s", name)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
