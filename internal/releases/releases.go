// Package releases は州ごとの SICAR データ公開日を保存し、取得し直します。
package releases

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/cheri-hub/sicar-api/internal/database"
	"github.com/cheri-hub/sicar-api/internal/sicar"
)

// Release は州の公開日です。ReleaseDate は SICAR の表記（dd/mm/yyyy）のままです。
type Release struct {
	State       string    `json:"state"`
	ReleaseDate string    `json:"release_date"`
	LastChecked time.Time `json:"last_checked"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Service は公開日の保存と更新を担います。
type Service struct {
	db     *sql.DB
	client sicar.Client
	log    *zap.SugaredLogger
	now    func() time.Time
}

// NewService は Service を作成します。
func NewService(db *sql.DB, client sicar.Client, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		db:     db,
		client: client,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// List は州コード順に公開日を返します。
func (s *Service) List(ctx context.Context) ([]Release, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, release_date, last_checked, updated_at
		FROM state_releases ORDER BY state`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list releases")
	}
	defer rows.Close()

	releases := make([]Release, 0)
	for rows.Next() {
		var (
			r                      Release
			lastChecked, updatedAt string
		)
		if err := rows.Scan(&r.State, &r.ReleaseDate, &lastChecked, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan release")
		}
		if r.LastChecked, err = database.ParseTime(lastChecked); err != nil {
			return nil, err
		}
		if r.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
			return nil, err
		}
		releases = append(releases, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate releases")
	}
	return releases, nil
}

// Refresh は SICAR から公開日を取得して保存し、取得できた州の数を返します。
// updated_at は公開日が変わったときだけ更新します。
func (s *Service) Refresh(ctx context.Context) (int, error) {
	dates, err := s.client.ReleaseDates(ctx)
	if err != nil {
		return 0, err
	}

	states := make([]string, 0, len(dates))
	for state := range dates {
		states = append(states, state)
	}
	sort.Strings(states)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := database.FormatTime(s.now())
	for _, state := range states {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO state_releases (state, release_date, last_checked, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(state) DO UPDATE SET
				updated_at = CASE WHEN state_releases.release_date <> excluded.release_date
					THEN excluded.updated_at ELSE state_releases.updated_at END,
				release_date = excluded.release_date,
				last_checked = excluded.last_checked`,
			state, dates[state], now, now, now,
		)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to save release for %s", state)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit releases")
	}

	s.log.Infow("Release dates refreshed", "states", len(states))
	return len(states), nil
}
