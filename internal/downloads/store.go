package downloads

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/cheri-hub/sicar-api/internal/apperror"
	"github.com/cheri-hub/sicar-api/internal/database"
)

// ErrInvalidTransition は終端状態のジョブや想定外の状態からの遷移で返します。
var ErrInvalidTransition = errors.New("invalid job transition")

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Store はジョブ状態を sqlite に保存します。
// 各遷移は直前の状態を WHERE 句で確認し、終端状態のジョブは変更しません。
type Store struct {
	db *sql.DB
}

// NewStore は Store を作成します。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create は pending のジョブを作成します。
func (s *Store) Create(ctx context.Context, target Target, now time.Time) (*Job, error) {
	var car any
	if target.Kind == TargetCAR {
		car = target.CAR
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO download_jobs (target_key, state, polygon, car_number, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		target.Key(), target.State, target.Polygon, car, StatusPending, database.FormatTime(now),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create download job")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read download job id")
	}
	return s.Get(ctx, id)
}

// MarkRunning は pending のジョブを running にします。started_at は最初の実行時だけ設定します。
func (s *Store) MarkRunning(ctx context.Context, id int64, now time.Time) error {
	return s.transition(ctx, id, `
		UPDATE download_jobs
		SET status = ?, started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status = ?`,
		StatusRunning, database.FormatTime(now), id, StatusPending,
	)
}

// IncrementRetry は running のジョブの retry_count を 1 増やします。
func (s *Store) IncrementRetry(ctx context.Context, id int64) error {
	return s.transition(ctx, id, `
		UPDATE download_jobs SET retry_count = retry_count + 1
		WHERE id = ? AND status = ?`,
		id, StatusRunning,
	)
}

// MarkCompleted は running のジョブを completed にし、成果物の場所とサイズを記録します。
func (s *Store) MarkCompleted(ctx context.Context, id int64, path string, size int64, now time.Time) error {
	return s.transition(ctx, id, `
		UPDATE download_jobs
		SET status = ?, file_path = ?, file_size = ?, error_message = NULL, completed_at = ?
		WHERE id = ? AND status = ?`,
		StatusCompleted, path, size, database.FormatTime(now), id, StatusRunning,
	)
}

// MarkFailed は pending または running のジョブを failed にします。成果物の情報は消去します。
func (s *Store) MarkFailed(ctx context.Context, id int64, message string, now time.Time) error {
	return s.transition(ctx, id, `
		UPDATE download_jobs
		SET status = ?, error_message = ?, file_path = NULL, file_size = NULL, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusFailed, message, database.FormatTime(now), id, StatusPending, StatusRunning,
	)
}

func (s *Store) transition(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update download job %d", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if affected > 0 {
		return nil
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return errors.Wrapf(ErrInvalidTransition, "job %d is %s", id, job.Status)
}

const selectJob = `
	SELECT id, target_key, state, polygon, car_number, status, file_path, file_size,
	       error_message, retry_count, created_at, started_at, completed_at
	FROM download_jobs`

// Get は ID でジョブを取得します。
func (s *Store) Get(ctx context.Context, id int64) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("JOB_NOT_FOUND", "ジョブが見つかりません。")
	}
	return job, err
}

// LatestForTarget は対象の最新ジョブを返します。存在しない場合は nil です。
func (s *Store) LatestForTarget(ctx context.Context, key string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		selectJob+` WHERE target_key = ? ORDER BY created_at DESC, id DESC LIMIT 1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// LatestCompleted は対象の最新の completed ジョブを返します。存在しない場合は nil です。
func (s *Store) LatestCompleted(ctx context.Context, key string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		selectJob+` WHERE target_key = ? AND status = ? ORDER BY completed_at DESC, id DESC LIMIT 1`,
		key, StatusCompleted))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// FindActive は対象の pending または running のジョブを返します。存在しない場合は nil です。
func (s *Store) FindActive(ctx context.Context, key string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		selectJob+` WHERE target_key = ? AND status IN (?, ?) ORDER BY id DESC LIMIT 1`,
		key, StatusPending, StatusRunning))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// List は新しい順にジョブを返します。
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Job, error) {
	filter = filter.normalize()

	query := selectJob
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	return s.query(ctx, query, args...)
}

// ListByStatus は指定した状態のジョブを古い順にすべて返します。
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]Job, error) {
	return s.query(ctx, selectJob+` WHERE status = ? ORDER BY id ASC`, status)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list download jobs")
	}
	defer rows.Close()

	jobs := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate download jobs")
	}
	return jobs, nil
}

// Stats は状態ごとの件数と completed の合計サイズを集計します。
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN file_size ELSE 0 END), 0)
		FROM download_jobs`,
	).Scan(&stats.TotalJobs, &stats.Completed, &stats.Failed, &stats.Pending, &stats.Running, &stats.TotalSizeBytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute download stats")
	}
	stats.TotalSizeMB = math.Round(float64(stats.TotalSizeBytes)/(1024*1024)*100) / 100
	return &stats, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		job         Job
		car         sql.NullString
		filePath    sql.NullString
		fileSize    sql.NullInt64
		errMsg      sql.NullString
		createdAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.TargetKey,
		&job.State,
		&job.Polygon,
		&car,
		&job.Status,
		&filePath,
		&fileSize,
		&errMsg,
		&job.RetryCount,
		&createdAt,
		&startedAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan download job")
	}

	var err error
	if job.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if job.StartedAt, err = database.ParseNullTime(startedAt); err != nil {
		return nil, err
	}
	if job.CompletedAt, err = database.ParseNullTime(completedAt); err != nil {
		return nil, err
	}
	if car.Valid {
		job.CARNumber = &car.String
	}
	if filePath.Valid {
		job.FilePath = &filePath.String
	}
	if fileSize.Valid {
		job.FileSize = &fileSize.Int64
	}
	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	return &job, nil
}
