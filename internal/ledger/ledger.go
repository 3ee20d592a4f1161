// Package ledger はスケジュールタスクの実行履歴（scheduled_tasks）を記録します。
//
// 記録は追記のみです。running の記録は completed か failed へ一度だけ遷移し、
// その後は変更されません。
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/cheri-hub/sicar-api/internal/apperror"
	"github.com/cheri-hub/sicar-api/internal/database"
)

// Status は実行記録の状態です。
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Source は実行のきっかけです。
const (
	SourceSchedule = "schedule"
	SourceManual   = "manual"
)

// ErrAlreadyFinished は終端状態の記録を更新しようとしたときに返します。
var ErrAlreadyFinished = errors.New("scheduled task already finished")

// Task は一回分の実行記録です。
type Task struct {
	ID              int64           `json:"id"`
	TaskName        string          `json:"task_name"`
	TaskType        string          `json:"task_type"`
	TriggerSource   string          `json:"trigger_source"`
	Status          Status          `json:"status"`
	Result          json.RawMessage `json:"result,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	DurationSeconds *float64        `json:"duration_seconds,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at"`
}

// Ledger は scheduled_tasks テーブルへのアクセスを提供します。
type Ledger struct {
	db *sql.DB
}

// New は Ledger を作成します。
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Start は running の記録を作成し、その ID を返します。
func (l *Ledger) Start(ctx context.Context, name, kind, source string, at time.Time) (int64, error) {
	if source == "" {
		source = SourceSchedule
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (task_name, task_type, trigger_source, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		name, kind, source, StatusRunning, database.FormatTime(at),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert scheduled task")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read scheduled task id")
	}
	return id, nil
}

// Complete は記録を completed にします。result は JSON に変換して保存します。
// 変換できない場合は記録を failed にしてからエラーを返します。
func (l *Ledger) Complete(ctx context.Context, id int64, result any, at time.Time) error {
	var payload any
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			err = errors.Wrap(err, "failed to marshal task result")
			if ferr := l.finish(ctx, id, StatusFailed, nil, err.Error(), at); ferr != nil {
				return errors.CombineErrors(err, ferr)
			}
			return err
		}
		payload = string(raw)
	}
	return l.finish(ctx, id, StatusCompleted, payload, nil, at)
}

// Fail は記録を failed にします。
func (l *Ledger) Fail(ctx context.Context, id int64, cause error, at time.Time) error {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	return l.finish(ctx, id, StatusFailed, nil, message, at)
}

func (l *Ledger) finish(ctx context.Context, id int64, status Status, result, errMsg any, at time.Time) error {
	var startedRaw string
	err := l.db.QueryRowContext(ctx, `SELECT started_at FROM scheduled_tasks WHERE id = ?`, id).Scan(&startedRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperror.NotFound("TASK_NOT_FOUND", "実行記録が見つかりません。")
		}
		return errors.Wrap(err, "failed to load scheduled task")
	}
	startedAt, err := database.ParseTime(startedRaw)
	if err != nil {
		return err
	}

	duration := at.Sub(startedAt).Seconds()
	if duration < 0 {
		duration = 0
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = ?, result = ?, error_message = ?, duration_seconds = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		status, result, errMsg, duration, database.FormatTime(at), id, StatusRunning,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update scheduled task")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if affected == 0 {
		return errors.Wrapf(ErrAlreadyFinished, "task %d", id)
	}
	return nil
}

const selectColumns = `
	SELECT id, task_name, task_type, trigger_source, status, result, error_message,
	       duration_seconds, started_at, completed_at
	FROM scheduled_tasks`

// Get は ID で記録を取得します。
func (l *Ledger) Get(ctx context.Context, id int64) (*Task, error) {
	row := l.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("TASK_NOT_FOUND", "実行記録が見つかりません。")
		}
		return nil, err
	}
	return task, nil
}

// List は新しい順に最大 limit 件の記録を返します。
func (l *Ledger) List(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, selectColumns+` ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list scheduled tasks")
	}
	defer rows.Close()

	tasks := make([]Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate scheduled tasks")
	}
	return tasks, nil
}

// ReconcileStale は前回のプロセスで running のまま残った記録を failed にします。
func (l *Ledger) ReconcileStale(ctx context.Context, at time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = ?, error_message = ?, completed_at = ?,
		    duration_seconds = MAX(0, (julianday(?) - julianday(started_at)) * 86400.0)
		WHERE status = ?`,
		StatusFailed, "stale: interrupted by restart", database.FormatTime(at), database.FormatTime(at), StatusRunning,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reconcile scheduled tasks")
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		task        Task
		result      sql.NullString
		errMsg      sql.NullString
		duration    sql.NullFloat64
		startedAt   string
		completedAt sql.NullString
	)
	if err := row.Scan(
		&task.ID,
		&task.TaskName,
		&task.TaskType,
		&task.TriggerSource,
		&task.Status,
		&result,
		&errMsg,
		&duration,
		&startedAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan scheduled task")
	}

	var err error
	if task.StartedAt, err = database.ParseTime(startedAt); err != nil {
		return nil, err
	}
	if task.CompletedAt, err = database.ParseNullTime(completedAt); err != nil {
		return nil, err
	}
	if result.Valid {
		task.Result = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		task.ErrorMessage = &errMsg.String
	}
	if duration.Valid {
		task.DurationSeconds = &duration.Float64
	}
	return &task, nil
}
