// Package downloads はダウンロードジョブの永続化、実行制御、HTTP ハンドラーを提供します。
package downloads

import (
	"fmt"
	"time"

	"github.com/cheri-hub/sicar-api/internal/apperror"
	"github.com/cheri-hub/sicar-api/internal/sicar"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal は終端状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus はクエリ文字列の状態を検証します。空文字は絞り込みなしです。
func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case "", StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return s, nil
	default:
		return "", apperror.Validationf("INVALID_STATUS", "status は pending / running / completed / failed のいずれかです: %q", raw)
	}
}

// TargetKind はダウンロード対象の種類です。
type TargetKind string

const (
	TargetState TargetKind = "state"
	TargetCAR   TargetKind = "car"
)

// carPolygon は CAR 単位のジョブの polygon 列に入れる値です。
const carPolygon = "CAR"

// Target はダウンロード対象（州とポリゴン種別、または CAR 番号）です。
type Target struct {
	Kind    TargetKind
	State   string
	Polygon string
	CAR     string
}

// StateTarget は州単位の対象を作成します。
func StateTarget(state, polygon string) Target {
	return Target{Kind: TargetState, State: state, Polygon: polygon}
}

// CARTarget は CAR 単位の対象を作成します。
func CARTarget(car string) Target {
	return Target{Kind: TargetCAR, CAR: car}
}

// Normalize は対象を検証し、大文字に正規化したコピーを返します。
func (t Target) Normalize() (Target, error) {
	switch t.Kind {
	case TargetState:
		state, err := sicar.NormalizeState(t.State)
		if err != nil {
			return Target{}, err
		}
		polygon, err := sicar.NormalizePolygon(t.Polygon)
		if err != nil {
			return Target{}, err
		}
		return StateTarget(state, polygon), nil
	case TargetCAR:
		car, err := sicar.NormalizeCAR(t.CAR)
		if err != nil {
			return Target{}, err
		}
		return Target{Kind: TargetCAR, State: car[:2], Polygon: carPolygon, CAR: car}, nil
	default:
		return Target{}, apperror.Validationf("INVALID_TARGET", "不正なダウンロード対象です: %q", t.Kind)
	}
}

// Key は同一対象を識別するキーです（state:SP:APPS, car:SP-...）。
func (t Target) Key() string {
	if t.Kind == TargetCAR {
		return fmt.Sprintf("car:%s", t.CAR)
	}
	return fmt.Sprintf("state:%s:%s", t.State, t.Polygon)
}

func (t Target) String() string {
	return t.Key()
}

// Job は一回分のダウンロードです。
// FilePath と FileSize は completed のときだけ、ErrorMessage は failed のときだけ設定されます。
type Job struct {
	ID           int64      `json:"id"`
	TargetKey    string     `json:"target_key"`
	State        string     `json:"state"`
	Polygon      string     `json:"polygon"`
	CARNumber    *string    `json:"car_number"`
	Status       Status     `json:"status"`
	FilePath     *string    `json:"file_path"`
	FileSize     *int64     `json:"file_size"`
	ErrorMessage *string    `json:"error_message"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
}

// Target はジョブの対象を復元します。
func (j *Job) Target() Target {
	if j.CARNumber != nil {
		return Target{Kind: TargetCAR, State: j.State, Polygon: j.Polygon, CAR: *j.CARNumber}
	}
	return StateTarget(j.State, j.Polygon)
}

// Stats はジョブ全体の集計です。保存済みの行から毎回計算します。
type Stats struct {
	TotalJobs      int64   `json:"total_jobs"`
	Completed      int64   `json:"completed"`
	Failed         int64   `json:"failed"`
	Pending        int64   `json:"pending"`
	Running        int64   `json:"running"`
	TotalSizeBytes int64   `json:"total_size_bytes"`
	TotalSizeMB    float64 `json:"total_size_mb"`
	// Disk は保存先を走査した実際の使用量です。StatsHandler だけが設定します。
	Disk *DiskUsage `json:"disk,omitempty"`
}

// DiskUsage は保存先にある ZIP ファイルの数と合計サイズです。
type DiskUsage struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// UsageReporter は保存先の使用量を返します。
type UsageReporter interface {
	Usage() (files int, bytes int64, err error)
}

// ListFilter は一覧取得の条件です。
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}

// normalize は Limit と Offset を実際に使う範囲に丸めます。
func (f ListFilter) normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
