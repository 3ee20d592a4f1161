package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/cheri-hub/sicar-api/internal/apperror"
	"github.com/cheri-hub/sicar-api/internal/downloads"
	"github.com/cheri-hub/sicar-api/internal/trigger"
)

// カタログに登録するタスク名です。
const (
	TaskDailyCollection = "daily_sicar_collection"
	TaskUpdateReleases  = "update_release_dates"
)

// Submitter は日次収集がダウンロードを依頼する先です。
type Submitter interface {
	Submit(ctx context.Context, target downloads.Target, force bool) (*downloads.SubmitResult, error)
	Await(ctx context.Context, jobIDs []int64, poll time.Duration) ([]downloads.Job, error)
}

// ReleaseRefresher は公開日の更新処理です。更新した州の数を返します。
type ReleaseRefresher interface {
	Refresh(ctx context.Context) (int, error)
}

// CatalogueConfig は既定カタログの設定です。
type CatalogueConfig struct {
	Hour     int
	Minute   int
	States   []string
	Polygons []string
	// Poll は投入したダウンロードの完了を確認する間隔です。
	Poll   time.Duration
	Logger *zap.SugaredLogger
}

// DefaultCatalogue は日次収集と公開日更新の二つのタスクを返します。
// 公開日更新は収集の一時間前に実行します。
func DefaultCatalogue(cfg CatalogueConfig, submitter Submitter, refresher ReleaseRefresher) []Definition {
	return []Definition{
		{
			Name:    TaskDailyCollection,
			Label:   "Coleta Diária SICAR",
			Kind:    "daily_download",
			Trigger: trigger.Daily{Hour: cfg.Hour, Minute: cfg.Minute},
			Run:     DailyCollection(submitter, cfg),
		},
		{
			Name:    TaskUpdateReleases,
			Label:   "Atualização de Datas de Release",
			Kind:    "update_releases",
			Trigger: trigger.Daily{Hour: (cfg.Hour + 23) % 24, Minute: 0},
			Run:     UpdateReleases(refresher),
		},
	}
}

// CollectionResult は日次収集の結果です。
type CollectionResult struct {
	Status    string             `json:"status"`
	Submitted int                `json:"submitted"`
	Completed int                `json:"completed"`
	Failed    int                `json:"failed"`
	Skipped   int                `json:"skipped"`
	Jobs      []CollectionTarget `json:"jobs"`
}

// CollectionTarget は対象ごとの結果です。
type CollectionTarget struct {
	State   string `json:"state"`
	Polygon string `json:"polygon"`
	JobID   int64  `json:"job_id,omitempty"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// DailyCollection は設定されたすべての州とポリゴン種別をダウンロードし、終わるまで待ちます。
// 実行中の対象は skipped として数えます。一件でも失敗した場合はエラーを返します。
func DailyCollection(submitter Submitter, cfg CatalogueConfig) TaskFunc {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	poll := cfg.Poll
	if poll <= 0 {
		poll = 5 * time.Second
	}

	return func(ctx context.Context) (any, error) {
		result := &CollectionResult{Jobs: make([]CollectionTarget, 0, len(cfg.States)*len(cfg.Polygons))}
		var ids []int64
		index := make(map[int64]int)

		for _, state := range cfg.States {
			for _, polygon := range cfg.Polygons {
				item := CollectionTarget{State: state, Polygon: polygon}
				res, err := submitter.Submit(ctx, downloads.StateTarget(state, polygon), true)
				switch {
				case err == nil:
					item.JobID = res.Job.ID
					item.Status = string(res.Job.Status)
					index[res.Job.ID] = len(result.Jobs)
					ids = append(ids, res.Job.ID)
					result.Submitted++
				case errors.Is(err, apperror.ErrConflict):
					item.Status = "skipped"
					item.Error = err.Error()
					result.Skipped++
				default:
					item.Status = string(downloads.StatusFailed)
					item.Error = err.Error()
					result.Failed++
				}
				result.Jobs = append(result.Jobs, item)
			}
		}
		log.Infow("Daily collection submitted", "submitted", result.Submitted, "skipped", result.Skipped)

		if len(ids) > 0 {
			jobs, err := submitter.Await(ctx, ids, poll)
			if err != nil {
				return result, errors.Wrap(err, "wait for daily downloads")
			}
			for _, job := range jobs {
				item := &result.Jobs[index[job.ID]]
				item.Status = string(job.Status)
				switch job.Status {
				case downloads.StatusCompleted:
					result.Completed++
				case downloads.StatusFailed:
					result.Failed++
					if job.ErrorMessage != nil {
						item.Error = *job.ErrorMessage
					}
				}
			}
		}

		result.Status = "completed"
		if result.Failed > 0 {
			result.Status = "failed"
			return result, errors.Newf("%d of %d downloads failed", result.Failed, len(result.Jobs))
		}
		return result, nil
	}
}

// UpdateReleases は公開日を取得し直します。
func UpdateReleases(refresher ReleaseRefresher) TaskFunc {
	return func(ctx context.Context) (any, error) {
		updated, err := refresher.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"status":         "completed",
			"states_updated": updated,
		}, nil
	}
}
