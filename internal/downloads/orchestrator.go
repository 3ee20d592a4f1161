package downloads

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/cheri-hub/sicar-api/internal/apperror"
	"github.com/cheri-hub/sicar-api/internal/sicar"
	"github.com/cheri-hub/sicar-api/internal/storage"
)

// EventDownloadUpdated はジョブの状態が変わったときに通知するイベント名です。
const EventDownloadUpdated = "download.updated"

// StaleMessage は再起動で中断されたジョブに記録するエラー内容です。
const StaleMessage = "stale: interrupted by restart"

// ArtifactStore は成果物の保存先です。
type ArtifactStore interface {
	Save(ctx context.Context, rel string, data []byte) (*storage.Stored, error)
	Exists(path string) bool
	Delete(path string) error
}

// Notifier はジョブの状態変化を購読者へ送ります。
type Notifier interface {
	Publish(event string, payload any)
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, any) {}

// Options は Orchestrator の動作設定です。
type Options struct {
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.SugaredLogger
	Notifier   Notifier
	// Now と Sleep はテストで差し替えます。
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// SubmitResult は Submit の結果です。Reused が true の場合、既存の completed ジョブを返しています。
type SubmitResult struct {
	Job    *Job `json:"job"`
	Reused bool `json:"reused"`
}

// ReconcileReport は起動時の整合処理の結果です。
type ReconcileReport struct {
	Stale    int `json:"stale"`
	Held     int `json:"held"`
	Requeued int `json:"requeued"`
}

// Orchestrator はダウンロードの受付、実行、再試行を担います。
// download_jobs の更新はすべて Orchestrator を経由します。
type Orchestrator struct {
	store      *Store
	inflight   Inflight
	dispatcher Dispatcher
	client     sicar.Client
	artifacts  ArtifactStore
	notifier   Notifier
	log        *zap.SugaredLogger
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	// submitMu は同一プロセス内の Submit を直列化し、確認と作成の間に割り込まれないようにします。
	submitMu sync.Mutex
}

// NewOrchestrator は Orchestrator を作成します。
func NewOrchestrator(store *Store, inflight Inflight, dispatcher Dispatcher, client sicar.Client, artifacts ArtifactStore, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Orchestrator{
		store:      store,
		inflight:   inflight,
		dispatcher: dispatcher,
		client:     client,
		artifacts:  artifacts,
		notifier:   opts.Notifier,
		log:        opts.Logger,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		now:        opts.Now,
		sleep:      opts.Sleep,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Store は参照用に Job Store を返します。
func (o *Orchestrator) Store() *Store {
	return o.store
}

// Submit はダウンロード要求を受け付けます。
//
// 同じ対象のジョブが pending または running の場合は ConflictError を返します。
// force が false で、同じ対象の completed ジョブの成果物が残っている場合はそのジョブを返します。
// それ以外は pending のジョブを作成して実行を依頼します。
func (o *Orchestrator) Submit(ctx context.Context, target Target, force bool) (*SubmitResult, error) {
	target, err := target.Normalize()
	if err != nil {
		return nil, err
	}
	key := target.Key()

	o.submitMu.Lock()
	defer o.submitMu.Unlock()

	if err := o.checkNotInFlight(ctx, key); err != nil {
		return nil, err
	}

	if !force {
		prior, err := o.store.LatestCompleted(ctx, key)
		if err != nil {
			return nil, err
		}
		if prior != nil && prior.FilePath != nil && o.artifacts.Exists(*prior.FilePath) {
			o.log.Infow("Reusing completed download", "job_id", prior.ID, "target", key)
			return &SubmitResult{Job: prior, Reused: true}, nil
		}
	}

	job, err := o.store.Create(ctx, target, o.now())
	if err != nil {
		return nil, err
	}

	holder, ok, err := o.inflight.Acquire(ctx, key, job.ID)
	if err != nil || !ok {
		_ = o.store.MarkFailed(context.WithoutCancel(ctx), job.ID, "rejected: duplicate in-flight submission", o.now())
		if err != nil {
			return nil, err
		}
		return nil, conflict(holder)
	}

	if err := o.dispatcher.Dispatch(ctx, job.ID); err != nil {
		o.finishFailed(context.WithoutCancel(ctx), job, fmt.Sprintf("dispatch failed: %v", err))
		return nil, errors.Wrapf(err, "dispatch job %d", job.ID)
	}

	o.log.Infow("Download job submitted", "job_id", job.ID, "target", key, "force", force)
	o.notifier.Publish(EventDownloadUpdated, job)
	return &SubmitResult{Job: job}, nil
}

func (o *Orchestrator) checkNotInFlight(ctx context.Context, key string) error {
	holder, held, err := o.inflight.Holder(ctx, key)
	if err != nil {
		return err
	}
	if held {
		job, err := o.store.Get(ctx, holder)
		switch {
		case err == nil && !job.Status.Terminal():
			return conflict(holder)
		case err == nil || errors.Is(err, apperror.ErrNotFound):
			// 終端状態のジョブが確保したまま残っている
			if err := o.inflight.Release(ctx, key, holder); err != nil {
				return err
			}
		default:
			return err
		}
	}

	active, err := o.store.FindActive(ctx, key)
	if err != nil {
		return err
	}
	if active != nil {
		return conflict(active.ID)
	}
	return nil
}

func conflict(jobID int64) error {
	return apperror.Conflict("DOWNLOAD_IN_PROGRESS",
		fmt.Sprintf("同じ対象のダウンロードが実行中です (job_id=%d)。", jobID), jobID)
}

// Execute は pending のジョブを running にし、終端状態になるまで実行します。
// pending 以外のジョブは何もしません。
func (o *Orchestrator) Execute(ctx context.Context, jobID int64) error {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusPending {
		o.log.Warnw("Skipping job that is not pending", "job_id", jobID, "status", job.Status)
		return nil
	}

	target := job.Target()
	key := target.Key()
	holder, ok, err := o.inflight.Acquire(ctx, key, job.ID)
	if err != nil {
		return err
	}
	if !ok {
		o.finishFailed(ctx, job, fmt.Sprintf("rejected: job %d is already in flight for %s", holder, key))
		return nil
	}

	persist := context.WithoutCancel(ctx)
	if err := o.store.MarkRunning(persist, job.ID, o.now()); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// 別のワーカーが先に開始したか、その間に終端状態になった
			if cur, gerr := o.store.Get(persist, job.ID); gerr == nil && cur.Status.Terminal() {
				_ = o.inflight.Release(persist, key, job.ID)
			}
			o.log.Warnw("Skipping job that left pending", "job_id", jobID, "error", err)
			return nil
		}
		_ = o.inflight.Release(persist, key, job.ID)
		return err
	}
	o.publish(persist, job.ID)
	o.log.Infow("Download job started", "job_id", job.ID, "target", key)

	retries := 0
	for {
		stored, err := o.attempt(ctx, job.ID, target)
		if err == nil {
			if err := o.store.MarkCompleted(persist, job.ID, stored.Path, stored.Size, o.now()); err != nil {
				// どのジョブからも参照されない成果物を残さない
				if derr := o.artifacts.Delete(stored.Path); derr != nil {
					o.log.Warnw("Failed to remove orphaned artifact", "job_id", job.ID, "path", stored.Path, "error", derr)
				}
				_ = o.inflight.Release(persist, key, job.ID)
				return err
			}
			o.release(persist, key, job.ID)
			o.log.Infow("Download job completed", "job_id", job.ID, "target", key, "file_size", stored.Size, "retries", retries)
			return nil
		}

		if !apperror.IsTransient(err) || retries >= o.maxRetries || ctx.Err() != nil {
			o.log.Warnw("Download job failed", "job_id", job.ID, "target", key, "retries", retries, "error", err)
			o.finishFailed(persist, job, err.Error())
			return nil
		}

		retries++
		if err := o.store.IncrementRetry(persist, job.ID); err != nil {
			o.finishFailed(persist, job, err.Error())
			return err
		}
		o.publish(persist, job.ID)
		o.log.Infow("Retrying download job", "job_id", job.ID, "target", key, "retry", retries, "max_retries", o.maxRetries, "error", err)

		if err := o.sleep(ctx, o.retryDelay); err != nil {
			o.finishFailed(persist, job, fmt.Sprintf("canceled while waiting to retry: %v", err))
			return nil
		}
	}
}

func (o *Orchestrator) attempt(ctx context.Context, jobID int64, target Target) (*storage.Stored, error) {
	var (
		artifact *sicar.Artifact
		err      error
		rel      string
	)
	switch target.Kind {
	case TargetCAR:
		artifact, err = o.client.DownloadCAR(ctx, target.CAR)
		rel = fmt.Sprintf("cars/%s_%d.zip", strings.ReplaceAll(target.CAR, "-", "_"), jobID)
	default:
		artifact, err = o.client.DownloadState(ctx, target.State, target.Polygon)
		rel = fmt.Sprintf("states/%s/%s_%s_%d.zip", target.State, target.State, target.Polygon, jobID)
	}
	if err != nil {
		return nil, err
	}

	stored, err := o.artifacts.Save(ctx, rel, artifact.Content)
	if err != nil {
		if errors.Is(err, storage.ErrNotZip) {
			// キャプチャ失敗時の HTML などは再試行で回復しうる
			return nil, apperror.Transient(err)
		}
		return nil, err
	}
	return stored, nil
}

func (o *Orchestrator) finishFailed(ctx context.Context, job *Job, message string) {
	if err := o.store.MarkFailed(ctx, job.ID, message, o.now()); err != nil {
		o.log.Errorw("Failed to mark job as failed", "job_id", job.ID, "error", err)
	}
	o.release(ctx, job.Target().Key(), job.ID)
}

func (o *Orchestrator) release(ctx context.Context, key string, jobID int64) {
	if err := o.inflight.Release(ctx, key, jobID); err != nil {
		o.log.Errorw("Failed to release inflight target", "job_id", jobID, "target", key, "error", err)
	}
	o.publish(ctx, jobID)
}

func (o *Orchestrator) publish(ctx context.Context, jobID int64) {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return
	}
	o.notifier.Publish(EventDownloadUpdated, job)
}

// Reconcile は起動時に前回のプロセスの残りを整理し、ディスパッチャーを起動します。
// running のジョブは failed にしてからワーカーを動かし、その後 pending のジョブを再投入します。
// 別のプロセスが確保中のジョブには触れません。
func (o *Orchestrator) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	stale, held, err := o.failStale(ctx, true)
	if err != nil {
		return nil, err
	}
	report.Stale, report.Held = stale, held

	if err := o.dispatcher.Start(o); err != nil {
		return report, err
	}

	pending, err := o.store.ListByStatus(ctx, StatusPending)
	if err != nil {
		return report, err
	}
	for i := range pending {
		job := &pending[i]
		holder, ok, err := o.inflight.Acquire(ctx, job.TargetKey, job.ID)
		if err != nil {
			return report, err
		}
		if !ok {
			o.finishFailed(ctx, job, fmt.Sprintf("rejected: job %d is already in flight for %s", holder, job.TargetKey))
			continue
		}
		// キューに残っているタスクと重複しても Execute が pending のジョブを一度だけ実行する
		if err := o.dispatcher.Dispatch(ctx, job.ID); err != nil {
			o.finishFailed(ctx, job, fmt.Sprintf("dispatch failed: %v", err))
			continue
		}
		report.Requeued++
	}

	if report.Stale > 0 || report.Requeued > 0 || report.Held > 0 {
		o.log.Infow("Reconciled download jobs", "stale", report.Stale, "held", report.Held, "requeued", report.Requeued)
	}
	return report, nil
}

// FailStale は running のまま残ったジョブをすべて failed にします。
// どのプロセスも実行していないときだけ呼び出してください。
func (o *Orchestrator) FailStale(ctx context.Context) (int, error) {
	stale, _, err := o.failStale(ctx, false)
	return stale, err
}

// failStale は running のジョブを failed にします。
// skipHeld が true の場合、そのジョブ自身が確保を持っているものは実行中とみなして残します。
func (o *Orchestrator) failStale(ctx context.Context, skipHeld bool) (stale, held int, err error) {
	running, err := o.store.ListByStatus(ctx, StatusRunning)
	if err != nil {
		return 0, 0, err
	}
	for i := range running {
		job := &running[i]
		if skipHeld {
			holder, ok, err := o.inflight.Holder(ctx, job.TargetKey)
			if err != nil {
				return stale, held, err
			}
			if ok && holder == job.ID {
				held++
				continue
			}
		}
		o.finishFailed(ctx, job, StaleMessage)
		stale++
	}
	return stale, held, nil
}

// Await は jobIDs がすべて終端状態になるまで poll 間隔で確認し、最新の状態を返します。
func (o *Orchestrator) Await(ctx context.Context, jobIDs []int64, poll time.Duration) ([]Job, error) {
	if poll <= 0 {
		poll = time.Second
	}
	for {
		jobs := make([]Job, 0, len(jobIDs))
		done := true
		for _, id := range jobIDs {
			job, err := o.store.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if !job.Status.Terminal() {
				done = false
			}
			jobs = append(jobs, *job)
		}
		if done {
			return jobs, nil
		}
		if err := sleepContext(ctx, poll); err != nil {
			return jobs, err
		}
	}
}
