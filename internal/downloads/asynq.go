package downloads

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	taskTypeDownload = "download:execute"
	downloadQueue    = "downloads"
)

// TaskPayload はダウンロード実行タスクのペイロードです。
type TaskPayload struct {
	JobID int64 `json:"job_id"`
}

// AsynqDispatcher は Redis 上の Asynq キューを経由してジョブを実行します。
// 再試行は Orchestrator が行うため、Asynq 側の再試行は無効にします。
type AsynqDispatcher struct {
	client  *asynq.Client
	server  *asynq.Server
	mux     *asynq.ServeMux
	timeout time.Duration
	log     *zap.SugaredLogger

	mu   sync.Mutex
	exec Executor
}

// NewAsynqDispatcher は AsynqDispatcher を初期化します。
func NewAsynqDispatcher(redisURL string, concurrency int, timeout time.Duration, log *zap.SugaredLogger) (*AsynqDispatcher, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse redis url")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	d := &AsynqDispatcher{
		client: asynq.NewClient(opt),
		server: asynq.NewServer(opt, asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{downloadQueue: 1},
		}),
		mux:     asynq.NewServeMux(),
		timeout: timeout,
		log:     log,
	}
	d.mux.HandleFunc(taskTypeDownload, d.handleDownloadTask)
	return d, nil
}

// Start は Asynq サーバーをバックグラウンドで起動します。
func (d *AsynqDispatcher) Start(exec Executor) error {
	if exec == nil {
		return errors.New("executor is nil")
	}
	d.mu.Lock()
	d.exec = exec
	d.mu.Unlock()

	if err := d.server.Start(d.mux); err != nil {
		return errors.Wrap(err, "start asynq server")
	}
	return nil
}

// Dispatch はタスクをキューに投入します。
func (d *AsynqDispatcher) Dispatch(ctx context.Context, jobID int64) error {
	body, err := json.Marshal(TaskPayload{JobID: jobID})
	if err != nil {
		return errors.Wrap(err, "marshal task payload")
	}

	task := asynq.NewTask(taskTypeDownload, body, asynq.Queue(downloadQueue))
	info, err := d.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(0),
		asynq.Timeout(d.timeout),
		asynq.TaskID(uuid.NewString()),
	)
	if err != nil {
		return errors.Wrapf(err, "enqueue job %d", jobID)
	}
	d.log.Debugw("Download task enqueued", "job_id", jobID, "task_id", info.ID)
	return nil
}

// Shutdown はサーバーとクライアントを閉じます。
func (d *AsynqDispatcher) Shutdown(context.Context) error {
	d.server.Shutdown()
	return d.client.Close()
}

func (d *AsynqDispatcher) handleDownloadTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return errors.Wrapf(asynq.SkipRetry, "decode payload: %v", err)
	}
	if payload.JobID <= 0 {
		return errors.Wrap(asynq.SkipRetry, "missing job_id in payload")
	}

	d.mu.Lock()
	exec := d.exec
	d.mu.Unlock()
	if exec == nil {
		return ErrDispatcherClosed
	}
	return exec.Execute(ctx, payload.JobID)
}
