package downloads

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Executor は pending のジョブを終端状態まで実行します。
type Executor interface {
	Execute(ctx context.Context, jobID int64) error
}

// Dispatcher はジョブの実行をタイマーループや HTTP ハンドラーから切り離します。
type Dispatcher interface {
	// Start は実行先を登録し、ワーカーを起動します。
	Start(exec Executor) error
	// Dispatch はジョブを非同期に実行させます。呼び出し元をブロックしません。
	Dispatch(ctx context.Context, jobID int64) error
	// Shutdown は新規の受付を止め、実行中のジョブの終了を ctx の期限まで待ちます。
	Shutdown(ctx context.Context) error
}

// ErrDispatcherClosed は Start 前または Shutdown 後の Dispatch で返します。
var ErrDispatcherClosed = errors.New("dispatcher is not running")

// LocalDispatcher はプロセス内の goroutine でジョブを実行します。
// 同時実行数はセマフォで制限します。
type LocalDispatcher struct {
	sem *semaphore.Weighted
	log *zap.SugaredLogger

	mu      sync.Mutex
	exec    Executor
	closed  bool
	wg      sync.WaitGroup
	stopCtx context.Context
	stop    context.CancelFunc
}

// NewLocalDispatcher は LocalDispatcher を作成します。
func NewLocalDispatcher(maxConcurrent int, log *zap.SugaredLogger) *LocalDispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	stopCtx, stop := context.WithCancel(context.Background())
	return &LocalDispatcher{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		log:     log,
		stopCtx: stopCtx,
		stop:    stop,
	}
}

func (d *LocalDispatcher) Start(exec Executor) error {
	if exec == nil {
		return errors.New("executor is nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exec = exec
	return nil
}

func (d *LocalDispatcher) Dispatch(_ context.Context, jobID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.exec == nil || d.closed {
		return ErrDispatcherClosed
	}

	exec := d.exec
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		// 停止時に待機中のジョブは pending のまま残り、次回起動時に再投入される
		if err := d.sem.Acquire(d.stopCtx, 1); err != nil {
			d.log.Infow("Dispatcher stopped before job started", "job_id", jobID)
			return
		}
		defer d.sem.Release(1)

		// 実行中のジョブは途中で止めない
		if err := exec.Execute(context.WithoutCancel(d.stopCtx), jobID); err != nil {
			d.log.Errorw("Download job execution error", "job_id", jobID, "error", err)
		}
	}()
	return nil
}

func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.stop()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for running downloads")
	}
}
