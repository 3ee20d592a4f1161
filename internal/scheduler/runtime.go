// Package scheduler は名前付きの定期タスクを管理し、トリガーに従って実行します。
//
// ジョブは起動時に固定のカタログから登録され、利用者が追加や削除をすることはできません。
// 変更できるのは一時停止、再開、スケジュールの置き換えだけです。
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/cheri-hub/sicar-api/internal/apperror"
	"github.com/cheri-hub/sicar-api/internal/ledger"
	"github.com/cheri-hub/sicar-api/internal/trigger"
)

// EventTaskUpdated は実行記録が作成または終了したときに通知するイベント名です。
const EventTaskUpdated = "task.updated"

const defaultMaxSleep = time.Minute

// TaskFunc はタスク本体です。戻り値の result は実行記録に JSON で保存されます。
type TaskFunc func(ctx context.Context) (any, error)

// Definition はカタログに登録するタスクの定義です。
type Definition struct {
	Name    string
	Label   string
	Kind    string
	Trigger trigger.Spec
	Run     TaskFunc
}

// Notifier は実行記録の変化を購読者へ送ります。
type Notifier interface {
	Publish(event string, payload any)
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, any) {}

// Job は API で返すスケジュールジョブの状態です。
// NextFireTime は一時停止中のとき nil です。
type Job struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	TaskType     string           `json:"task_type"`
	Trigger      string           `json:"trigger"`
	Schedule     trigger.Document `json:"schedule"`
	NextFireTime *time.Time       `json:"next_fire_time"`
	Paused       bool             `json:"paused"`
	Running      int              `json:"running"`
}

// Options は Runtime の動作設定です。
type Options struct {
	Engine       *trigger.Engine
	Ledger       *ledger.Ledger
	Store        *Store
	Logger       *zap.SugaredLogger
	Notifier     Notifier
	AllowOverlap bool
	// MaxSleep はループが一度に待つ最大時間です。時計のずれを拾うために使います。
	MaxSleep time.Duration
	Now      func() time.Time
}

type entry struct {
	def     Definition
	spec    trigger.Spec
	paused  bool
	next    *time.Time
	running int
}

// Runtime はスケジュールジョブの状態とタイマーループを持ちます。
// ジョブの状態を変更できるのは Runtime だけです。
type Runtime struct {
	engine       *trigger.Engine
	ledger       *ledger.Ledger
	store        *Store
	log          *zap.SugaredLogger
	notifier     Notifier
	allowOverlap bool
	maxSleep     time.Duration
	now          func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	order   []string

	// opsMu は永続化を伴う変更を直列化します。
	opsMu sync.Mutex

	kick    chan struct{}
	tasks   sync.WaitGroup
	loop    sync.WaitGroup
	started bool
	cancel  context.CancelFunc

	taskCtx    context.Context
	cancelTask context.CancelFunc
}

// New は Runtime を作成します。Load を呼ぶまでジョブは次回発火時刻を持ちません。
func New(defs []Definition, opts Options) (*Runtime, error) {
	if opts.Ledger == nil || opts.Store == nil {
		return nil, errors.New("scheduler requires a ledger and a store")
	}
	if opts.Engine == nil {
		opts.Engine = trigger.NewEngine(time.UTC)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.MaxSleep <= 0 {
		opts.MaxSleep = defaultMaxSleep
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	entries := make(map[string]*entry, len(defs))
	order := make([]string, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" || def.Run == nil {
			return nil, errors.Newf("invalid task definition %q", def.Name)
		}
		if _, dup := entries[def.Name]; dup {
			return nil, errors.Newf("duplicate task definition %q", def.Name)
		}
		if err := trigger.Validate(def.Trigger); err != nil {
			return nil, errors.Wrapf(err, "default trigger for %s", def.Name)
		}
		entries[def.Name] = &entry{def: def, spec: def.Trigger}
		order = append(order, def.Name)
	}

	taskCtx, cancelTask := context.WithCancel(context.Background())
	return &Runtime{
		engine:       opts.Engine,
		ledger:       opts.Ledger,
		store:        opts.Store,
		log:          opts.Logger,
		notifier:     opts.Notifier,
		allowOverlap: opts.AllowOverlap,
		maxSleep:     opts.MaxSleep,
		now:          opts.Now,
		entries:      entries,
		order:        order,
		kick:         make(chan struct{}, 1),
		taskCtx:      taskCtx,
		cancelTask:   cancelTask,
	}, nil
}

// Load は保存済みの設定を読み込み、無いジョブは既定値で登録します。
// 前回のプロセスで running のまま残った実行記録は failed にします。
func (r *Runtime) Load(ctx context.Context) error {
	now := r.now()
	stale, err := r.ledger.ReconcileStale(ctx, now)
	if err != nil {
		return err
	}
	if stale > 0 {
		r.log.Warnw("Marked stale scheduled tasks as failed", "count", stale)
	}

	r.opsMu.Lock()
	defer r.opsMu.Unlock()

	for _, name := range r.order {
		r.mu.Lock()
		e := r.entries[name]
		def := e.def
		r.mu.Unlock()

		spec, paused := def.Trigger, false
		rec, err := r.store.Get(ctx, name)
		if err != nil {
			return err
		}
		switch {
		case rec == nil:
			if err := r.store.Save(ctx, name, def.Label, spec, false, now); err != nil {
				return err
			}
		default:
			paused = rec.Paused
			stored, err := trigger.Unmarshal(rec.TriggerSpec)
			if err != nil {
				r.log.Warnw("Ignoring invalid stored trigger", "job", name, "error", err)
				if err := r.store.Save(ctx, name, def.Label, spec, paused, now); err != nil {
					return err
				}
			} else {
				spec = stored
			}
		}

		next, err := r.nextFire(spec, paused, now)
		if err != nil {
			return err
		}
		r.mu.Lock()
		e.spec, e.paused, e.next = spec, paused, next
		r.mu.Unlock()
		r.log.Infow("Scheduler job registered", "job", name, "trigger", spec.String(), "paused", paused)
	}
	return nil
}

func (r *Runtime) nextFire(spec trigger.Spec, paused bool, from time.Time) (*time.Time, error) {
	if paused {
		return nil, nil
	}
	next, err := r.engine.Next(spec, from)
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// Start はタイマーループを起動します。
func (r *Runtime) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.started = true
	r.cancel = cancel
	r.loop.Add(1)
	go r.run(ctx)
	r.log.Infow("Scheduler started", "jobs", len(r.order), "timezone", r.engine.Location().String())
}

// Running はタイマーループが動いているかどうかを返します。
func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Stop はループを止め、実行中のタスクの終了を ctx の期限まで待ちます。
// 期限を過ぎたタスクには取り消しを伝えます。
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.cancel()
		r.started = false
	}
	r.mu.Unlock()
	r.loop.Wait()

	done := make(chan struct{})
	go func() {
		r.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancelTask()
		return nil
	case <-ctx.Done():
		r.cancelTask()
		return errors.Wrap(ctx.Err(), "wait for scheduled tasks")
	}
}

// Wait は実行中のタスク本体がすべて終わるまで待ちます。
func (r *Runtime) Wait() {
	r.tasks.Wait()
}

func (r *Runtime) run(ctx context.Context) {
	defer r.loop.Done()
	for {
		r.Tick(ctx)

		timer := time.NewTimer(r.sleepFor())
		select {
		case <-ctx.Done():
			timer.Stop()
			r.log.Infow("Scheduler stopped")
			return
		case <-r.kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (r *Runtime) sleepFor() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	wait := r.maxSleep
	now := r.now()
	for _, e := range r.entries {
		if e.next == nil {
			continue
		}
		if d := e.next.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		return 0
	}
	return wait
}

func (r *Runtime) wake() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Tick は現在時刻で発火時刻に達したジョブを実行します。
func (r *Runtime) Tick(ctx context.Context) {
	now := r.now()

	var due []Definition
	r.mu.Lock()
	for _, name := range r.order {
		e := r.entries[name]
		if e.paused || e.next == nil || e.next.After(now) {
			continue
		}

		// 日次と週次は元の周期で、間隔は完了時刻から次回を決める
		next, err := r.engine.Next(e.spec, now)
		if err != nil {
			r.log.Errorw("Failed to compute next fire time", "job", name, "error", err)
			e.next = nil
			continue
		}
		e.next = &next

		if e.running > 0 && !r.allowOverlap {
			r.log.Warnw("Skipping fire while previous run is in progress", "job", name, "next_fire_time", next)
			continue
		}
		e.running++
		due = append(due, e.def)
	}
	r.mu.Unlock()

	for _, def := range due {
		if _, err := r.launch(ctx, def, ledger.SourceSchedule, now); err != nil {
			r.log.Errorw("Failed to start scheduled task", "job", def.Name, "error", err)
		}
	}
}

// RunNow はタスク本体を一度だけ実行します。スケジュールには影響しません。
// 作成した実行記録の ID を返します。
func (r *Runtime) RunNow(ctx context.Context, name string) (int64, error) {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return 0, notFound(name)
	}
	if e.running > 0 && !r.allowOverlap {
		r.mu.Unlock()
		return 0, apperror.Conflict("TASK_ALREADY_RUNNING",
			fmt.Sprintf("タスク %s は実行中です。", name), 0)
	}
	e.running++
	def := e.def
	r.mu.Unlock()

	r.log.Infow("Running scheduler job manually", "job", name)
	return r.launch(ctx, def, ledger.SourceManual, r.now())
}

// launch は実行記録を作成してからタスク本体を goroutine で実行します。
// 呼び出し前に entry.running を増やしておきます。
func (r *Runtime) launch(ctx context.Context, def Definition, source string, at time.Time) (int64, error) {
	id, err := r.ledger.Start(context.WithoutCancel(ctx), def.Name, def.Kind, source, at)
	if err != nil {
		r.mu.Lock()
		r.entries[def.Name].running--
		r.mu.Unlock()
		return 0, err
	}
	r.publish(id)

	r.tasks.Add(1)
	go r.execute(def, source, id)
	return id, nil
}

func (r *Runtime) execute(def Definition, source string, id int64) {
	defer r.tasks.Done()

	result, err := r.invoke(def)
	finished := r.now()
	persist := context.Background()

	if err != nil {
		r.log.Errorw("Scheduled task failed", "job", def.Name, "task_id", id, "error", err)
		if ferr := r.ledger.Fail(persist, id, err, finished); ferr != nil {
			r.log.Errorw("Failed to record task failure", "task_id", id, "error", ferr)
		}
	} else {
		r.log.Infow("Scheduled task completed", "job", def.Name, "task_id", id)
		if ferr := r.ledger.Complete(persist, id, result, finished); ferr != nil {
			r.log.Errorw("Failed to record task completion", "task_id", id, "error", ferr)
		}
	}

	r.mu.Lock()
	e := r.entries[def.Name]
	e.running--
	if _, interval := e.spec.(trigger.Interval); interval && source == ledger.SourceSchedule && !e.paused {
		if next, nerr := r.engine.Next(e.spec, finished); nerr == nil {
			e.next = &next
		}
	}
	r.mu.Unlock()

	r.publish(id)
	r.wake()
}

// invoke はタスク本体の panic を失敗として扱います。
func (r *Runtime) invoke(def Definition) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("task panicked: %v", p)
		}
	}()
	return def.Run(r.taskCtx)
}

func (r *Runtime) publish(id int64) {
	task, err := r.ledger.Get(context.Background(), id)
	if err != nil {
		return
	}
	r.notifier.Publish(EventTaskUpdated, task)
}

// Pause はジョブを一時停止します。停止済みの場合は何もしません。
func (r *Runtime) Pause(ctx context.Context, name string) (*Job, error) {
	r.opsMu.Lock()
	defer r.opsMu.Unlock()

	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	paused, spec, label := e.paused, e.spec, e.def.Label
	r.mu.Unlock()

	if !paused {
		if err := r.store.Save(ctx, name, label, spec, true, r.now()); err != nil {
			return nil, err
		}
		r.mu.Lock()
		e.paused, e.next = true, nil
		r.mu.Unlock()
		r.log.Infow("Scheduler job paused", "job", name)
	}
	return r.Job(name)
}

// Resume は一時停止中のジョブを再開し、現在時刻から次回発火時刻を計算し直します。
func (r *Runtime) Resume(ctx context.Context, name string) (*Job, error) {
	r.opsMu.Lock()
	defer r.opsMu.Unlock()

	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	paused, spec, label := e.paused, e.spec, e.def.Label
	r.mu.Unlock()

	if paused {
		now := r.now()
		next, err := r.nextFire(spec, false, now)
		if err != nil {
			return nil, err
		}
		if err := r.store.Save(ctx, name, label, spec, false, now); err != nil {
			return nil, err
		}
		r.mu.Lock()
		e.paused, e.next = false, next
		r.mu.Unlock()
		r.wake()
		r.log.Infow("Scheduler job resumed", "job", name, "next_fire_time", next)
	}
	return r.Job(name)
}

// Reschedule はトリガーを置き換えます。一時停止中のジョブは停止したままです。
// spec が不正な場合は何も変更しません。
func (r *Runtime) Reschedule(ctx context.Context, name string, spec trigger.Spec) (*Job, error) {
	r.opsMu.Lock()
	defer r.opsMu.Unlock()

	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if err := trigger.Validate(spec); err != nil {
		return nil, err
	}

	r.mu.Lock()
	paused, label := e.paused, e.def.Label
	r.mu.Unlock()

	now := r.now()
	next, err := r.nextFire(spec, paused, now)
	if err != nil {
		return nil, err
	}
	if err := r.store.Save(ctx, name, label, spec, paused, now); err != nil {
		return nil, err
	}
	r.mu.Lock()
	e.spec, e.next = spec, next
	r.mu.Unlock()
	r.wake()
	r.log.Infow("Scheduler job rescheduled", "job", name, "trigger", spec.String(), "paused", paused)
	return r.Job(name)
}

func (r *Runtime) lookup(name string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, notFound(name)
	}
	return e, nil
}

func notFound(name string) error {
	return apperror.NotFound("SCHEDULER_JOB_NOT_FOUND", fmt.Sprintf("スケジュールジョブ %q は存在しません。", name))
}

// Job は name の現在の状態を返します。
func (r *Runtime) Job(name string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, notFound(name)
	}
	job := e.snapshot()
	return &job, nil
}

// Jobs はすべてのジョブを ID 順に返します。
func (r *Runtime) Jobs() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := make([]Job, 0, len(r.entries))
	for _, e := range r.entries {
		jobs = append(jobs, e.snapshot())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

// ActiveCount は一時停止していないジョブの数を返します。
func (r *Runtime) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if !e.paused {
			n++
		}
	}
	return n
}

func (e *entry) snapshot() Job {
	job := Job{
		ID:       e.def.Name,
		Name:     e.def.Label,
		TaskType: e.def.Kind,
		Trigger:  e.spec.String(),
		Schedule: trigger.ToDocument(e.spec),
		Paused:   e.paused,
		Running:  e.running,
	}
	if e.next != nil {
		next := *e.next
		job.NextFireTime = &next
	}
	return job
}
