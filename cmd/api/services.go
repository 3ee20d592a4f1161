package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cheri-hub/sicar-api/internal/config"
	"github.com/cheri-hub/sicar-api/internal/database"
	"github.com/cheri-hub/sicar-api/internal/downloads"
	"github.com/cheri-hub/sicar-api/internal/events"
	"github.com/cheri-hub/sicar-api/internal/ledger"
	"github.com/cheri-hub/sicar-api/internal/releases"
	"github.com/cheri-hub/sicar-api/internal/scheduler"
	"github.com/cheri-hub/sicar-api/internal/settings"
	"github.com/cheri-hub/sicar-api/internal/sicar"
	"github.com/cheri-hub/sicar-api/internal/storage"
	"github.com/cheri-hub/sicar-api/internal/trigger"
)

// services はサーバーが保持するコンポーネント一式です。
type services struct {
	log *zap.SugaredLogger

	db    *sql.DB
	redis *redis.Client // QUEUE_REDIS_URL が空なら nil
	files *storage.Local
	sicar sicar.Client
	hub   *events.Hub

	dispatcher   downloads.Dispatcher
	orchestrator *downloads.Orchestrator
	ledger       *ledger.Ledger
	scheduler    *scheduler.Runtime
	releases     *releases.Service
	settings     *settings.Store
}

func buildServices(cfg *config.Config, log *zap.SugaredLogger) (*services, error) {
	db, err := database.OpenAndMigrate(cfg.DatabasePath, log)
	if err != nil {
		return nil, err
	}
	svc := &services{
		log:   log,
		db:    db,
		files: storage.NewOSLocal(cfg.DownloadDir),
		hub:   events.NewHub(splitOrigins(cfg.CORSAllowedOrigins), log),
	}

	solver, err := sicar.NewCommandSolver(cfg.CaptchaCommand)
	if err != nil {
		svc.shutdown(context.Background())
		return nil, err
	}
	client, err := sicar.NewHTTPClient(sicar.Options{
		BaseURL:     cfg.SICARBaseURL,
		Timeout:     cfg.SICARTimeout,
		Attempts:    cfg.CaptchaAttempts,
		InsecureTLS: cfg.SICARInsecureTLS,
		Solver:      solver,
		Logger:      log,
	})
	if err != nil {
		svc.shutdown(context.Background())
		return nil, err
	}
	svc.sicar = client

	inflight, dispatcher, err := svc.buildQueue(cfg)
	if err != nil {
		svc.shutdown(context.Background())
		return nil, err
	}
	svc.dispatcher = dispatcher
	svc.orchestrator = downloads.NewOrchestrator(
		downloads.NewStore(db), inflight, dispatcher, client, svc.files,
		downloads.Options{
			MaxRetries: cfg.DownloadMaxRetries,
			RetryDelay: cfg.DownloadRetryDelay,
			Logger:     log,
			Notifier:   svc.hub,
		},
	)

	svc.ledger = ledger.New(db)
	svc.releases = releases.NewService(db, client, log)
	svc.settings = settings.NewStore(db)

	catalogue := scheduler.DefaultCatalogue(scheduler.CatalogueConfig{
		Hour:     cfg.ScheduleHour,
		Minute:   cfg.ScheduleMinute,
		States:   cfg.AutoDownloadStates,
		Polygons: cfg.AutoDownloadPolygons,
		Poll:     5 * time.Second,
		Logger:   log,
	}, svc.orchestrator, svc.releases)

	rt, err := scheduler.New(catalogue, scheduler.Options{
		Engine:       trigger.NewEngine(cfg.Location()),
		Ledger:       svc.ledger,
		Store:        scheduler.NewStore(db),
		Logger:       log,
		Notifier:     svc.hub,
		AllowOverlap: cfg.SchedulerAllowOverlap,
	})
	if err != nil {
		svc.shutdown(context.Background())
		return nil, err
	}
	svc.scheduler = rt
	return svc, nil
}

// buildQueue は QUEUE_REDIS_URL に応じて実行中ロックとディスパッチャーを選びます。
// Redis を使う場合は複数プロセスで同じ対象を同時に実行しないよう、ロックも Redis に置きます。
func (s *services) buildQueue(cfg *config.Config) (downloads.Inflight, downloads.Dispatcher, error) {
	if cfg.QueueRedisURL == "" {
		s.log.Infow("Using in-process download dispatcher", "max_concurrent", cfg.MaxConcurrentDownloads)
		return downloads.NewMemoryInflight(), downloads.NewLocalDispatcher(cfg.MaxConcurrentDownloads, s.log), nil
	}

	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to parse QUEUE_REDIS_URL")
	}
	s.redis = redis.NewClient(opt)

	// タスクのタイムアウトはロックの有効期限に合わせ、実行中にロックが切れないようにする
	dispatcher, err := downloads.NewAsynqDispatcher(cfg.QueueRedisURL, cfg.MaxConcurrentDownloads, cfg.InflightTTL, s.log)
	if err != nil {
		return nil, nil, err
	}
	s.log.Infow("Using asynq download dispatcher", "max_concurrent", cfg.MaxConcurrentDownloads)
	return downloads.NewRedisInflight(s.redis, cfg.InflightTTL), dispatcher, nil
}

// start は前回の停止で中断されたジョブを整理してワーカーを起動し、スケジューラーを動かします。
func (s *services) start(ctx context.Context, cfg *config.Config) error {
	// 中断されたジョブを failed にしてからワーカーが起動する
	report, err := s.orchestrator.Reconcile(ctx)
	if err != nil {
		return err
	}
	s.log.Infow("Download jobs reconciled", "stale", report.Stale, "held", report.Held, "requeued", report.Requeued)

	if err := s.scheduler.Load(ctx); err != nil {
		return err
	}
	if !cfg.ScheduleEnabled {
		s.log.Infow("Scheduler disabled by SCHEDULE_ENABLED=false")
		return nil
	}
	s.scheduler.Start()
	return nil
}

// shutdown は起動した順と逆に止めます。構築途中で呼ばれても安全です。
func (s *services) shutdown(ctx context.Context) {
	if s.scheduler != nil {
		if err := s.scheduler.Stop(ctx); err != nil {
			s.log.Warnw("Scheduler stop incomplete", "error", err)
		}
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Shutdown(ctx); err != nil {
			s.log.Warnw("Download dispatcher shutdown incomplete", "error", err)
		}
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Warnw("Failed to close redis client", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Warnw("Failed to close database", "error", err)
		}
	}
}
