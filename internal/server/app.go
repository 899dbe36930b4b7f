// Package server assembles the permit crawler from configuration and runs it
// as a long-lived service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/api"
	"github.com/JakeFAU/permit-crawler/internal/clock/system"
	"github.com/JakeFAU/permit-crawler/internal/config"
	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/dispatcher"
	"github.com/JakeFAU/permit-crawler/internal/engine"
	collyfetcher "github.com/JakeFAU/permit-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/permit-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/permit-crawler/internal/fetcher/session"
	"github.com/JakeFAU/permit-crawler/internal/hash/sha256"
	"github.com/JakeFAU/permit-crawler/internal/id/uuid"
	"github.com/JakeFAU/permit-crawler/internal/metrics"
	"github.com/JakeFAU/permit-crawler/internal/parser"
	"github.com/JakeFAU/permit-crawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/permit-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/permit-crawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/permit-crawler/internal/queue/memory"
	"github.com/JakeFAU/permit-crawler/internal/scheduler"
	gcsstorage "github.com/JakeFAU/permit-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/permit-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/permit-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/permit-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/permit-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/permit-crawler/internal/store"
	"github.com/JakeFAU/permit-crawler/internal/telemetry"
	"github.com/JakeFAU/permit-crawler/internal/worker"
)

const (
	serviceName     = "permit-crawler"
	shutdownTimeout = 10 * time.Second
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store      *store.Store
	engine     *engine.Engine
	fetcher    crawler.PageFetcher
	parser     *parser.Parser
	publisher  crawler.Publisher
	queue      *queueMemory.Queue
	workers    []*worker.Worker
	dispatch   *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	apiServer  *api.Server
	gcsClient  *storage.Client
	pubsubPub  *gcppublisher.Publisher
	index      crawler.RecordIndex
	headless   *headlessfetcher.Fetcher
	shutdownTP telemetry.Shutdown
}

// Build creates the application's dependencies from cfg. The caller owns the
// returned App and must Close it.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	metrics.Init()
	app.shutdownTP, err = telemetry.InitTracing(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("db_driver", cfg.DB.Driver),
	)

	clock := system.New()
	objects, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	if err = setupIndex(ctx, app); err != nil {
		return nil, err
	}

	storeOpts := []store.Option{store.WithLogger(logger)}
	if app.index != nil {
		storeOpts = append(storeOpts, store.WithIndex(app.index))
	}
	app.store = store.New(objects, clock, store.Config{
		SnapshotPaths: cfg.Storage.SnapshotPaths,
		LogPaths:      cfg.Storage.LogPaths,
	}, storeOpts...)

	if app.fetcher, err = setupFetcher(app); err != nil {
		return nil, err
	}
	app.parser = parser.New(clock)

	engineOpts := []engine.Option{engine.WithLogger(logger), engine.WithSleeper(clock)}
	if cfg.Storage.ArchiveRaw {
		engineOpts = append(engineOpts, engine.WithArchiver(
			store.NewRawArchiver(objects, sha256.New(), "raw"),
		))
	}
	app.engine = engine.New(app.fetcher, app.parser, app.store, engineConfig(cfg), engineOpts...)

	if app.publisher, err = setupPublisher(ctx, app); err != nil {
		return nil, err
	}

	ids := uuid.New()
	app.queue = queueMemory.NewQueue(cfg.Dispatcher.QueueDepth)
	consumers := make([]dispatcher.Consumer, 0, cfg.Dispatcher.Concurrency)
	for i := 0; i < cfg.Dispatcher.Concurrency; i++ {
		w := worker.New(app.queue, app.engine, app.store, app.store, app.publisher, ids, clock,
			workerConfig(cfg), logger.With(zap.Int("worker", i)))
		app.workers = append(app.workers, w)
		consumers = append(consumers, w)
	}
	app.dispatch = dispatcher.New(app.queue, consumers, ids, clock)

	if cfg.Schedule.Enabled {
		app.scheduler = scheduler.New(app.dispatch, cfg.Schedule.Interval, cfg.Schedule.RunOnStart, logger)
	}

	app.apiServer = api.NewServer(
		app.store,
		app.store,
		app.dispatch,
		api.Probe{Fetcher: app.fetcher, Parser: app.parser},
		clock,
		cfg,
		logger,
	)
	return app, nil
}

func engineConfig(cfg config.Config) engine.Config {
	delay := cfg.RequestDelay()
	if delay == 0 {
		// The engine treats zero as "use the default"; configured zero means no pause.
		delay = -1
	}
	return engine.Config{
		RecordType:             cfg.Crawler.RecordType,
		MaxConsecutiveFailures: cfg.Crawler.MaxConsecutiveFailures,
		MaxConsecutiveNoData:   cfg.Crawler.MaxConsecutiveNoData,
		BatchSize:              cfg.Crawler.BatchSize,
		RequestDelay:           delay,
		MaxCrawlPerRun:         cfg.Crawler.MaxCrawlPerRun,
	}
}

func workerConfig(cfg config.Config) worker.Config {
	years := make([]worker.YearPlan, 0, len(cfg.Crawler.Years))
	for _, y := range cfg.SortedYears() {
		years = append(years, worker.YearPlan{Year: y.Year, CompleteAt: y.CompleteAt})
	}
	return worker.Config{
		Years:     years,
		StartYear: cfg.Crawler.StartYear,
		AutoStop:  cfg.Crawler.AutoStop,
		Topic:     cfg.PubSub.TopicName,
	}
}

func setupStorage(ctx context.Context, app *App) (crawler.ObjectStore, error) {
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case config.BackendGCS:
		app.logger.Info("using GCS storage backend", zap.String("bucket", cfg.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case config.BackendLocal:
		app.logger.Info("using local storage backend", zap.String("path", cfg.BaseDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupIndex(ctx context.Context, app *App) error {
	cfg := app.cfg.DB
	switch cfg.Driver {
	case config.DriverPostgres:
		idx, err := pgstore.NewRecordIndex(ctx, pgstore.Config{DSN: cfg.DSN, TablePrefix: cfg.TablePrefix})
		if err != nil {
			return fmt.Errorf("postgres index init failed: %w", err)
		}
		app.index = idx
	case config.DriverSQLite:
		idx, err := sqlitestore.Open(ctx, cfg.DSN, cfg.TablePrefix)
		if err != nil {
			return fmt.Errorf("sqlite index init failed: %w", err)
		}
		app.index = idx
	default:
		app.logger.Info("no record index configured")
		return nil
	}
	app.logger.Info("record index initialized", zap.String("driver", cfg.Driver))
	return nil
}

func setupFetcher(app *App) (crawler.PageFetcher, error) {
	cfg := app.cfg
	transport := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})
	opts := []session.Option{session.WithLogger(app.logger)}
	if cfg.HTTP.MaxRPS > 0 {
		opts = append(opts, session.WithLimiter(ratelimit.New(ratelimit.Config{RPS: cfg.HTTP.MaxRPS, Burst: 1})))
	}
	primary := session.New(transport, session.Config{
		BaseURL:         cfg.Crawler.BaseURL,
		UserAgent:       cfg.HTTP.UserAgent,
		MaxRetries:      cfg.HTTP.MaxRetries,
		BackoffBase:     time.Duration(cfg.HTTP.BackoffBaseMs) * time.Millisecond,
		BackoffStep:     time.Duration(cfg.HTTP.BackoffStepMs) * time.Millisecond,
		ReloadWait:      time.Duration(cfg.HTTP.ReloadWaitMs) * time.Millisecond,
		MarkerRetryWait: time.Duration(cfg.HTTP.MarkerRetryWaitMs) * time.Millisecond,
	}, opts...)

	if !cfg.Headless.Enabled {
		return primary, nil
	}
	hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		BaseURL:           cfg.Crawler.BaseURL,
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.HTTP.UserAgent,
		NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	app.headless = hf
	app.logger.Info("using headless fallback fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	return &session.Fallback{Primary: primary, Secondary: hf, Logger: app.logger}, nil
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	cfg := app.cfg.PubSub
	if cfg.TopicName == "" || cfg.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPub = gcppublisher.New(client)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.TopicName),
	)
	return app.pubsubPub, nil
}

// Snapshot loads the stored permit snapshot.
func (a *App) Snapshot(ctx context.Context) (crawler.Snapshot, error) {
	return a.store.Snapshot(ctx)
}

// Logs lists crawl log entries, newest first.
func (a *App) Logs(ctx context.Context) ([]crawler.CrawlLogEntry, error) {
	return a.store.Logs(ctx)
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Execute runs one crawl synchronously, bypassing the queue.
func (a *App) Execute(ctx context.Context, req crawler.RunRequest) (crawler.CrawlLogEntry, error) {
	if len(a.workers) == 0 {
		return crawler.CrawlLogEntry{}, errors.New("no worker configured")
	}
	return a.workers[0].Execute(ctx, req)
}

// Run starts the dispatcher, the optional scheduler and the HTTP server, and
// blocks until ctx is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.logger.Info("dispatcher started", zap.Int("workers", len(a.workers)))
		a.dispatch.Run(ctx)
	}()

	if a.scheduler != nil {
		go a.scheduler.Run(ctx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	// Workers persist their final batch and log entry before returning.
	<-done

	return a.Close(shutdownCtx)
}

// Close releases clients and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubPub != nil {
		if err := a.pubsubPub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.index != nil {
		a.index.Close()
	}
	if a.shutdownTP != nil {
		if err := a.shutdownTP(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
