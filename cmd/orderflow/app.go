package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orderflowhq/orderflow/pkg/ai"
	"github.com/orderflowhq/orderflow/pkg/budget"
	"github.com/orderflowhq/orderflow/pkg/catalog"
	"github.com/orderflowhq/orderflow/pkg/config"
	"github.com/orderflowhq/orderflow/pkg/detect"
	"github.com/orderflowhq/orderflow/pkg/draft"
	"github.com/orderflowhq/orderflow/pkg/export"
	"github.com/orderflowhq/orderflow/pkg/extract"
	"github.com/orderflowhq/orderflow/pkg/intake"
	"github.com/orderflowhq/orderflow/pkg/ledger"
	"github.com/orderflowhq/orderflow/pkg/match"
	"github.com/orderflowhq/orderflow/pkg/objectstore"
	"github.com/orderflowhq/orderflow/pkg/observability"
	"github.com/orderflowhq/orderflow/pkg/pipeline"
	"github.com/orderflowhq/orderflow/pkg/secrets"
	"github.com/orderflowhq/orderflow/pkg/tenants"
	"github.com/orderflowhq/orderflow/pkg/validate"
	"github.com/orderflowhq/orderflow/pkg/worker"
)

// app owns every wired dependency of the process. Commands build it once
// and close it on the way out.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB

	objects objectstore.Store
	tenants tenants.Store
	catalog catalog.Store
	intake  intake.Store
	runs    extract.Store
	drafts  draft.Store
	issues  validate.IssueStore
	exports *export.PostgresStore
	ledger  ledger.Store
	queue   *worker.PostgresQueue
	box     *secrets.Box

	pipeline  *pipeline.Pipeline
	exporter  *export.Exporter
	ackPoller *export.Poller
	engine    *worker.Engine
	scheduler *worker.Scheduler
}

// buildApp loads the configuration and connects every backend. Schema
// setup is idempotent; each store creates its own tables.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := observability.SetupLogger(cfg.LogLevel, cfg.LogFormat)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Worker.Count * 4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	objects, err := objectstore.New(ctx, objectstore.Config{
		Backend: objectstore.Backend(cfg.ObjectStore.Backend),
		File: objectstore.FileStoreConfig{
			BaseDir: cfg.ObjectStore.Dir,
			BaseURL: cfg.ObjectStore.BaseURL,
			Secret:  cfg.ObjectStore.URLSecret,
		},
		S3: objectstore.S3StoreConfig{
			Bucket:   cfg.ObjectStore.S3Bucket,
			Region:   cfg.ObjectStore.S3Region,
			Endpoint: cfg.ObjectStore.S3Endpoint,
		},
		GCS: objectstore.GCSConfig{Bucket: cfg.ObjectStore.GCSBucket},
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("object store: %w", err)
	}

	box, err := secrets.NewBox([]byte(cfg.MasterSecret))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("secrets box: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		objects: objects,
		tenants: tenants.NewPostgresStore(db),
		catalog: catalog.NewPostgresStore(db),
		intake:  intake.NewPostgresStore(db),
		runs:    extract.NewPostgresStore(db),
		drafts:  draft.NewPostgresStore(db),
		issues:  validate.NewPostgresIssueStore(db),
		exports: export.NewPostgresStore(db),
		ledger:  ledger.NewPostgresStore(db),
		queue:   worker.NewPostgresQueue(db),
		box:     box,
	}
	if err := a.initSchemas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	a.wire()
	return a, nil
}

func (a *app) initSchemas(ctx context.Context) error {
	type initer interface{ Init(ctx context.Context) error }
	for _, s := range []initer{
		a.tenants.(*tenants.PostgresStore),
		a.catalog.(*catalog.PostgresStore),
		a.intake.(*intake.PostgresStore),
		a.runs.(*extract.PostgresStore),
		a.drafts.(*draft.PostgresStore),
		a.issues.(*validate.PostgresIssueStore),
		a.exports,
		a.ledger.(*ledger.PostgresStore),
		a.queue,
	} {
		if err := s.Init(ctx); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// wire assembles the services over the stores.
func (a *app) wire() {
	cfg := a.cfg

	var limiter ai.Limiter
	if cfg.LLM.RedisURL != "" {
		if opts, err := redis.ParseURL(cfg.LLM.RedisURL); err == nil {
			limiter = ai.NewRedisLimiter(redis.NewClient(opts), cfg.LLM.RateRPS, cfg.LLM.RateBurst)
		} else {
			a.logger.Warn("redis url invalid, using in-process limiter", "error", err)
		}
	}
	if limiter == nil {
		limiter = ai.NewLocalLimiter(cfg.LLM.RateRPS, cfg.LLM.RateBurst)
	}
	llmOpts := []ai.OpenAIOption{ai.WithLimiter(limiter)}
	if cfg.LLM.BaseURL != "" {
		llmOpts = append(llmOpts, ai.WithBaseURL(cfg.LLM.BaseURL))
	}
	client := ai.NewOpenAIClient(cfg.LLM.APIKey, llmOpts...)

	gate := budget.NewGate(a.ledger, a.logger)
	router := extract.NewRouter(client, gate, a.ledger, a.runs, extract.Models{
		Text:   cfg.LLM.TextModel,
		Vision: cfg.LLM.VisionModel,
	}, a.logger)

	custom, err := validate.NewCustomRuleEvaluator()
	if err != nil {
		// CEL env construction only fails on a programming error;
		// validation then runs without tenant custom rules.
		a.logger.Error("custom rule evaluator unavailable", "error", err)
	}
	validator := validate.NewEngine(a.issues, a.catalog, a.catalog, custom, a.logger)

	exportDeps := export.Deps{
		Tenants:     a.tenants,
		Customers:   a.catalog,
		Drafts:      a.drafts,
		Connections: a.exports,
		Exports:     a.exports,
		Objects:     a.objects,
		Box:         a.box,
	}
	a.exporter = export.NewExporter(exportDeps, a.logger)
	a.ackPoller = export.NewPoller(exportDeps, cfg.Worker.AckInterval, a.logger)

	a.pipeline = pipeline.New(pipeline.Deps{
		Tenants:   a.tenants,
		Intake:    a.intake,
		Objects:   a.objects,
		Ingestor:  intake.NewIngestor(a.intake, a.objects, cfg.MaxUploadBytes, a.logger),
		Extractor: router,
		Runs:      a.runs,
		Detector:  detect.NewDetector(a.catalog, a.logger),
		Matcher:   match.NewMatcher(a.catalog, client, gate, a.ledger, a.logger),
		Validator: validator,
		Drafts:    a.drafts,
		Catalog:   a.catalog,
		Ledger:    a.ledger,
		Budget:    gate,
		Embedder:  client,
		Exporter:  a.exporter,
		AckPoller: a.ackPoller,
		Queue:     a.queue,
	}, a.logger)

	a.engine = worker.NewEngine(a.queue, worker.EngineConfig{
		Workers: cfg.Worker.Count,
		Lease:   cfg.Worker.Lease,
	}, a.logger)
	a.pipeline.RegisterHandlers(a.engine)

	a.scheduler = worker.NewScheduler(a.queue, a.exports, a.tenants, worker.SchedulerConfig{
		SweepHourUTC: cfg.Worker.SweepHourUTC,
	}, a.logger)
}

func (a *app) Close() error {
	return a.db.Close()
}
