package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/homework-grader/constants"
	"github.com/joseph-ayodele/homework-grader/internal/budget"
	"github.com/joseph-ayodele/homework-grader/internal/capability"
	"github.com/joseph-ayodele/homework-grader/internal/capability/ocr"
	"github.com/joseph-ayodele/homework-grader/internal/capability/openai"
	"github.com/joseph-ayodele/homework-grader/internal/common"
	"github.com/joseph-ayodele/homework-grader/internal/export"
	"github.com/joseph-ayodele/homework-grader/internal/jobs"
	"github.com/joseph-ayodele/homework-grader/internal/orchestrator"
	"github.com/joseph-ayodele/homework-grader/internal/queue"
	"github.com/joseph-ayodele/homework-grader/internal/store"
	"github.com/joseph-ayodele/homework-grader/internal/tool"
	"github.com/joseph-ayodele/homework-grader/internal/worker"
)

// App is the wired grading system: store, queues, tool contract, engine, handlers and pools.
type App struct {
	Config   *common.Config
	DB       *store.DB // nil with the memory driver
	Store    store.Store
	Pages    queue.Queue
	Reviews  queue.Queue
	Contract *tool.Contract
	Engine   *orchestrator.Engine
	Jobs     *jobs.Service
	Export   *export.Service

	pagePool   *worker.Pool
	reviewPool *worker.Pool
	logger     *slog.Logger
}

// Option overrides a component after the defaults are built; tests use it to swap providers.
type Option func(*options)

type options struct {
	provider tool.Provider
}

// WithProvider replaces the capability router.
func WithProvider(p tool.Provider) Option {
	return func(o *options) { o.provider = p }
}

// New opens storage and wires every component. Call Start to launch the worker pools.
func New(ctx context.Context, cfg *common.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	a := &App{Config: cfg, logger: logger}

	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}

	provider := o.provider
	if provider == nil {
		provider = NewRouter(cfg, logger)
	}
	registry := tool.MustDefaultRegistry(cfg.Orchestrator.CallTimeout)
	a.Contract = tool.NewContract(registry, provider, tool.NewSanitizer(cfg.Sanitize.MaxTextRunes, logger), logger)
	costs := budget.NewCostModel(registry.BaseCosts(), cfg.Budget.PerKiB, cfg.Budget.Weights)

	a.Engine = orchestrator.NewEngine(a.Contract, costs, orchestrator.Config{
		MaxIterations:   cfg.Orchestrator.MaxIterations,
		MinConfidence:   cfg.Orchestrator.MinConfidence,
		TextFloorRunes:  cfg.Orchestrator.TextFloorRunes,
		PlanConcurrency: cfg.Orchestrator.PlanConcurrency,
	}, logger)

	a.Jobs = jobs.NewService(a.Store, a.Pages, cfg.Budget.TimeLimit, cfg.Budget.CostUnits, logger)
	a.Export = export.NewService(a.Store, logger)

	pages := jobs.NewPageHandler(a.Store, a.Engine, a.Reviews, jobs.PageConfig{
		LeaseTTL:    cfg.Workers.LeaseTTL,
		MaxAttempts: cfg.Workers.MaxAttempts,
	}, logger)
	reviews := jobs.NewReviewHandler(a.Store, a.Contract, costs, jobs.ReviewConfig{
		CostUnits:     cfg.Workers.ReviewCostUnits,
		MinConfidence: cfg.Orchestrator.MinConfidence,
		MaxAttempts:   cfg.Workers.MaxAttempts,
	}, logger)

	a.pagePool = worker.NewPool("pages", a.Pages, pages, logger,
		worker.WithWorkers(cfg.Workers.PageWorkers),
		worker.WithProcessTimeout(cfg.Workers.ProcessTimeout),
	)
	a.reviewPool = worker.NewPool("reviews", a.Reviews, reviews, logger,
		worker.WithWorkers(cfg.Workers.ReviewWorkers),
		worker.WithProcessTimeout(cfg.Workers.ProcessTimeout),
	)
	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	cfg := a.Config
	if cfg.Database.Driver == "memory" {
		a.Store = store.NewMemoryStore()
	} else {
		db, err := store.Open(ctx, store.Config{
			Driver:           cfg.Database.Driver,
			DSN:              cfg.Database.DSN,
			MaxConns:         cfg.Database.MaxConns,
			MinConns:         cfg.Database.MinConns,
			MaxConnLifetime:  cfg.Database.MaxConnLifetime,
			MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
			DialTimeout:      cfg.Database.DialTimeout,
			StatementTimeout: cfg.Database.StatementTimeout,
		}, a.logger)
		if err != nil {
			return common.NewAppError("DB_ERROR", "open database", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close(a.logger)
			return common.NewAppError("DB_ERROR", "migrate database", err)
		}
		a.DB = db
		a.Store = store.NewSQLStore(db, a.logger)
	}

	switch cfg.Workers.QueueBackend {
	case "sql":
		if a.DB == nil {
			return fmt.Errorf("%w: sql queue needs a SQL database", common.ErrInvalidInput)
		}
		a.Pages = queue.NewSQLQueue(a.DB, string(queue.KindPage), a.logger,
			queue.WithVisibility(cfg.Workers.LeaseTTL),
			queue.WithPollInterval(cfg.Workers.PollInterval),
		)
		a.Reviews = queue.NewSQLQueue(a.DB, string(queue.KindReview), a.logger,
			queue.WithVisibility(cfg.Workers.LeaseTTL),
			queue.WithPollInterval(cfg.Workers.PollInterval),
		)
	default:
		a.Pages = queue.NewMemoryQueue(string(queue.KindPage), a.logger, queue.WithQueueSize(cfg.Workers.QueueSize))
		a.Reviews = queue.NewMemoryQueue(string(queue.KindReview), a.logger, queue.WithQueueSize(cfg.Workers.QueueSize))
	}
	return nil
}

// NewRouter routes the model-backed capabilities to the OpenAI-compatible client when an
// API key is configured, and the lite text extraction to local tesseract.
func NewRouter(cfg *common.Config, logger *slog.Logger) *capability.Router {
	r := capability.NewRouter(logger)
	if cfg.LLM.APIKey != "" {
		client := openai.NewClient(openai.Config{
			APIKey:        cfg.LLM.APIKey,
			BaseURL:       cfg.LLM.BaseURL,
			Model:         cfg.LLM.Model,
			LiteModel:     cfg.LLM.LiteModel,
			Temperature:   cfg.LLM.Temperature,
			Timeout:       cfg.LLM.Timeout,
			TokensPerUnit: int64(cfg.LLM.TokensPerUnit),
		}, logger)
		r.Route(client, openai.Capabilities()...)
	} else {
		logger.Warn("capability.openai.disabled", "reason", "OPENAI_API_KEY not set")
	}
	r.Route(ocr.NewProvider(ocr.Config{
		Tesseract:     cfg.OCR.Binary,
		TesseractLang: cfg.OCR.Lang,
		TessdataDir:   cfg.OCR.TessdataDir,
		HeicConverter: cfg.OCR.HeicConverter,
	}, logger), constants.CapExtractTextLite)
	logger.Info("capability.routes", "routed", r.Routed())
	return r
}

// Start launches the page and review pools.
func (a *App) Start(ctx context.Context) {
	a.pagePool.Start(ctx)
	a.reviewPool.Start(ctx)
	a.logger.Info("app.started",
		"db_driver", a.Config.Database.Driver,
		"queue_backend", a.Config.Workers.QueueBackend,
		"page_workers", a.Config.Workers.PageWorkers,
		"review_workers", a.Config.Workers.ReviewWorkers,
	)
}

// Shutdown drains the page pool before the review pool, since finishing pages push
// review tokens, then closes storage.
func (a *App) Shutdown(ctx context.Context) {
	a.pagePool.Shutdown(ctx)
	a.reviewPool.Shutdown(ctx)
	if a.DB != nil {
		a.DB.Close(a.logger)
	}
	a.logger.Info("app.stopped")
}
