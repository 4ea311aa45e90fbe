// Package bootstrap wires the service components from configuration.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	httpadapter "github.com/kirillkom/lexrag/internal/adapters/http"
	"github.com/kirillkom/lexrag/internal/config"
	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/core/ports"
	"github.com/kirillkom/lexrag/internal/core/usecase"
	"github.com/kirillkom/lexrag/internal/infrastructure/chunking"
	"github.com/kirillkom/lexrag/internal/infrastructure/collector"
	"github.com/kirillkom/lexrag/internal/infrastructure/collector/feed"
	"github.com/kirillkom/lexrag/internal/infrastructure/indexing"
	"github.com/kirillkom/lexrag/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/lexrag/internal/infrastructure/llm/openai"
	natsqueue "github.com/kirillkom/lexrag/internal/infrastructure/queue/nats"
	"github.com/kirillkom/lexrag/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/lexrag/internal/infrastructure/repository/sqlite"
	"github.com/kirillkom/lexrag/internal/infrastructure/resilience"
	"github.com/kirillkom/lexrag/internal/infrastructure/scheduler"
	"github.com/kirillkom/lexrag/internal/infrastructure/vector/memory"
	"github.com/kirillkom/lexrag/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/lexrag/internal/observability/metrics"
)

type languageModel interface {
	ports.LanguageModel
	ports.Embedder
}

// App builds components on first use so that each binary only connects to
// the dependencies it needs. It is not safe for concurrent wiring.
type App struct {
	Config config.Config
	Logger *zap.Logger

	executor      *resilience.Executor
	workerMetrics *metrics.WorkerMetrics
	httpMetrics   *metrics.HTTPServerMetrics
	checks        map[string]httpadapter.ReadinessCheck

	db          *sql.DB
	dedup       ports.DedupStore
	runs        ports.JobRunStore
	queue       *natsqueue.Queue
	locker      ports.JobLocker
	vectors     ports.VectorStore
	model       languageModel
	coordinator *usecase.IngestionCoordinator
	retrieval   *usecase.RetrievalUseCase
	trigger     *usecase.JobTriggerUseCase
	runner      *usecase.JobRunnerUseCase

	closers []func()
}

func New(cfg config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		Config:   cfg,
		Logger:   logger,
		executor: resilience.NewExecutor(resilienceConfig(cfg.Resilience), logger),
		checks:   map[string]httpadapter.ReadinessCheck{},
	}
}

func resilienceConfig(cfg config.ResilienceConfig) resilience.Config {
	return resilience.Config{
		Retry: resilience.RetryPolicy{
			MaxAttempts:    cfg.RetryMaxAttempts,
			InitialBackoff: cfg.RetryInitialBackoff,
			MaxBackoff:     cfg.RetryMaxBackoff,
			Multiplier:     cfg.RetryMultiplier,
			Jitter:         cfg.RetryJitter,
		},
		BreakerEnabled:          cfg.BreakerEnabled,
		BreakerMinRequests:      cfg.BreakerMinRequests,
		BreakerFailureRatio:     cfg.BreakerFailureRatio,
		BreakerOpenTimeout:      cfg.BreakerOpenTimeout,
		BreakerHalfOpenMaxCalls: cfg.BreakerHalfOpenMaxCalls,
	}
}

func (a *App) Jobs() []domain.IngestionJob {
	return a.Config.IngestionJobs()
}

func (a *App) Location() *time.Location {
	return a.Config.Location()
}

func (a *App) WorkerMetrics() *metrics.WorkerMetrics {
	if a.workerMetrics == nil {
		a.workerMetrics = metrics.NewWorkerMetrics(a.Config.Service.Name + "-worker")
	}
	return a.workerMetrics
}

func (a *App) HTTPMetrics() *metrics.HTTPServerMetrics {
	if a.httpMetrics == nil {
		a.httpMetrics = metrics.NewHTTPServerMetrics(a.Config.Service.Name + "-api")
	}
	return a.httpMetrics
}

func (a *App) postgres(ctx context.Context) (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := postgres.OpenDB(a.Config.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(a.Config.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(a.Config.Postgres.MaxIdleConns)
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	a.db = db
	a.checks["postgres"] = db.PingContext
	a.closers = append(a.closers, func() { _ = db.Close() })
	return db, nil
}

func (a *App) dedupStore(ctx context.Context) (ports.DedupStore, error) {
	if a.dedup != nil {
		return a.dedup, nil
	}
	switch a.Config.Dedup.Driver {
	case "sqlite":
		repo, err := sqlite.Open(a.Config.Dedup.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite dedup store: %w", err)
		}
		a.checks["dedup"] = repo.Ping
		a.closers = append(a.closers, func() { _ = repo.Close() })
		a.dedup = repo
	default:
		db, err := a.postgres(ctx)
		if err != nil {
			return nil, err
		}
		a.dedup = postgres.NewDedupRepository(db)
	}
	return a.dedup, nil
}

func (a *App) RunStore(ctx context.Context) (ports.JobRunStore, error) {
	if a.runs != nil {
		return a.runs, nil
	}
	db, err := a.postgres(ctx)
	if err != nil {
		return nil, err
	}
	a.runs = postgres.NewJobRunRepository(db)
	return a.runs, nil
}

func (a *App) natsQueue(ctx context.Context) (*natsqueue.Queue, error) {
	if a.queue != nil {
		return a.queue, nil
	}
	cfg := a.Config.NATS
	queue, err := natsqueue.New(ctx, cfg.URL, natsqueue.Options{
		Name:               a.Config.Service.Name,
		Stream:             cfg.Stream,
		SubjectPrefix:      cfg.SubjectPrefix,
		DuplicateWindow:    cfg.DuplicateWindow,
		AckWait:            cfg.AckWait,
		MaxDeliver:         cfg.MaxDeliver,
		ResilienceExecutor: a.executor,
		Logger:             a.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init job queue: %w", err)
	}
	a.queue = queue
	a.checks["nats"] = queue.Ping
	a.closers = append(a.closers, queue.Close)
	return queue, nil
}

func (a *App) jobLocker(ctx context.Context) (ports.JobLocker, error) {
	if a.locker != nil {
		return a.locker, nil
	}
	queue, err := a.natsQueue(ctx)
	if err != nil {
		return nil, err
	}
	// A lock outlives any run, so a lost worker frees it after the longest hard timeout.
	locker, err := natsqueue.NewKVLocker(ctx, queue.JetStream(), a.Config.NATS.LockBucket, a.Config.MaxHardTimeout())
	if err != nil {
		return nil, fmt.Errorf("init job locker: %w", err)
	}
	a.locker = locker
	return locker, nil
}

func (a *App) vectorStore() (ports.VectorStore, error) {
	if a.vectors != nil {
		return a.vectors, nil
	}
	cfg := a.Config.Vector
	switch cfg.Backend {
	case "qdrant-grpc":
		store, err := qdrant.NewGRPCStore(qdrant.GRPCConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantGRPCPort,
			APIKey:     cfg.QdrantAPIKey,
			UseTLS:     cfg.QdrantTLS,
			Collection: cfg.Collection,
			VectorSize: cfg.VectorSize,
		})
		if err != nil {
			return nil, err
		}
		a.checks["qdrant"] = store.Ping
		a.closers = append(a.closers, func() { _ = store.Close() })
		a.vectors = store
	case "memory":
		store, err := memory.New(cfg.MemoryPath, cfg.Collection)
		if err != nil {
			return nil, fmt.Errorf("init memory vector store: %w", err)
		}
		a.vectors = store
	default:
		client := qdrant.New(cfg.QdrantURL, cfg.Collection, cfg.QdrantAPIKey, cfg.Timeout)
		a.checks["qdrant"] = client.Ping
		a.vectors = client
	}
	return a.vectors, nil
}

func (a *App) languageModel() languageModel {
	if a.model != nil {
		return a.model
	}
	cfg := a.Config.LLM
	switch cfg.Provider {
	case "openai":
		a.model = openai.New(openai.Config{
			BaseURL:      cfg.OpenAIBaseURL,
			APIKey:       cfg.OpenAIAPIKey,
			ChatModel:    cfg.ChatModel,
			EmbedModel:   cfg.EmbedModel,
			Timeout:      cfg.Timeout,
			RateLimitRPS: cfg.RateLimitRPS,
		}, a.executor, a.Logger)
	default:
		client := ollama.New(ollama.Config{
			BaseURL:      cfg.OllamaURL,
			ChatModel:    cfg.ChatModel,
			EmbedModel:   cfg.EmbedModel,
			Timeout:      cfg.Timeout,
			RateLimitRPS: cfg.RateLimitRPS,
		}, a.executor, a.Logger)
		a.checks["ollama"] = client.Ping
		a.model = client
	}
	return a.model
}

func (a *App) classifierModel() ports.LanguageModel {
	switch model := a.languageModel().(type) {
	case *ollama.Client:
		return model.WithChatModel(a.Config.LLM.ClassifierModel)
	case *openai.Client:
		return model.WithChatModel(a.Config.LLM.ClassifierModel)
	default:
		return model
	}
}

// Ingestor is the ingestion coordinator with its dedup store, classifier,
// chunker and index adapter.
func (a *App) Ingestor(ctx context.Context) (ports.DocumentIngestor, error) {
	if a.coordinator != nil {
		return a.coordinator, nil
	}
	dedup, err := a.dedupStore(ctx)
	if err != nil {
		return nil, err
	}
	store, err := a.vectorStore()
	if err != nil {
		return nil, err
	}
	model := a.languageModel()

	classifier := usecase.NewRelevanceClassifierUseCase(a.classifierModel(), usecase.ClassifierConfig{
		Keywords:          a.Config.Classifier.Keywords,
		FallbackThreshold: a.Config.Classifier.FallbackThreshold,
		CallTimeout:       a.Config.Classifier.CallTimeout,
	}, a.Logger)
	indexer := indexing.NewAdapter(model, store, a.executor, indexing.Config{
		BatchSize: a.Config.Indexing.BatchSize,
		Policy:    resilienceConfig(a.Config.Resilience).Retry,
	}, a.Logger)
	chunker := chunking.NewSentenceChunker(a.Config.Chunking.MaxChars, a.Config.Chunking.OverlapSentences)

	a.coordinator = usecase.NewIngestionCoordinator(dedup, classifier, chunker, indexer, usecase.CoordinatorConfig{
		FreshnessWindow: a.Config.Dedup.FreshnessWindow,
	}, a.Logger).WithObserver(a.WorkerMetrics())
	return a.coordinator, nil
}

// Answers is the retrieval engine with grounding verification.
func (a *App) Answers(context.Context) (ports.AnswerService, error) {
	if a.retrieval != nil {
		return a.retrieval, nil
	}
	store, err := a.vectorStore()
	if err != nil {
		return nil, err
	}
	model := a.languageModel()
	cfg := a.Config.Retrieval

	languages := append([]string{cfg.DefaultLanguage}, cfg.Languages...)
	localizer := usecase.NewLocalizer(languages, cfg.JurisdictionLanguages)
	verifier := usecase.NewGroundingVerifierUseCase(model, cfg.VerifyTimeout, a.Logger)

	a.retrieval = usecase.NewRetrievalUseCase(model, store, model, verifier, localizer, usecase.RetrievalConfig{
		TopK:            cfg.TopK,
		MinScore:        cfg.MinScore,
		MaxContextChars: cfg.MaxContextChars,
		VerifyMode:      usecase.VerifyMode(cfg.VerifyMode),
		Cues:            usecase.JurisdictionCues(cfg.JurisdictionCues),
	}, a.Logger).WithObserver(a.HTTPMetrics())
	return a.retrieval, nil
}

func (a *App) Trigger(ctx context.Context) (ports.JobTrigger, error) {
	return a.JobTrigger(ctx)
}

func (a *App) JobTrigger(ctx context.Context) (*usecase.JobTriggerUseCase, error) {
	if a.trigger != nil {
		return a.trigger, nil
	}
	queue, err := a.natsQueue(ctx)
	if err != nil {
		return nil, err
	}
	runs, err := a.RunStore(ctx)
	if err != nil {
		return nil, err
	}
	a.trigger = usecase.NewJobTriggerUseCase(usecase.NewJobTable(a.Jobs()), queue, runs, a.Logger)
	return a.trigger, nil
}

func (a *App) JobRunner(ctx context.Context) (*usecase.JobRunnerUseCase, error) {
	if a.runner != nil {
		return a.runner, nil
	}
	ingestor, err := a.Ingestor(ctx)
	if err != nil {
		return nil, err
	}
	locker, err := a.jobLocker(ctx)
	if err != nil {
		return nil, err
	}
	runs, err := a.RunStore(ctx)
	if err != nil {
		return nil, err
	}
	collectors := collector.NewFactory(feed.Config{
		Timeout:      a.Config.Feed.Timeout,
		RateLimitRPS: a.Config.Feed.RateLimitRPS,
		UserAgent:    a.Config.Feed.UserAgent,
	}, a.executor, a.Logger)

	a.runner = usecase.NewJobRunnerUseCase(
		usecase.NewJobTable(a.Jobs()), collectors, ingestor, locker, runs, workerOwner(), a.Logger,
	).WithObserver(a.WorkerMetrics())
	return a.runner, nil
}

func workerOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (a *App) Worker(ctx context.Context) (*natsqueue.JobWorker, error) {
	runner, err := a.JobRunner(ctx)
	if err != nil {
		return nil, err
	}
	queue, err := a.natsQueue(ctx)
	if err != nil {
		return nil, err
	}
	cfg := a.Config.Worker
	return natsqueue.NewJobWorker(queue, runner, natsqueue.WorkerConfig{
		Queues:          a.Config.QueueClasses(),
		Concurrency:     cfg.Concurrency,
		MaxJobsPerLoop:  cfg.MaxJobsPerWorker,
		MaxLifetimeJobs: cfg.MaxLifetimeJobs,
		LockRetryDelay:  a.Config.NATS.LockRetryDelay,
		MaxDeliver:      a.Config.NATS.MaxDeliver,
		Heartbeat:       cfg.Heartbeat,
		RetryBackoff: resilience.RetryPolicy{
			MaxAttempts:    1,
			InitialBackoff: cfg.RetryBackoff.Initial,
			MaxBackoff:     cfg.RetryBackoff.Max,
			Multiplier:     cfg.RetryBackoff.Multiplier,
			Jitter:         a.Config.Resilience.RetryJitter,
		},
	}, a.Logger), nil
}

func (a *App) Scheduler(ctx context.Context) (*scheduler.Scheduler, error) {
	trigger, err := a.JobTrigger(ctx)
	if err != nil {
		return nil, err
	}
	return scheduler.New(a.Jobs(), trigger, a.Location(), a.Logger)
}

// Router serves the answer API. Readiness covers every dependency wired so far.
func (a *App) Router(ctx context.Context) (*httpadapter.Router, error) {
	answers, err := a.Answers(ctx)
	if err != nil {
		return nil, err
	}
	cfg := a.Config.HTTP
	return httpadapter.NewRouter(httpadapter.RouterConfig{
		APIKey:         cfg.APIKey,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		MaxInFlight:    cfg.MaxInFlight,
		QueueTimeout:   cfg.QueueTimeout,
	}, answers, a.checks, a.HTTPMetrics(), a.Logger), nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.Logger.Sync()
}
