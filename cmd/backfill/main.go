// Command backfill runs the two ingest safety-net jobs (template resolution,
// embedding) plus the retention sweep, each on its own interval ticker, and
// exposes their progress as Prometheus-text metrics.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/devmesh/devmesh/engine/backfill"
	"github.com/devmesh/devmesh/engine/embedding"
	"github.com/devmesh/devmesh/engine/eventstore"
	"github.com/devmesh/devmesh/engine/semantic"
	"github.com/devmesh/devmesh/engine/templatestore"
	"github.com/devmesh/devmesh/pkg/config"
	"github.com/devmesh/devmesh/pkg/metrics"
)

var met = metrics.New()

// workerMetrics implements backfill.Observer by fanning progress into met.
type workerMetrics struct{}

func (workerMetrics) JobRun(job string, dur time.Duration, err error) {
	met.Histogram(metrics.WithLabels("devmesh_backfill_job_duration_seconds", "job", job), "Wall time of a backfill job run", nil).Observe(dur.Seconds())
	if err != nil {
		met.Counter(metrics.WithLabels("devmesh_backfill_errors_total", "job", job), "Failed runs of a backfill job").Inc()
		return
	}
	met.Counter(metrics.WithLabels("devmesh_backfill_runs_total", "job", job), "Completed runs of a backfill job").Inc()
}

func (workerMetrics) Cursor(job string, value int64) {
	met.Gauge(metrics.WithLabels("devmesh_backfill_cursor", "job", job), "Last id scanned by a backfill job").Set(value)
}

func (workerMetrics) Deleted(kind string, count int64) {
	met.Counter(metrics.WithLabels("devmesh_retention_deleted_total", "kind", kind), "Rows removed by the retention sweep").Add(count)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("backfill worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	neo4jDriver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer neo4jDriver.Close(ctx)
	if err := neo4jDriver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4j verify: %w", err)
	}
	logger.Info("connected to neo4j")

	vectorStore, err := semantic.New(cfg.QdrantURL, cfg.QdrantCollection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()
	if err := vectorStore.EnsureCollection(ctx, cfg.EmbeddingDim); err != nil {
		logger.Warn("qdrant ensure collection failed, will retry lazily", "error", err)
	}

	templates, err := templatestore.New(neo4jDriver, vectorStore, cfg.TemplateCacheCap)
	if err != nil {
		return fmt.Errorf("template store: %w", err)
	}
	if err := templates.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("template store schema: %w", err)
	}

	events := eventstore.New(neo4jDriver)
	if err := events.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("event store schema: %w", err)
	}

	embedder := embedding.New(embedding.Options{
		BaseURL:          cfg.EmbeddingBaseURL,
		Model:            cfg.EmbeddingModel,
		Timeout:          cfg.EmbeddingTimeout,
		BatchSize:        cfg.EmbeddingBatchSize,
		ConcurrencyLimit: cfg.EmbeddingConcurrency,
		InterBatchDelay:  cfg.EmbeddingInterBatchDelay,
	})

	opts := backfill.DefaultOptions()
	opts.BatchSize = cfg.BackfillBatchSize
	opts.InterBatchDelay = cfg.BackfillInterBatchDelay
	opts.Concurrency = cfg.BackfillConcurrency
	opts.RetentionHorizon = cfg.EventRetention
	opts.EmbeddingModel = cfg.EmbeddingModel

	worker := backfill.New(opts, events, templates, embedder, logger).WithObserver(workerMetrics{})

	met.ServeAsync(cfg.MetricsPort)
	logger.Info("backfill worker starting", "metrics_port", cfg.MetricsPort)

	return worker.Run(ctx)
}
