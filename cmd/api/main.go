// Package main implements the DevMesh API server: ingest, query, and search
// endpoints over the Event/Template stores.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/devmesh/devmesh/engine/canon"
	"github.com/devmesh/devmesh/engine/domain"
	"github.com/devmesh/devmesh/engine/embedding"
	"github.com/devmesh/devmesh/engine/eventstore"
	"github.com/devmesh/devmesh/engine/ingest"
	"github.com/devmesh/devmesh/engine/search"
	"github.com/devmesh/devmesh/engine/semantic"
	"github.com/devmesh/devmesh/engine/templatestore"
	"github.com/devmesh/devmesh/pkg/config"
	"github.com/devmesh/devmesh/pkg/mid"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
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
	if err := templates.WarmCache(ctx, cfg.TemplateCacheCap/10); err != nil {
		logger.Warn("template cache warm failed", "error", err)
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

	pipeline := ingest.NewPipeline(ingest.Deps{
		Events:         events,
		Templates:      templates,
		Embedder:       embedder,
		EmbeddingModel: cfg.EmbeddingModel,
		CanonVersion:   canon.Version(cfg.CanonVersion),
		TimestampSkew:  cfg.TimestampSkew,
		Logger:         logger,
	})

	searchSvc := search.New(embedder, templates, events, logger)

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Warn("nats connect failed, shipper consumer disabled", "error", err)
	} else {
		defer nc.Close()
		sub, err := ingest.StartConsumer(nc, pipeline, ingest.ConsumerOptions{
			Subject:     cfg.NATSSubject,
			DLQSubject:  cfg.NATSDLQSubject,
			MaxRetries:  cfg.NATSMaxRetries,
			MaxInFlight: cfg.QueueCapacity,
		})
		if err != nil {
			logger.Warn("nats consumer failed to start", "error", err)
		} else {
			defer sub.Unsubscribe()
			logger.Info("nats ingest consumer started", "subject", cfg.NATSSubject)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest/logs", handleIngestLogs(pipeline, logger))
	mux.HandleFunc("GET /query/logs", handleQueryLogs(searchSvc, logger))
	mux.HandleFunc("GET /search/logs", handleSearchLogs(searchSvc, logger))
	mux.HandleFunc("GET /search/templates", handleSearchTemplates(searchSvc, logger))
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /info", handleInfo(cfg))

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.OTel("devmesh-api"),
		mid.CORS(cfg.CORSOrigin),
		sharedSecretAuth(cfg.AuthSecret),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// sharedSecretAuth checks a configured header against secret (§6.1). An
// empty secret disables auth, for local/dev deployments.
func sharedSecretAuth(secret string) mid.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" || r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("X-DevMesh-Secret") != secret {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleInfo(cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"canon_version":   cfg.CanonVersion,
			"embedding_model": cfg.EmbeddingModel,
			"embedding_dim":   cfg.EmbeddingDim,
		})
	}
}

// ingestRequest is the wire shape for POST /ingest/logs.
type ingestRequest struct {
	Events []domain.Event `json:"events"`
}

type ingestResponse struct {
	Accepted          int `json:"accepted"`
	Duplicates        int `json:"duplicates"`
	ValidationFailed  int `json:"validation_failed"`
	EmbeddingDeferred int `json:"embedding_deferred"`
}

func handleIngestLogs(p *ingest.Pipeline, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if len(req.Events) == 0 {
			http.Error(w, `{"error":"events is required"}`, http.StatusBadRequest)
			return
		}

		result, err := p.ProcessBatch(r.Context(), req.Events)
		if err != nil {
			logger.Error("ingest batch failed", "error", err)
			http.Error(w, `{"error":"storage unavailable","retryable":true}`, http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ingestResponse{
			Accepted:          result.Accepted,
			Duplicates:        result.Duplicates,
			ValidationFailed:  result.ValidationFailed,
			EmbeddingDeferred: result.EmbeddingDeferred,
		})
	}
}

func parseFilters(q map[string][]string) search.Filters {
	get := func(k string) string {
		if v, ok := q[k]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}
	f := search.Filters{
		Service: get("service"),
		Level:   domain.Level(get("level")),
	}
	if v := get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = t
		}
	}
	if v := get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = t
		}
	}
	return f
}

func intParam(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func handleQueryLogs(s *search.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := parseFilters(r.URL.Query())
		offset := intParam(r, "offset", 0)
		limit := intParam(r, "limit", 100)

		events, err := s.QueryLogs(r.Context(), f, offset, limit)
		if err != nil {
			logger.Error("query logs failed", "error", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(events)
	}
}

func handleSearchLogs(s *search.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			http.Error(w, `{"error":"q is required"}`, http.StatusBadRequest)
			return
		}
		limit := intParam(r, "limit", search.DefaultK)
		f := parseFilters(r.URL.Query())

		events, err := s.SearchLogs(r.Context(), q, limit, f)
		if degraded, ok := asDegraded(err); ok {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"degraded": true, "reason": degraded.Reason, "results": []domain.Event{}})
			return
		}
		if err != nil {
			logger.Error("search logs failed", "error", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(events)
	}
}

func handleSearchTemplates(s *search.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			http.Error(w, `{"error":"q is required"}`, http.StatusBadRequest)
			return
		}
		k := intParam(r, "k", search.DefaultK)
		n := intParam(r, "n", intParam(r, "examples", search.DefaultN))
		f := parseFilters(r.URL.Query())

		results, err := s.SearchTemplates(r.Context(), q, k, n, f)
		if degraded, ok := asDegraded(err); ok {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"degraded": true, "reason": degraded.Reason, "results": []search.TemplateResult{}})
			return
		}
		if err != nil {
			logger.Error("search templates failed", "error", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(results)
	}
}

func asDegraded(err error) (*search.Degraded, bool) {
	d, ok := err.(*search.Degraded)
	return d, ok
}
