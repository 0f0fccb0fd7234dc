// Package backfill implements the Backfill/Safety-Net Worker (§4.7) and
// Retention job (§4.8): three cursor-based loops that close the gap left by
// ingest-time soft failures and enforce the retention horizon. Grounded in
// shape on cmd/backfill/main.go's scan-batch-then-report-progress loop,
// generalized from a one-shot CLI pass to a resumable, interval-driven one.
package backfill

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devmesh/devmesh/engine/canon"
	"github.com/devmesh/devmesh/engine/domain"
	"github.com/devmesh/devmesh/engine/embedding"
	"github.com/devmesh/devmesh/engine/eventstore"
	"github.com/devmesh/devmesh/engine/templatestore"
)

// Options configures the worker's cadence and batch sizes.
type Options struct {
	BatchSize           int
	InterBatchDelay     time.Duration
	Concurrency         int
	TemplateInterval    time.Duration
	EmbeddingInterval   time.Duration
	RetentionInterval   time.Duration
	RetentionHorizon    time.Duration
	CanonVersion        canon.Version
	EmbeddingModel      string
}

// DefaultOptions gives sensible cadences for a self-hosted single-node
// deployment.
func DefaultOptions() Options {
	return Options{
		BatchSize:         200,
		Concurrency:       4,
		TemplateInterval:  30 * time.Second,
		EmbeddingInterval: 30 * time.Second,
		RetentionInterval: time.Hour,
		RetentionHorizon:  90 * 24 * time.Hour,
		CanonVersion:      canon.V1,
	}
}

// Observer receives progress callbacks from a Worker, for a caller to wire
// into its own metrics registry. All methods may be called concurrently.
type Observer interface {
	JobRun(job string, dur time.Duration, err error)
	Cursor(job string, value int64)
	Deleted(kind string, count int64)
}

type noopObserver struct{}

func (noopObserver) JobRun(string, time.Duration, error) {}
func (noopObserver) Cursor(string, int64)                {}
func (noopObserver) Deleted(string, int64)               {}

// Worker runs the two safety-net jobs plus retention on their own interval
// tickers.
type Worker struct {
	opts      Options
	events    *eventstore.Store
	templates *templatestore.Store
	embedder  *embedding.Client
	logger    *slog.Logger
	obs       Observer

	// cursors track resumable progress between passes of this Worker; an id
	// of 0 scans from the beginning. They live in memory only, so a new
	// Worker (e.g. after a restart) starts again from 0.
	templateCursor  int64
	embeddingCursor int64
}

// New creates a Worker.
func New(opts Options, events *eventstore.Store, templates *templatestore.Store, embedder *embedding.Client, logger *slog.Logger) *Worker {
	if opts.BatchSize <= 0 {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{opts: opts, events: events, templates: templates, embedder: embedder, logger: logger, obs: noopObserver{}}
}

// WithObserver attaches an Observer, replacing the no-op default.
func (w *Worker) WithObserver(obs Observer) *Worker {
	if obs != nil {
		w.obs = obs
	}
	return w
}

// Run drives the three jobs on independent tickers until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	templateTicker := time.NewTicker(w.opts.TemplateInterval)
	embeddingTicker := time.NewTicker(w.opts.EmbeddingInterval)
	retentionTicker := time.NewTicker(w.opts.RetentionInterval)
	defer templateTicker.Stop()
	defer embeddingTicker.Stop()
	defer retentionTicker.Stop()

	runJob := func(job string, fn func(context.Context) error) {
		start := time.Now()
		err := fn(ctx)
		w.obs.JobRun(job, time.Since(start), err)
		if err != nil {
			w.logger.Error("backfill.job.failed", "job", job, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-templateTicker.C:
			runJob("template", w.BackfillTemplates)
		case <-embeddingTicker.C:
			runJob("embedding", w.BackfillEmbeddings)
		case <-retentionTicker.C:
			runJob("retention", w.EnforceRetention)
		}
	}
}

// BackfillTemplates scans events with a null template_id, resolves or
// creates their template, and writes the id back (§4.7). It is an
// id-based cursor scan, not a NULL-predicate scan, since NULL-predicate
// plans degrade as the NULL fraction shrinks.
func (w *Worker) BackfillTemplates(ctx context.Context) error {
	for {
		events, err := w.events.CursorPage(ctx, w.templateCursor, true, w.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(w.opts.Concurrency)
		for _, e := range events {
			e := e
			g.Go(func() error {
				canonical := canon.Canonicalize(e.Message, w.opts.CanonVersion)
				hash := templateHashFor(e.Service, e.Level, canonical, string(w.opts.CanonVersion))
				id, _, err := w.templates.CreateIfAbsent(gctx, hash, e.Service, e.Level, canonical, string(w.opts.CanonVersion), e.Timestamp)
				if err != nil {
					return err
				}
				if err := w.events.FillTemplateID(gctx, e.ID, id); err != nil {
					return err
				}
				return w.templates.BumpCounters(gctx, id, 1, e.Timestamp)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		w.templateCursor = events[len(events)-1].ID
		w.obs.Cursor("template", w.templateCursor)
		w.logger.Info("backfill.templates.progress", "cursor", w.templateCursor, "batch", len(events))

		if w.opts.InterBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.opts.InterBatchDelay):
			}
		}
		if len(events) < w.opts.BatchSize {
			return nil
		}
	}
}

// BackfillEmbeddings scans templates that have no embedding yet and embeds
// them (§4.7). Templates already embedded under an older canon_version or
// model are not selected.
func (w *Worker) BackfillEmbeddings(ctx context.Context) error {
	if w.embedder == nil {
		return nil
	}
	for {
		templates, err := w.templates.PendingEmbeddings(ctx, w.embeddingCursor, w.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(templates) == 0 {
			return nil
		}

		texts := make([]string, len(templates))
		for i, t := range templates {
			texts[i] = t.CanonicalText
		}
		vectors, err := w.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			w.logger.Warn("backfill.embeddings.deferred", "error", err, "count", len(templates))
			w.embeddingCursor = templates[len(templates)-1].ID
			continue
		}

		for i, t := range templates {
			if err := w.templates.AttachEmbedding(ctx, t.ID, t.TemplateHash, t.Service, t.Level, vectors[i], w.opts.EmbeddingModel, len(vectors[i])); err != nil {
				w.logger.Warn("backfill.embeddings.attach_failed", "error", err, "template_id", t.ID)
			}
		}

		w.embeddingCursor = templates[len(templates)-1].ID
		w.obs.Cursor("embedding", w.embeddingCursor)
		w.logger.Info("backfill.embeddings.progress", "cursor", w.embeddingCursor, "batch", len(templates))

		if w.opts.InterBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.opts.InterBatchDelay):
			}
		}
		if len(templates) < w.opts.BatchSize {
			return nil
		}
	}
}

// EnforceRetention deletes events past the retention horizon, then deletes
// any template left with zero remaining referencing events (§4.8). The
// template sweep runs only after the event deletion batch commits, so it
// never races ahead of a template that still has live events.
func (w *Worker) EnforceRetention(ctx context.Context) error {
	cutoff := time.Now().Add(-w.opts.RetentionHorizon)
	for {
		deleted, err := w.events.DeleteOlderThan(ctx, cutoff, w.opts.BatchSize)
		if err != nil {
			return err
		}
		w.obs.Deleted("events", deleted)
		w.logger.Info("backfill.retention.events_deleted", "count", deleted, "cutoff", cutoff)
		if deleted < int64(w.opts.BatchSize) {
			break
		}
	}

	for {
		removed, err := w.templates.DeleteUnreferenced(ctx, w.opts.BatchSize)
		if err != nil {
			return err
		}
		w.obs.Deleted("templates", removed)
		w.logger.Info("backfill.retention.templates_removed", "count", removed)
		if removed < int64(w.opts.BatchSize) {
			break
		}
	}
	return nil
}

func templateHashFor(service string, level domain.Level, canonicalText, canonVersion string) domain.Hash128 {
	raw := service + "|" + string(level) + "|" + canonicalText + "|" + canonVersion
	return domain.HashBytes([]byte(raw))
}
