// Package search implements the Search Layer (§4.6): two-step semantic
// retrieval over templates followed by per-template event sampling, plus
// plain relational queries over events. Grounded on engine/rag.Service's
// embed-then-search shape, stripped of LLM chat/graph-enrichment.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/devmesh/devmesh/engine/domain"
	"github.com/devmesh/devmesh/engine/embedding"
	"github.com/devmesh/devmesh/engine/eventstore"
	"github.com/devmesh/devmesh/engine/templatestore"
)

// DefaultK is the default number of templates returned by a semantic
// search (§4.6 "default K=20, N=3").
const DefaultK = 20

// MaxK is the closed upper bound on requested templates.
const MaxK = 200

// DefaultN is the default number of representative events sampled per
// template.
const DefaultN = 3

// MaxN is the closed upper bound on examples sampled per template.
const MaxN = 50

// Filters constrains a semantic or relational search.
type Filters struct {
	Service string
	Level   domain.Level
	From    time.Time
	To      time.Time
}

// TemplateResult pairs a template with its similarity score and a sample of
// representative events.
type TemplateResult struct {
	Template domain.Template `json:"template"`
	Score    float32         `json:"score"`
	Examples []domain.Event  `json:"examples"`
}

// Degraded reports that the embedding backend was unreachable and results
// are empty rather than wrong (§6.4 "degraded" indicator).
type Degraded struct {
	Reason string
}

func (d *Degraded) Error() string { return fmt.Sprintf("search degraded: %s", d.Reason) }

// Service is the Search Layer.
type Service struct {
	embedder  *embedding.Client
	templates *templatestore.Store
	events    *eventstore.Store
	logger    *slog.Logger
}

// New creates a search Service.
func New(embedder *embedding.Client, templates *templatestore.Store, events *eventstore.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{embedder: embedder, templates: templates, events: events, logger: logger}
}

func clampK(k int) int {
	if k <= 0 {
		return DefaultK
	}
	if k > MaxK {
		return MaxK
	}
	return k
}

func clampN(n int) int {
	if n <= 0 {
		return DefaultN
	}
	if n > MaxN {
		return MaxN
	}
	return n
}

// SearchTemplates performs the two-step semantic search (§4.6): embed the
// query, vector-search templates, then sample representative events per
// template. Equal-distance ties break on more recent last_seen, then lower
// id. If the embedding backend is unreachable the result is a *Degraded
// error, not a failure, per §6.4's "empty results with a degraded
// indicator".
func (s *Service) SearchTemplates(ctx context.Context, query string, k, n int, f Filters) ([]TemplateResult, error) {
	k = clampK(k)
	n = clampN(n)

	vecs, err := s.embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		s.logger.Warn("search.templates.degraded", "error", err)
		return nil, &Degraded{Reason: err.Error()}
	}
	if len(vecs) == 0 {
		return nil, &Degraded{Reason: "no embedding returned for query"}
	}

	qdrantFilters := map[string]string{}
	if f.Service != "" {
		qdrantFilters["service"] = f.Service
	}
	if f.Level != "" {
		qdrantFilters["level"] = string(f.Level)
	}

	hits, err := s.templates.VectorSearch(ctx, vecs[0], k, qdrantFilters)
	if err != nil {
		return nil, fmt.Errorf("search: vector search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	templateIDs := make([]int64, len(hits))
	scoreByID := make(map[int64]float32, len(hits))
	for i, h := range hits {
		templateIDs[i] = h.TemplateID
		scoreByID[h.TemplateID] = h.Score
	}

	since := f.From
	if since.IsZero() {
		since = time.Time{}
	}
	samples, err := s.events.SampleByTemplate(ctx, templateIDs, n, since)
	if err != nil {
		return nil, fmt.Errorf("search: sample events: %w", err)
	}

	results := make([]TemplateResult, 0, len(hits))
	for _, id := range templateIDs {
		tmpl, err := s.templates.Get(ctx, id)
		if err != nil {
			s.logger.Warn("search.templates.missing", "template_id", id, "error", err)
			continue
		}
		results = append(results, TemplateResult{
			Template: tmpl,
			Score:    scoreByID[id],
			Examples: samples[id],
		})
	}

	sortResults(results)

	return results, nil
}

// sortResults orders by descending similarity score, breaking ties on more
// recent last_seen then lower id (§4.6 "Tie-breaks").
func sortResults(results []TemplateResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Template.LastSeen.Equal(results[j].Template.LastSeen) {
			return results[i].Template.LastSeen.After(results[j].Template.LastSeen)
		}
		return results[i].Template.ID < results[j].Template.ID
	})
}

// SearchLogs performs semantic search directly over event-level text by
// routing through the template index and flattening sampled events, since
// no separate event-level embedding is maintained.
func (s *Service) SearchLogs(ctx context.Context, query string, limit int, f Filters) ([]domain.Event, error) {
	results, err := s.SearchTemplates(ctx, query, clampK(limit), 1, f)
	if err != nil {
		return nil, err
	}
	events := make([]domain.Event, 0, limit)
	for _, r := range results {
		events = append(events, r.Examples...)
		if len(events) >= limit {
			break
		}
	}
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// QueryLogs performs a plain relational query over events, bypassing the
// vector path entirely (§4.6 "Plain queries bypass both").
func (s *Service) QueryLogs(ctx context.Context, f Filters, offset, limit int) ([]domain.Event, error) {
	return s.events.Query(ctx, eventstore.QueryFilters{
		Service: f.Service,
		Level:   f.Level,
		From:    f.From,
		To:      f.To,
		Offset:  offset,
		Limit:   limit,
	})
}
