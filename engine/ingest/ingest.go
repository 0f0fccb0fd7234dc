// Package ingest implements the Ingest Pipeline (§4.5), the central write
// path: hash, dedup-filter, canonicalize, resolve-or-create templates,
// embed new ones, persist events, bump counters. A NATS consumer wraps the
// pipeline with retry and DLQ handling.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/devmesh/devmesh/engine/canon"
	"github.com/devmesh/devmesh/engine/domain"
	"github.com/devmesh/devmesh/engine/embedding"
	"github.com/devmesh/devmesh/engine/eventstore"
	"github.com/devmesh/devmesh/engine/templatestore"
	"github.com/devmesh/devmesh/pkg/natsutil"
)

const (
	// IngestSubject is the NATS subject for incoming event batches.
	IngestSubject = "devmesh.ingest"
	// DLQSubject is the dead letter queue subject for batches that fail
	// repeatedly.
	DLQSubject = "devmesh.ingest.dlq"
	// MaxRetries before a batch is sent to the DLQ.
	MaxRetries = 3
)

// Deps holds the external dependencies the pipeline needs per batch.
type Deps struct {
	Events         *eventstore.Store
	Templates      *templatestore.Store
	Embedder       *embedding.Client
	EmbeddingModel string
	CanonVersion   canon.Version
	TimestampSkew  time.Duration
	Logger         *slog.Logger
}

// BatchResult reports the outcome of ProcessBatch, mirroring §4.5's
// per-failure-mode policy table.
type BatchResult struct {
	Accepted          int
	Duplicates        int
	ValidationFailed  int
	EmbeddingDeferred int // templates persisted with a null embedding
	Errors            []error
}

// Pipeline runs the seven-step ingest algorithm over one batch.
type Pipeline struct {
	deps Deps
}

// NewPipeline constructs a Pipeline from deps.
func NewPipeline(deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.CanonVersion == "" {
		deps.CanonVersion = canon.V1
	}
	return &Pipeline{deps: deps}
}

type survivor struct {
	event        domain.Event
	logHash      domain.Hash128
	canonical    string
	templateHash domain.Hash128
}

// ProcessBatch implements §4.5's algorithm. It returns a non-nil error only
// when the durable store itself is unavailable ("fail the whole batch;
// caller retries"); every other failure mode is reflected in BatchResult.
func (p *Pipeline) ProcessBatch(ctx context.Context, events []domain.Event) (BatchResult, error) {
	log := p.deps.Logger
	start := time.Now()
	log.Info("ingest.batch.enter", "size", len(events))
	defer func() {
		log.Info("ingest.batch.exit", "duration", time.Since(start))
	}()

	result := BatchResult{}

	// Step 1: validate, then hash.
	survivors := make([]survivor, 0, len(events))
	for _, e := range events {
		if err := domain.ValidateEvent(e, p.deps.TimestampSkew, nil); err != nil {
			result.ValidationFailed++
			result.Errors = append(result.Errors, err)
			continue
		}
		e.LogHash = logHash(e)
		survivors = append(survivors, survivor{event: e, logHash: e.LogHash})
	}

	// Step 2: dedup filter against the event store.
	if len(survivors) > 0 {
		hashes := make([]domain.Hash128, len(survivors))
		for i, s := range survivors {
			hashes[i] = s.logHash
		}
		existing, err := p.deps.Events.ExistingHashes(ctx, hashes)
		if err != nil {
			return result, fmt.Errorf("ingest: dedup check: %w", err)
		}
		kept := survivors[:0]
		for _, s := range survivors {
			if existing[s.logHash] {
				result.Duplicates++
				continue
			}
			kept = append(kept, s)
		}
		survivors = kept
	}

	// Step 3: canonicalize and compute the template_hash.
	for i := range survivors {
		canonical := canon.Canonicalize(survivors[i].event.Message, p.deps.CanonVersion)
		survivors[i].canonical = canonical
		survivors[i].templateHash = templateHash(survivors[i].event.Service, survivors[i].event.Level, canonical, string(p.deps.CanonVersion))
	}

	// Step 4: resolve templates, grouped by template_hash so repeated
	// patterns in one batch only touch the durable store once.
	groups := map[domain.Hash128][]int{} // template_hash -> indexes into survivors
	order := make([]domain.Hash128, 0)
	for i, s := range survivors {
		if _, ok := groups[s.templateHash]; !ok {
			order = append(order, s.templateHash)
		}
		groups[s.templateHash] = append(groups[s.templateHash], i)
	}

	templateIDs := map[domain.Hash128]int64{}
	pendingEmbed := make([]domain.Hash128, 0)
	for _, hash := range order {
		idx := groups[hash][0]
		s := survivors[idx]
		id, created, err := p.deps.Templates.CreateIfAbsent(ctx, hash, s.event.Service, s.event.Level, s.canonical, string(p.deps.CanonVersion), s.event.Timestamp)
		if err != nil {
			return result, fmt.Errorf("ingest: resolve template: %w", err)
		}
		templateIDs[hash] = id
		if created {
			pendingEmbed = append(pendingEmbed, hash)
		}
	}

	// Step 5: embed new templates. An unavailable embedding backend
	// degrades to a null-embedding template; the safety net closes the
	// gap later (§4.5, §4.7).
	if len(pendingEmbed) > 0 {
		if p.deps.Embedder == nil {
			result.EmbeddingDeferred += len(pendingEmbed)
		} else {
			texts := make([]string, len(pendingEmbed))
			for i, hash := range pendingEmbed {
				idx := groups[hash][0]
				texts[i] = survivors[idx].canonical
			}
			vectors, err := p.deps.Embedder.EmbedBatch(ctx, texts)
			if err != nil {
				log.Warn("ingest.embed.deferred", "error", err, "count", len(pendingEmbed))
				result.EmbeddingDeferred += len(pendingEmbed)
			} else {
				for i, hash := range pendingEmbed {
					idx := groups[hash][0]
					s := survivors[idx]
					id := templateIDs[hash]
					if err := p.deps.Templates.AttachEmbedding(ctx, id, hash, s.event.Service, s.event.Level, vectors[i], p.deps.EmbeddingModel, len(vectors[i])); err != nil {
						log.Warn("ingest.attach_embedding.failed", "error", err, "template_id", id)
						result.EmbeddingDeferred++
					}
				}
			}
		}
	}

	// Step 6: persist events with resolved template_id.
	toInsert := make([]domain.Event, len(survivors))
	for i, s := range survivors {
		e := s.event
		id := templateIDs[s.templateHash]
		e.TemplateID = &id
		toInsert[i] = e
	}
	insertResult, err := p.deps.Events.InsertBatch(ctx, toInsert)
	if err != nil {
		return result, fmt.Errorf("ingest: persist events: %w", err)
	}
	result.Accepted = len(insertResult.AcceptedIDs)
	result.Duplicates += insertResult.Duplicates

	// Step 7: bump counters per template for the events that actually
	// landed. A survivor whose log_hash matched an already-committed row at
	// the MERGE in step 6 contributed nothing new, so it's excluded here too
	// — otherwise a duplicate would inflate event_count and last_seen a
	// second time. Survivors within this batch that share a log_hash landed
	// as one row and are counted once.
	now := time.Now()
	counted := make(map[domain.Hash128]bool, len(survivors))
	for _, hash := range order {
		id := templateIDs[hash]
		var latest time.Time
		var count int64
		for _, idx := range groups[hash] {
			s := survivors[idx]
			if !insertResult.CreatedHashes[s.logHash] || counted[s.logHash] {
				continue
			}
			counted[s.logHash] = true
			count++
			if s.event.Timestamp.After(latest) {
				latest = s.event.Timestamp
			}
		}
		if count == 0 {
			continue
		}
		if latest.IsZero() {
			latest = now
		}
		if err := p.deps.Templates.BumpCounters(ctx, id, count, latest); err != nil {
			log.Warn("ingest.bump_counters.failed", "error", err, "template_id", id)
		}
	}

	return result, nil
}

// logHash fingerprints the full raw record for event-level dedup (§3.1,
// §4.4 unique index on log_hash).
func logHash(e domain.Event) domain.Hash128 {
	metaJSON, _ := json.Marshal(e.Meta)
	raw := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s|%s|%s",
		e.Timestamp.UnixMicro(), e.Source, e.Service, e.Host, e.Level,
		e.Message, e.TraceID, e.SpanID, e.EventType, e.ErrorCode, metaJSON)
	return domain.HashBytes([]byte(raw))
}

// templateHash fingerprints (service, level, canonical_text, canon_version)
// so the same canonical pattern in a different service stays a distinct
// template.
func templateHash(service string, level domain.Level, canonicalText, canonVersion string) domain.Hash128 {
	raw := service + "|" + string(level) + "|" + canonicalText + "|" + canonVersion
	return domain.HashBytes([]byte(raw))
}

// batchMessage is the wire shape published to IngestSubject: a batch of
// raw events shipped by an agent.
type batchMessage struct {
	Events []domain.Event `json:"events"`
}

// dlqMessage is published to the DLQ on repeated failure.
type dlqMessage struct {
	Batch   batchMessage `json:"batch"`
	Error   string       `json:"error"`
	Retries int          `json:"retries"`
}

// ingestAck is the reply sent back to whoever published a batch, over the
// same request-reply round trip natsutil.Request expects on the sending
// side.
type ingestAck struct {
	Accepted  int    `json:"accepted"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ConsumerOptions configures StartConsumer. Zero values fall back to the
// package's IngestSubject/DLQSubject/MaxRetries defaults.
type ConsumerOptions struct {
	Subject     string
	DLQSubject  string
	MaxRetries  int
	MaxInFlight int
}

// retryHeaderKey tracks how many times a batch has been redelivered. It
// rides alongside the OTel trace headers natsutil injects/extracts, but
// carries retry bookkeeping rather than trace context, so it's set directly
// on the republished message rather than through natsutil.Publish.
const retryHeaderKey = "X-Retry-Count"

// StartConsumer starts a NATS subscriber that runs incoming event batches
// through the pipeline with retry and DLQ support, routed through
// natsutil.SubscribeReply so the trace context a shipper attached to the
// original publish carries through to ProcessBatch's logging and the DLQ
// republish (§5 "span propagation across NATS messages"). MaxInFlight bounds
// the number of batches processed concurrently; once at capacity, the
// consumer replies with a retryable busy signal rather than queuing
// unboundedly (§4.5 "bounded work queue... busy signal").
func StartConsumer(nc *nats.Conn, p *Pipeline, opts ConsumerOptions) (*nats.Subscription, error) {
	log := p.deps.Logger
	if log == nil {
		log = slog.Default()
	}
	subject := opts.Subject
	if subject == "" {
		subject = IngestSubject
	}
	dlqSubject := opts.DLQSubject
	if dlqSubject == "" {
		dlqSubject = DLQSubject
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = MaxRetries
	}
	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}

	slots := make(chan struct{}, maxInFlight)
	sub, err := natsutil.SubscribeReply(nc, subject, func(ctx context.Context, batch batchMessage, hdr nats.Header) ingestAck {
		select {
		case slots <- struct{}{}:
			defer func() { <-slots }()
		default:
			log.Warn("ingest.consumer.busy", "max_in_flight", maxInFlight)
			return ingestAck{Error: "busy", Retryable: true}
		}

		retries := 0
		if hdr != nil {
			if v := hdr.Get(retryHeaderKey); v != "" {
				fmt.Sscanf(v, "%d", &retries)
			}
		}

		result, err := p.ProcessBatch(ctx, batch.Events)
		if err != nil {
			retries++
			log.Error("ingest.consumer.batch_failed", "error", err, "retry", retries, "size", len(batch.Events))

			if retries >= maxRetries {
				dlq := dlqMessage{Batch: batch, Error: err.Error(), Retries: retries}
				if pubErr := natsutil.Publish(ctx, nc, dlqSubject, dlq); pubErr != nil {
					log.Error("ingest.consumer.dlq_publish_failed", "error", pubErr)
				}
			} else {
				retryMsg := nats.NewMsg(subject)
				data, _ := json.Marshal(batch)
				retryMsg.Data = data
				retryMsg.Header = nats.Header{}
				retryMsg.Header.Set(retryHeaderKey, fmt.Sprintf("%d", retries))
				if pubErr := nc.PublishMsg(retryMsg); pubErr != nil {
					log.Error("ingest.consumer.retry_publish_failed", "error", pubErr)
				}
			}
			return ingestAck{Accepted: 0}
		}

		log.Info("ingest.consumer.batch_processed",
			"accepted", result.Accepted, "duplicates", result.Duplicates,
			"validation_failed", result.ValidationFailed, "embedding_deferred", result.EmbeddingDeferred)
		return ingestAck{Accepted: result.Accepted}
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: subscribe: %w", err)
	}
	return sub, nil
}
