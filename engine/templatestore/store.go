// Package templatestore implements the Template Store (§4.3): a durable
// Neo4j half (unique constraint on template_hash; insert-or-fetch by CREATE,
// falling back to a lookup when the constraint rejects a concurrent
// duplicate), a Qdrant vector half holding only embedded templates,
// and a bounded in-memory LRU cache in front of both.
package templatestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/devmesh/devmesh/engine/domain"
	"github.com/devmesh/devmesh/engine/semantic"
	"github.com/devmesh/devmesh/pkg/lru"
)

// templateUUIDNamespace is the namespace for content-addressed Qdrant point
// IDs derived from template_hash.
var templateUUIDNamespace = uuid.NameSpaceOID

// VectorIndex is the subset of semantic.VectorStore the template store
// depends on, narrowed for testability.
type VectorIndex interface {
	EnsureCollection(ctx context.Context, dims int) error
	Upsert(ctx context.Context, records []semantic.VectorRecord) error
	DeleteByID(ctx context.Context, pointID string) error
	SearchFiltered(ctx context.Context, embedding []float32, topK int, filters map[string]string) ([]semantic.TemplateHit, error)
}

// ErrTemplateNotFound is returned by Get when no template has the given id.
var ErrTemplateNotFound = errors.New("templatestore: template not found")

// Store is the Template Store: durable Neo4j half + Qdrant vector half +
// LRU cache.
type Store struct {
	driver  neo4j.DriverWithContext
	vectors VectorIndex
	cache   *lru.Cache[string, int64] // template_hash (hex) -> id
}

// New creates a Store. cacheCapacity <= 0 falls back to lru.DefaultCapacity.
func New(driver neo4j.DriverWithContext, vectors VectorIndex, cacheCapacity int) (*Store, error) {
	cache, err := lru.New[string, int64](cacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("templatestore: build cache: %w", err)
	}
	return &Store{driver: driver, vectors: vectors, cache: cache}, nil
}

// EnsureSchema creates the uniqueness constraint on template_hash. Safe to
// call repeatedly (IF NOT EXISTS).
func (s *Store) EnsureSchema(ctx context.Context) error {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.Run(ctx,
		`CREATE CONSTRAINT template_hash_unique IF NOT EXISTS
		 FOR (t:Template) REQUIRE t.template_hash IS UNIQUE`, nil)
	return err
}

// Lookup resolves template_hash to an id, consulting the cache before the
// durable store (§4.3 Operations: lookup).
func (s *Store) Lookup(ctx context.Context, hash domain.Hash128) (int64, bool, error) {
	key := hash.String()
	if id, ok := s.cache.Get(key); ok {
		return id, true, nil
	}

	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, `MATCH (t:Template {template_hash: $hash}) RETURN t.id AS id`, map[string]any{"hash": key})
	if err != nil {
		return 0, false, err
	}
	if !res.Next(ctx) {
		return 0, false, nil
	}
	idVal, _, err := neo4j.GetRecordValue[int64](res.Record(), "id")
	if err != nil {
		return 0, false, err
	}
	s.cache.Add(key, idVal)
	return idVal, true, nil
}

// CreateIfAbsent atomically inserts a new template row for template_hash, or
// returns the id of the row another caller already created (§4.3: "On
// concurrent first-sight of the same template_hash, exactly one row is
// created and all other callers observe it"). A constraint-violation race is
// resolved by retrying the lookup, converging on the winner's row.
func (s *Store) CreateIfAbsent(ctx context.Context, hash domain.Hash128, service string, level domain.Level, canonicalText, canonVersion string, seenAt time.Time) (id int64, created bool, err error) {
	if id, ok, err := s.Lookup(ctx, hash); err != nil {
		return 0, false, err
	} else if ok {
		return id, false, nil
	}

	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id, created, err = s.tryCreate(ctx, hash, service, level, canonicalText, canonVersion, seenAt)
		if err == nil {
			s.cache.Add(hash.String(), id)
			return id, created, nil
		}
		// Another writer won the race on the unique constraint; converge on
		// their row instead of failing the whole insert.
		if existingID, ok, lookupErr := s.Lookup(ctx, hash); lookupErr == nil && ok {
			return existingID, false, nil
		}
	}
	return 0, false, fmt.Errorf("templatestore: create_if_absent did not converge after %d attempts: %w", maxAttempts, err)
}

func (s *Store) tryCreate(ctx context.Context, hash domain.Hash128, service string, level domain.Level, canonicalText, canonVersion string, seenAt time.Time) (int64, bool, error) {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	result, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		idRes, err := tx.Run(ctx,
			`MERGE (c:Counter {name: 'template_id'})
			 ON CREATE SET c.value = 0
			 SET c.value = c.value + 1
			 RETURN c.value AS id`, nil)
		if err != nil {
			return nil, err
		}
		if !idRes.Next(ctx) {
			return nil, fmt.Errorf("templatestore: failed to allocate template id")
		}
		newID, _, err := neo4j.GetRecordValue[int64](idRes.Record(), "id")
		if err != nil {
			return nil, err
		}

		_, err = tx.Run(ctx,
			`CREATE (t:Template {
				id: $id, template_hash: $hash, canonical_text: $text,
				service: $service, level: $level, canon_version: $canon_version,
				event_count: 0, first_seen: $seen_at, last_seen: $seen_at,
				embedded: false
			})`,
			map[string]any{
				"id": newID, "hash": hash.String(), "text": canonicalText,
				"service": service, "level": string(level), "canon_version": canonVersion,
				"seen_at": seenAt,
			})
		if err != nil {
			return nil, err
		}
		return newID, nil
	})
	if err != nil {
		return 0, false, err
	}
	return result.(int64), true, nil
}

// AttachEmbedding sets the vector for a template and flips embedded=true.
// Idempotent under (model, dim) equality: re-attaching the same model/dim
// is a no-op beyond re-upserting the same Qdrant point.
func (s *Store) AttachEmbedding(ctx context.Context, id int64, hash domain.Hash128, service string, level domain.Level, vector []float32, model string, dim int) error {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.Run(ctx,
		`MATCH (t:Template {id: $id})
		 SET t.embedded = true, t.embedding_model = $model, t.embedding_dim = $dim`,
		map[string]any{"id": id, "model": model, "dim": dim})
	if err != nil {
		return fmt.Errorf("templatestore: mark embedded: %w", err)
	}

	pointID := PointID(hash)
	return s.vectors.Upsert(ctx, []semantic.VectorRecord{{
		ID:        pointID,
		Embedding: vector,
		Payload: map[string]any{
			"template_id": id,
			"service":     service,
			"level":       string(level),
		},
	}})
}

// PointID derives the content-addressed Qdrant point UUID for a
// template_hash, so re-embedding the same template is idempotent.
func PointID(hash domain.Hash128) string {
	return uuid.NewSHA1(templateUUIDNamespace, hash[:]).String()
}

// BumpCounters increments event_count and widens [first_seen, last_seen]
// (§4.3: "bump_counters"). first_seen/last_seen are widened, never narrowed.
func (s *Store) BumpCounters(ctx context.Context, id int64, n int64, seenAt time.Time) error {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.Run(ctx,
		`MATCH (t:Template {id: $id})
		 SET t.event_count = t.event_count + $n,
		     t.first_seen = CASE WHEN t.first_seen < $seen_at THEN t.first_seen ELSE $seen_at END,
		     t.last_seen  = CASE WHEN t.last_seen  > $seen_at THEN t.last_seen  ELSE $seen_at END`,
		map[string]any{"id": id, "n": n, "seen_at": seenAt})
	return err
}

// Get fetches a template row by id.
func (s *Store) Get(ctx context.Context, id int64) (domain.Template, error) {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, `MATCH (t:Template {id: $id}) RETURN t`, map[string]any{"id": id})
	if err != nil {
		return domain.Template{}, err
	}
	if !res.Next(ctx) {
		return domain.Template{}, ErrTemplateNotFound
	}
	return templateFromRecord(res.Record())
}

// VectorSearch performs a cosine similarity search over embedded templates
// subject to optional service/level filters (§4.6 step 2).
func (s *Store) VectorSearch(ctx context.Context, queryVector []float32, limit int, filters map[string]string) ([]semantic.TemplateHit, error) {
	return s.vectors.SearchFiltered(ctx, queryVector, limit, filters)
}

// PendingEmbeddings scans templates with embedded=false in ascending id
// order starting after cursor, for the embedding backfill job (§4.7).
func (s *Store) PendingEmbeddings(ctx context.Context, cursor int64, limit int) ([]domain.Template, error) {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	res, err := sess.Run(ctx,
		`MATCH (t:Template) WHERE t.id > $cursor AND t.embedded = false
		 RETURN t ORDER BY t.id ASC LIMIT $limit`,
		map[string]any{"cursor": cursor, "limit": limit})
	if err != nil {
		return nil, err
	}

	var templates []domain.Template
	for res.Next(ctx) {
		t, err := templateFromRecord(res.Record())
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, nil
}

// DeleteUnreferenced removes templates with zero remaining referencing
// events (§4.8 retention), up to limit per call, and deletes their Qdrant
// point if embedded. Templates and events are denormalized (template_id is
// a property, not a modeled relationship), so "unreferenced" is an
// existential subquery rather than a relationship-degree check.
func (s *Store) DeleteUnreferenced(ctx context.Context, limit int) (int64, error) {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	res, err := sess.Run(ctx,
		`MATCH (t:Template) WHERE NOT EXISTS { MATCH (e:Event {template_id: t.id}) }
		 WITH t LIMIT $limit
		 RETURN t.id AS id, t.template_hash AS hash, t.embedded AS embedded`,
		map[string]any{"limit": limit})
	if err != nil {
		return 0, err
	}

	type candidate struct {
		id       int64
		hash     string
		embedded bool
	}
	var candidates []candidate
	for res.Next(ctx) {
		id, _, err := neo4j.GetRecordValue[int64](res.Record(), "id")
		if err != nil {
			return 0, err
		}
		hash, _, err := neo4j.GetRecordValue[string](res.Record(), "hash")
		if err != nil {
			return 0, err
		}
		embedded, _, err := neo4j.GetRecordValue[bool](res.Record(), "embedded")
		if err != nil {
			return 0, err
		}
		candidates = append(candidates, candidate{id: id, hash: hash, embedded: embedded})
	}

	for _, c := range candidates {
		if c.embedded {
			if hash, err := domain.ParseHash128(c.hash); err == nil {
				if err := s.vectors.DeleteByID(ctx, PointID(hash)); err != nil {
					return 0, fmt.Errorf("templatestore: delete vector point: %w", err)
				}
			}
		}
		if _, err := sess.Run(ctx, `MATCH (t:Template {id: $id}) DETACH DELETE t`, map[string]any{"id": c.id}); err != nil {
			return 0, err
		}
		s.cache.Remove(c.hash)
	}
	return int64(len(candidates)), nil
}

// WarmCache preloads the n most recently updated templates into the cache
// at startup (§4.3: "warm_cache(n)").
func (s *Store) WarmCache(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	res, err := sess.Run(ctx,
		`MATCH (t:Template) RETURN t.template_hash AS hash, t.id AS id
		 ORDER BY t.last_seen DESC LIMIT $n`, map[string]any{"n": n})
	if err != nil {
		return err
	}
	for res.Next(ctx) {
		hash, _, err := neo4j.GetRecordValue[string](res.Record(), "hash")
		if err != nil {
			return err
		}
		id, _, err := neo4j.GetRecordValue[int64](res.Record(), "id")
		if err != nil {
			return err
		}
		s.cache.Add(hash, id)
	}
	return nil
}

func templateFromRecord(rec *neo4j.Record) (domain.Template, error) {
	node, _, err := neo4j.GetRecordValue[neo4j.Node](rec, "t")
	if err != nil {
		return domain.Template{}, err
	}
	p := node.Props
	t := domain.Template{
		ID:            int64(asInt(p["id"])),
		CanonicalText: asString(p["canonical_text"]),
		Service:       asString(p["service"]),
		Level:         domain.Level(asString(p["level"])),
		CanonVersion:  asString(p["canon_version"]),
		EventCount:    int64(asInt(p["event_count"])),
	}
	if hash, err := domain.ParseHash128(asString(p["template_hash"])); err == nil {
		t.TemplateHash = hash
	}
	if m, ok := p["embedding_model"]; ok {
		t.EmbeddingModel = asString(m)
	}
	if d, ok := p["embedding_dim"]; ok {
		t.EmbeddingDim = asInt(d)
	}
	if v, ok := p["first_seen"].(time.Time); ok {
		t.FirstSeen = v
	}
	if v, ok := p["last_seen"].(time.Time); ok {
		t.LastSeen = v
	}
	return t, nil
}

func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
