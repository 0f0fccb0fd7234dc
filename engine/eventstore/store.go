// Package eventstore implements the Event Store (§4.4): an append-only
// Neo4j store keyed by id, with a unique index on log_hash and secondary
// indexes supporting the relational query surface.
package eventstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/devmesh/devmesh/engine/domain"
)

// Store is the Event Store: append-only Neo4j nodes keyed by id.
type Store struct {
	driver neo4j.DriverWithContext
}

// New creates a Store.
func New(driver neo4j.DriverWithContext) *Store {
	return &Store{driver: driver}
}

// EnsureSchema creates the unique index on log_hash and the secondary
// indexes named in §4.4: (timestamp), (service, timestamp), (host,
// timestamp), (level), (template_id).
func (s *Store) EnsureSchema(ctx context.Context) error {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	statements := []string{
		`CREATE CONSTRAINT event_log_hash_unique IF NOT EXISTS FOR (e:Event) REQUIRE e.log_hash IS UNIQUE`,
		`CREATE INDEX event_timestamp IF NOT EXISTS FOR (e:Event) ON (e.timestamp)`,
		`CREATE INDEX event_service_timestamp IF NOT EXISTS FOR (e:Event) ON (e.service, e.timestamp)`,
		`CREATE INDEX event_host_timestamp IF NOT EXISTS FOR (e:Event) ON (e.host, e.timestamp)`,
		`CREATE INDEX event_level IF NOT EXISTS FOR (e:Event) ON (e.level)`,
		`CREATE INDEX event_template_id IF NOT EXISTS FOR (e:Event) ON (e.template_id)`,
	}
	for _, stmt := range statements {
		if _, err := sess.Run(ctx, stmt, nil); err != nil {
			return err
		}
	}
	return nil
}

// InsertResult reports which hashes landed vs. were dropped as duplicates,
// and the ids assigned to the accepted rows in input order. CreatedHashes
// lets a caller tell, per input row, whether it was actually written or
// matched an existing row (e.g. to avoid double-bumping template counters
// for a row that turned out to be a duplicate).
type InsertResult struct {
	AcceptedIDs   []int64
	Duplicates    int
	CreatedHashes map[domain.Hash128]bool
}

// ExistingHashes returns the subset of hashes already present in the store,
// used by the ingest pipeline's dedup filter (§4.5 step 2).
func (s *Store) ExistingHashes(ctx context.Context, hashes []domain.Hash128) (map[domain.Hash128]bool, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	keys := make([]string, len(hashes))
	byKey := make(map[string]domain.Hash128, len(hashes))
	for i, h := range hashes {
		keys[i] = h.String()
		byKey[keys[i]] = h
	}

	res, err := sess.Run(ctx,
		`MATCH (e:Event) WHERE e.log_hash IN $hashes RETURN e.log_hash AS hash`,
		map[string]any{"hashes": keys})
	if err != nil {
		return nil, err
	}

	existing := make(map[domain.Hash128]bool)
	for res.Next(ctx) {
		hexHash, _, err := neo4j.GetRecordValue[string](res.Record(), "hash")
		if err != nil {
			return nil, err
		}
		if h, ok := byKey[hexHash]; ok {
			existing[h] = true
		}
	}
	return existing, nil
}

// InsertBatch inserts events that survived the dedup filter, assigning each
// a new id via the same Counter-node pattern as templatestore. Insert order
// within the batch is preserved in id assignment (§4.4 Ordering).
//
// Each row is written with MERGE on log_hash rather than an unconditional
// CREATE: ExistingHashes only dedups against rows already committed to the
// store, so two occurrences of the same log_hash within one batch (or two
// batches racing the same fingerprint) both reach InsertBatch. An
// unconditional CREATE would raise the log_hash uniqueness constraint on the
// second one and fail the whole transaction; MERGE instead matches the
// already-created row and leaves it untouched, so duplicate submissions are
// silently dropped and counted rather than erroring (§3.1, §7, §8).
func (s *Store) InsertBatch(ctx context.Context, events []domain.Event) (InsertResult, error) {
	if len(events) == 0 {
		return InsertResult{}, nil
	}

	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	result, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res := InsertResult{
			AcceptedIDs:   make([]int64, 0, len(events)),
			CreatedHashes: make(map[domain.Hash128]bool, len(events)),
		}
		for _, e := range events {
			metaJSON, err := json.Marshal(e.Meta)
			if err != nil {
				return nil, err
			}

			idRes, err := tx.Run(ctx,
				`MERGE (c:Counter {name: 'event_id'})
				 ON CREATE SET c.value = 0
				 SET c.value = c.value + 1
				 RETURN c.value AS id`, nil)
			if err != nil {
				return nil, err
			}
			if !idRes.Next(ctx) {
				return nil, context.DeadlineExceeded
			}
			newID, _, err := neo4j.GetRecordValue[int64](idRes.Record(), "id")
			if err != nil {
				return nil, err
			}

			params := map[string]any{
				"id": newID, "timestamp": e.Timestamp, "source": e.Source,
				"service": e.Service, "host": e.Host, "level": string(e.Level),
				"message": e.Message, "trace_id": e.TraceID, "span_id": e.SpanID,
				"event_type": e.EventType, "error_code": e.ErrorCode,
				"meta": string(metaJSON), "log_hash": e.LogHash.String(),
				"template_id": e.TemplateID,
			}
			mergeRes, err := tx.Run(ctx,
				`MERGE (ev:Event {log_hash: $log_hash})
				 ON CREATE SET
					ev.id = $id, ev.timestamp = $timestamp, ev.source = $source,
					ev.service = $service, ev.host = $host, ev.level = $level,
					ev.message = $message, ev.trace_id = $trace_id, ev.span_id = $span_id,
					ev.event_type = $event_type, ev.error_code = $error_code,
					ev.meta = $meta, ev.template_id = $template_id
				 RETURN ev.id AS id, ev.id = $id AS created`, params)
			if err != nil {
				return nil, err
			}
			if !mergeRes.Next(ctx) {
				return nil, context.DeadlineExceeded
			}
			id, _, err := neo4j.GetRecordValue[int64](mergeRes.Record(), "id")
			if err != nil {
				return nil, err
			}
			created, _, err := neo4j.GetRecordValue[bool](mergeRes.Record(), "created")
			if err != nil {
				return nil, err
			}
			res.CreatedHashes[e.LogHash] = res.CreatedHashes[e.LogHash] || created
			if created {
				res.AcceptedIDs = append(res.AcceptedIDs, id)
			} else {
				res.Duplicates++
			}
		}
		return res, nil
	})
	if err != nil {
		return InsertResult{}, err
	}
	return result.(InsertResult), nil
}

// FillTemplateID performs the safety net's write-once backfill of
// template_id on an existing event.
func (s *Store) FillTemplateID(ctx context.Context, eventID, templateID int64) error {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.Run(ctx,
		`MATCH (e:Event {id: $id}) WHERE e.template_id IS NULL SET e.template_id = $template_id`,
		map[string]any{"id": eventID, "template_id": templateID})
	return err
}

// QueryFilters constrains a relational event query.
type QueryFilters struct {
	Service string
	Host    string
	Level   domain.Level
	From    time.Time
	To      time.Time
	Offset  int
	Limit   int
}

// Query performs plain relational selection (§4.6 "Plain queries").
func (s *Store) Query(ctx context.Context, f QueryFilters) ([]domain.Event, error) {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	where, params := buildWhere(f)
	cypher := `MATCH (e:Event) ` + where + ` RETURN e ORDER BY e.timestamp DESC SKIP $offset LIMIT $limit`
	params["offset"] = f.Offset
	params["limit"] = limit

	res, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return collectEvents(ctx, res)
}

// CursorPage scans events in ascending id order starting after afterID, for
// resumable cursor-based backfill scans (not NULL-predicate scans, which
// degrade query plans as the backlog shrinks).
func (s *Store) CursorPage(ctx context.Context, afterID int64, onlyNullTemplate bool, limit int) ([]domain.Event, error) {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (e:Event) WHERE e.id > $after`
	if onlyNullTemplate {
		cypher += ` AND e.template_id IS NULL`
	}
	cypher += ` RETURN e ORDER BY e.id ASC LIMIT $limit`

	res, err := sess.Run(ctx, cypher, map[string]any{"after": afterID, "limit": limit})
	if err != nil {
		return nil, err
	}
	return collectEvents(ctx, res)
}

// SampleByTemplate fetches up to perTemplateLimit representative events per
// template within a time window (§4.6 step 3).
func (s *Store) SampleByTemplate(ctx context.Context, templateIDs []int64, perTemplateLimit int, since time.Time) (map[int64][]domain.Event, error) {
	out := make(map[int64][]domain.Event, len(templateIDs))
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	for _, tid := range templateIDs {
		res, err := sess.Run(ctx,
			`MATCH (e:Event {template_id: $tid}) WHERE e.timestamp >= $since
			 RETURN e ORDER BY e.timestamp DESC LIMIT $limit`,
			map[string]any{"tid": tid, "since": since, "limit": perTemplateLimit})
		if err != nil {
			return nil, err
		}
		events, err := collectEvents(ctx, res)
		if err != nil {
			return nil, err
		}
		out[tid] = events
	}
	return out, nil
}

// DeleteOlderThan removes events past the retention window, for the
// retention job (§4.8).
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	res, err := sess.Run(ctx,
		`MATCH (e:Event) WHERE e.timestamp < $cutoff
		 WITH e LIMIT $batch
		 DETACH DELETE e
		 RETURN count(e) AS deleted`,
		map[string]any{"cutoff": cutoff, "batch": batchSize})
	if err != nil {
		return 0, err
	}
	if !res.Next(ctx) {
		return 0, nil
	}
	deleted, _, err := neo4j.GetRecordValue[int64](res.Record(), "deleted")
	return deleted, err
}

func buildWhere(f QueryFilters) (string, map[string]any) {
	params := map[string]any{}
	clauses := ""
	add := func(cond string) {
		if clauses == "" {
			clauses = "WHERE " + cond
		} else {
			clauses += " AND " + cond
		}
	}
	if f.Service != "" {
		add("e.service = $service")
		params["service"] = f.Service
	}
	if f.Host != "" {
		add("e.host = $host")
		params["host"] = f.Host
	}
	if f.Level != "" {
		add("e.level = $level")
		params["level"] = string(f.Level)
	}
	if !f.From.IsZero() {
		add("e.timestamp >= $from")
		params["from"] = f.From
	}
	if !f.To.IsZero() {
		add("e.timestamp <= $to")
		params["to"] = f.To
	}
	return clauses, params
}

func collectEvents(ctx context.Context, res neo4j.ResultWithContext) ([]domain.Event, error) {
	var events []domain.Event
	for res.Next(ctx) {
		e, err := eventFromRecord(res.Record())
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func eventFromRecord(rec *neo4j.Record) (domain.Event, error) {
	node, _, err := neo4j.GetRecordValue[neo4j.Node](rec, "e")
	if err != nil {
		return domain.Event{}, err
	}
	p := node.Props

	e := domain.Event{
		ID:        asInt64(p["id"]),
		Source:    asStr(p["source"]),
		Service:   asStr(p["service"]),
		Host:      asStr(p["host"]),
		Level:     domain.Level(asStr(p["level"])),
		Message:   asStr(p["message"]),
		TraceID:   asStr(p["trace_id"]),
		SpanID:    asStr(p["span_id"]),
		EventType: asStr(p["event_type"]),
		ErrorCode: asStr(p["error_code"]),
	}
	if ts, ok := p["timestamp"].(time.Time); ok {
		e.Timestamp = ts
	}
	if raw, ok := p["meta"].(string); ok && raw != "" {
		var meta map[string]any
		if err := json.Unmarshal([]byte(raw), &meta); err == nil {
			e.Meta = meta
		}
	}
	if tid, ok := p["template_id"]; ok && tid != nil {
		v := asInt64(tid)
		e.TemplateID = &v
	}
	return e, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func asStr(v any) string {
	s, _ := v.(string)
	return s
}
