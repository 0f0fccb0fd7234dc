// Package domain defines the core Event/Template types, constants, and
// validation rules shared by every pipeline stage. It is the validation gate
// at every entry point into the store.
package domain

import (
	"encoding/hex"
	"time"
)

// Level is a closed enum of journal severity levels.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarn     Level = "WARN"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
	LevelFatal    Level = "FATAL"
)

// ValidLevels is the set of recognised severity levels.
var ValidLevels = map[Level]bool{
	LevelDebug: true, LevelInfo: true, LevelWarn: true, LevelWarning: true,
	LevelError: true, LevelCritical: true, LevelFatal: true,
}

// MaxShortFieldLen bounds source/service/host identifiers.
const MaxShortFieldLen = 256

// Hash128 is a 128-bit fingerprint rendered as lowercase hex for storage and
// index keys (log_hash / template_hash).
type Hash128 [16]byte

func (h Hash128) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether the hash was never set.
func (h Hash128) IsZero() bool { return h == Hash128{} }

// Event represents one raw journal record, immutable after insert except for
// a single write-once fill of TemplateID by the safety net.
type Event struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Service   string         `json:"service"`
	Host      string         `json:"host"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
	EventType string         `json:"event_type,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	LogHash   Hash128        `json:"-"`
	// TemplateID is nil until resolved by the ingest pipeline or the safety net.
	TemplateID *int64 `json:"template_id,omitempty"`
}

// Template represents one canonical log pattern: the deduplicated unit of
// memory and the primary semantic-search subject.
type Template struct {
	ID             int64     `json:"id"`
	TemplateHash   Hash128   `json:"-"`
	CanonicalText  string    `json:"canonical_text"`
	Service        string    `json:"service"`
	Level          Level     `json:"level"`
	Embedding      []float32 `json:"embedding,omitempty"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
	EmbeddingDim   int       `json:"embedding_dim,omitempty"`
	CanonVersion   string    `json:"canon_version"`
	ChunkVersion   string    `json:"chunk_version,omitempty"`
	EventCount     int64     `json:"event_count"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// HasEmbedding reports whether the template has a non-null embedding.
func (t Template) HasEmbedding() bool { return len(t.Embedding) > 0 }
