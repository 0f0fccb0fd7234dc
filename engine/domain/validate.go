package domain

import (
	"strings"
	"time"
)

// MaxSkew is the default tolerance for timestamps arriving ahead of the
// receiving clock (timestamp <= now()+ε).
const MaxSkew = 5 * time.Minute

// ValidateEvent checks a candidate Event against the schema before it
// reaches the ingest pipeline. skew <= 0 falls back to MaxSkew; now == nil
// falls back to time.Now.
func ValidateEvent(e Event, skew time.Duration, now func() time.Time) error {
	if skew <= 0 {
		skew = MaxSkew
	}
	if now == nil {
		now = time.Now
	}

	if strings.TrimSpace(e.Service) == "" {
		return NewValidationError("service", e.Service, ErrMissingField)
	}
	if len(e.Service) > MaxShortFieldLen {
		return NewValidationError("service", e.Service, ErrFieldTooLong)
	}
	if strings.TrimSpace(e.Host) == "" {
		return NewValidationError("host", e.Host, ErrMissingField)
	}
	if len(e.Host) > MaxShortFieldLen {
		return NewValidationError("host", e.Host, ErrFieldTooLong)
	}
	if len(e.Source) > MaxShortFieldLen {
		return NewValidationError("source", e.Source, ErrFieldTooLong)
	}
	if !ValidLevels[e.Level] {
		return NewValidationError("level", string(e.Level), ErrInvalidLevel)
	}
	if strings.TrimSpace(e.Message) == "" {
		return NewValidationError("message", e.Message, ErrMessageEmpty)
	}
	if e.Timestamp.After(now().Add(skew)) {
		return NewValidationError("timestamp", e.Timestamp.String(), ErrTimestampSkew)
	}
	return nil
}

// ValidateTemplate checks invariants on a Template before it is persisted:
// canonical text must be non-empty and the level must belong to the enum.
func ValidateTemplate(t Template) error {
	if strings.TrimSpace(t.CanonicalText) == "" {
		return NewValidationError("canonical_text", t.CanonicalText, ErrMessageEmpty)
	}
	if !ValidLevels[t.Level] {
		return NewValidationError("level", string(t.Level), ErrInvalidLevel)
	}
	if t.HasEmbedding() && t.EmbeddingDim != len(t.Embedding) {
		return NewValidationError("embedding_dim", t.CanonicalText, ErrFieldTooLong)
	}
	return nil
}
