package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Level is a dictionary-encoded log severity.
type Level uint8

const (
	LevelDebug Level = 0
	LevelInfo  Level = 1
	LevelWarn  Level = 2
	LevelError Level = 3
)

// Validation errors surfaced by the write path.
var (
	ErrInvalidLevel = errors.New("invalid log level")
	ErrEmptyMessage = errors.New("message cannot be empty")
	ErrFieldTooLong = errors.New("field exceeds maximum length")
)

// Field length limits enforced on write.
const (
	MaxMessageLen = 10000
	MaxTraceIDLen = 64
	MaxSpanIDLen  = 64
	MaxServiceLen = 100
)

// ParseLevel converts a string level to its encoded form.
// Only the four recognized severities are accepted.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// MarshalJSON encodes the level as its lowercase name, matching the wire format.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	lvl, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = lvl
	return nil
}

// LogRecord is the canonical representation of one ingested log entry.
// Immutable once written; ID and Timestamp are server-assigned.
type LogRecord struct {
	ID        string         `json:"id,omitempty"`
	Timestamp int64          `json:"timestamp"` // unix nanoseconds
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
	Service   string         `json:"service,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// ValidateDraft checks an incoming record before it is assigned a timestamp
// and appended. The level is validated during decode, so only the textual
// limits remain here.
func ValidateDraft(r *LogRecord) error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	if len(r.Message) > MaxMessageLen {
		return fmt.Errorf("%w: message longer than %d", ErrFieldTooLong, MaxMessageLen)
	}
	if len(r.TraceID) > MaxTraceIDLen {
		return fmt.Errorf("%w: trace_id longer than %d", ErrFieldTooLong, MaxTraceIDLen)
	}
	if len(r.SpanID) > MaxSpanIDLen {
		return fmt.Errorf("%w: span_id longer than %d", ErrFieldTooLong, MaxSpanIDLen)
	}
	if len(r.Service) > MaxServiceLen {
		return fmt.Errorf("%w: service longer than %d", ErrFieldTooLong, MaxServiceLen)
	}
	return nil
}

// Location addresses one record inside a segment. Offset is the byte position
// of the record's frame in the segment's uncompressed frame stream, so it
// stays valid after the segment is sealed and compressed.
type Location struct {
	SegmentID uint64 `json:"segment_id"`
	Offset    int64  `json:"offset"`
}

// RecordID derives the durable identifier of a record from its location.
// Segment IDs are never reused, so the pair is unique for the store's lifetime.
func RecordID(loc Location) string {
	return fmt.Sprintf("%d-%d", loc.SegmentID, loc.Offset)
}
