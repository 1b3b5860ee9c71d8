package logstore

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is one stored log line. Entries are immutable once appended.
type Entry struct {
	IngestID   string
	TraceID    string
	System     string
	Level      string
	Message    string
	Timestamp  time.Time
	ReceivedAt time.Time
	Payload    json.RawMessage
}

// wireEntry is the JSON form of an Entry, shared by Redis and the HTTP API.
// Times are unix milliseconds.
type wireEntry struct {
	IngestID   string          `json:"ingest_id,omitempty"`
	TraceID    string          `json:"trace_id"`
	System     string          `json:"system"`
	Level      string          `json:"level"`
	Message    string          `json:"message"`
	Timestamp  int64           `json:"timestamp"`
	ReceivedAt int64           `json:"received_at,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	w := wireEntry{
		IngestID:  e.IngestID,
		TraceID:   e.TraceID,
		System:    e.System,
		Level:     e.Level,
		Message:   e.Message,
		Timestamp: e.Timestamp.UnixMilli(),
		Payload:   e.Payload,
	}
	if !e.ReceivedAt.IsZero() {
		w.ReceivedAt = e.ReceivedAt.UnixMilli()
	}
	return json.Marshal(w)
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Entry{
		IngestID:  w.IngestID,
		TraceID:   w.TraceID,
		System:    w.System,
		Level:     w.Level,
		Message:   w.Message,
		Timestamp: time.UnixMilli(w.Timestamp).UTC(),
		Payload:   w.Payload,
	}
	if w.ReceivedAt != 0 {
		e.ReceivedAt = time.UnixMilli(w.ReceivedAt).UTC()
	}
	return nil
}

// Store persists entries as one ordered, expiring sequence per trace.
type Store interface {
	// Append adds e to the end of the trace's sequence and refreshes the
	// sequence's retention.
	Append(ctx context.Context, traceID string, e Entry) error
	// FetchTrace returns the trace's entries in write order. Unknown or
	// expired traces yield an empty slice.
	FetchTrace(ctx context.Context, traceID string) ([]Entry, error)
	// ListRecentTraceIDs returns trace ids, most recently written first.
	// A non-positive limit returns every trace.
	ListRecentTraceIDs(ctx context.Context, limit int) ([]string, error)
	// ClearAll deletes every trace and reports how many were removed.
	ClearAll(ctx context.Context) (int64, error)
}
