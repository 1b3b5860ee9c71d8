package ingest

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	maxSystemLen  = 64
	maxTraceIDLen = 256

	// MaxTimestampMillis is 9999-12-31T23:59:59.999Z in unix milliseconds.
	MaxTimestampMillis = 253402300799999
	// TimestampProblem is reported for timestamps outside
	// [MinTimestamp, MaxTimestamp].
	TimestampProblem = "timestamp: must be unix milliseconds between 0 and 253402300799999"
)

var (
	MinTimestamp = time.UnixMilli(0).UTC()
	MaxTimestamp = time.UnixMilli(MaxTimestampMillis).UTC()
)

// Levels accepted by Validate. An empty level defaults to "info".
var Levels = []string{"debug", "info", "warn", "error", "fatal"}

// Request is one parsed log write.
type Request struct {
	System  string
	TraceID string
	Level   string
	Message string
	// Timestamp is when the origin system logged the entry. Zero means the
	// time it was received.
	Timestamp time.Time
	Payload   json.RawMessage
}

// Normalize trims the system name and lower-cases the level. The trace id
// is an opaque key and is left as given.
func (r Request) Normalize() Request {
	r.System = strings.TrimSpace(r.System)
	r.Level = strings.ToLower(strings.TrimSpace(r.Level))
	if r.Level == "" {
		r.Level = "info"
	}
	return r
}

// Validate reports every problem with a normalized request.
func (r Request) Validate() error {
	var problems []string
	switch {
	case r.System == "":
		problems = append(problems, "system: required")
	case len(r.System) > maxSystemLen:
		problems = append(problems, fmt.Sprintf("system: longer than %d bytes", maxSystemLen))
	}
	switch {
	case r.TraceID == "":
		problems = append(problems, "trace_id: required")
	case len(r.TraceID) > maxTraceIDLen:
		problems = append(problems, fmt.Sprintf("trace_id: longer than %d bytes", maxTraceIDLen))
	case strings.TrimSpace(r.TraceID) != r.TraceID:
		problems = append(problems, "trace_id: must not have leading or trailing whitespace")
	}
	if strings.TrimSpace(r.Message) == "" {
		problems = append(problems, "message: required")
	}
	if !slices.Contains(Levels, r.Level) {
		problems = append(problems, fmt.Sprintf("level: must be one of %s", strings.Join(Levels, ", ")))
	}
	if !r.Timestamp.IsZero() && (r.Timestamp.Before(MinTimestamp) || r.Timestamp.After(MaxTimestamp)) {
		problems = append(problems, TimestampProblem)
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		problems = append(problems, "payload: invalid JSON")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
