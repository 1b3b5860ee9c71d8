package httpapi

import (
	"encoding/json"
	"time"

	"github.com/manenim/logquota/pkg/correlate"
	"github.com/manenim/logquota/pkg/ingest"
	"github.com/manenim/logquota/pkg/limiter"
)

// logRequest is the POST /log body. Timestamp is unix milliseconds.
type logRequest struct {
	System    string          `json:"system"`
	TraceID   string          `json:"trace_id"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Timestamp *float64        `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// toIngest converts the body into an ingest.Request. A timestamp outside
// the range ingest accepts is reported as a *ingest.ValidationError.
func (r logRequest) toIngest() (ingest.Request, error) {
	req := ingest.Request{
		System:  r.System,
		TraceID: r.TraceID,
		Level:   r.Level,
		Message: r.Message,
		Payload: r.Payload,
	}
	if r.Timestamp != nil {
		ts := *r.Timestamp
		if !(ts >= 0 && ts <= ingest.MaxTimestampMillis) {
			return ingest.Request{}, &ingest.ValidationError{Problems: []string{ingest.TimestampProblem}}
		}
		req.Timestamp = time.UnixMilli(int64(ts)).UTC()
	}
	return req, nil
}

type storedResponse struct {
	Status               string `json:"status"`
	IngestID             string `json:"ingest_id"`
	RemainingSystemQuota int64  `json:"remaining_system_quota"`
	RemainingGlobalQuota int64  `json:"remaining_global_quota"`
}

type rateLimitedResponse struct {
	Error                string         `json:"error"`
	Reason               limiter.Reason `json:"reason"`
	RemainingSystemQuota int64          `json:"remaining_system_quota"`
	RemainingGlobalQuota int64          `json:"remaining_global_quota"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

type clearResponse struct {
	DeletedCount int64 `json:"deleted_count"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// traceSummary mirrors correlate.Summary with unix millisecond times, the
// same encoding log entries use.
type traceSummary struct {
	TraceID    string   `json:"trace_id"`
	FirstSeen  int64    `json:"first_seen"`
	LastSeen   int64    `json:"last_seen"`
	EntryCount int      `json:"entry_count"`
	Systems    []string `json:"systems"`
}

func fromSummaries(in []correlate.Summary) []traceSummary {
	out := make([]traceSummary, len(in))
	for i, s := range in {
		out[i] = traceSummary{
			TraceID:    s.TraceID,
			FirstSeen:  s.FirstSeen.UnixMilli(),
			LastSeen:   s.LastSeen.UnixMilli(),
			EntryCount: s.EntryCount,
			Systems:    s.Systems,
		}
	}
	return out
}
