package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"cdr.dev/slog/v3"

	"github.com/manenim/logquota/pkg/ingest"
	"github.com/manenim/logquota/pkg/limiter"
)

const maxBodyBytes = 1 << 20

// unavailableMessage is all a caller learns about infrastructure failures.
const unavailableMessage = "service unavailable, try again later"

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var body logRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return
	}

	var res ingest.Result
	req, err := body.toIngest()
	if err == nil {
		res, err = s.deps.Facade.Submit(r.Context(), req)
	}
	if err != nil {
		var verr *ingest.ValidationError
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid log entry", Details: verr.Problems})
		default:
			// The facade already logs these, throttled.
			s.logger.Debug(r.Context(), "log ingestion unavailable", slog.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: unavailableMessage})
		}
		return
	}

	decision := res.Decision
	if !decision.Allow {
		// Waiting does not help an unknown system.
		if decision.Reason != limiter.ReasonUnknownSystem {
			w.Header().Set("Retry-After", retryAfter(decision.ResetAt.Sub(s.now())))
		}
		writeJSON(w, http.StatusTooManyRequests, rateLimitedResponse{
			Error:                "rate limited",
			Reason:               decision.Reason,
			RemainingSystemQuota: decision.RemainingSystemQuota,
			RemainingGlobalQuota: decision.RemainingGlobalQuota,
		})
		return
	}

	writeJSON(w, http.StatusOK, storedResponse{
		Status:               "stored",
		IngestID:             res.Entry.IngestID,
		RemainingSystemQuota: decision.RemainingSystemQuota,
		RemainingGlobalQuota: decision.RemainingGlobalQuota,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	traceID := r.URL.Query().Get("trace_id")
	if traceID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "trace_id is required"})
		return
	}

	entries, err := s.deps.Engine.Correlate(r.Context(), traceID)
	if err != nil {
		s.logger.Warn(r.Context(), "correlate trace", slog.F("trace_id", traceID), slog.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: unavailableMessage})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRecentTraces(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	summaries, err := s.deps.Engine.RecentTraces(r.Context(), limit)
	if err != nil {
		s.logger.Warn(r.Context(), "list recent traces", slog.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: unavailableMessage})
		return
	}
	writeJSON(w, http.StatusOK, fromSummaries(summaries))
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Store.ClearAll(r.Context())
	if err != nil {
		s.logger.Error(r.Context(), "clear log store", slog.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: unavailableMessage})
		return
	}
	s.logger.Info(r.Context(), "cleared log store", slog.F("deleted_count", n))
	writeJSON(w, http.StatusOK, clearResponse{DeletedCount: n})
}

// retryAfter renders d as whole seconds, at least one.
func retryAfter(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	return strconv.FormatInt(max(secs, 1), 10)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
