// Package ingest turns log write requests into quota decisions and stores
// the writes that are admitted.
package ingest

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/manenim/logquota/pkg/limiter"
	"github.com/manenim/logquota/pkg/logstore"
)

// Outcomes reported on the "ingest.requests" counter.
const (
	OutcomeStored             = "stored"
	OutcomeRejected           = "rejected"
	OutcomeInvalid            = "invalid"
	OutcomeQuotaUnavailable   = "quota_unavailable"
	OutcomeStorageUnavailable = "storage_unavailable"
)

// Appender is the part of logstore.Store the facade writes through.
type Appender interface {
	Append(ctx context.Context, traceID string, e logstore.Entry) error
}

// Result describes a submission that reached the quota authority.
type Result struct {
	Decision limiter.Decision
	// Entry is the stored entry. It is zero unless Decision.Allow.
	Entry logstore.Entry
}

// Option configures a Facade.
type Option func(*Facade)

// WithLogger sets the logger used for infrastructure failures.
func WithLogger(logger slog.Logger) Option {
	return func(f *Facade) {
		f.logger = logger
	}
}

// WithTimeouts bounds the quota decision and the storage write separately.
func WithTimeouts(quota, store time.Duration) Option {
	return func(f *Facade) {
		f.quotaTimeout = quota
		f.storeTimeout = store
	}
}

// WithRecorder injects a metrics backend.
func WithRecorder(r limiter.MetricsRecorder) Option {
	return func(f *Facade) {
		if r != nil {
			f.recorder = r
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Facade) {
		f.now = now
	}
}

// Facade admits log writes against a QuotaAuthority and writes admitted
// entries through an Appender. It holds no per-request state and is safe for
// concurrent use.
type Facade struct {
	authority    limiter.QuotaAuthority
	store        Appender
	logger       slog.Logger
	recorder     limiter.MetricsRecorder
	quotaTimeout time.Duration
	storeTimeout time.Duration
	now          func() time.Time
	newID        func() string

	// failureLog throttles failure logging during an outage.
	failureLog rate.Sometimes
}

// NewFacade constructs a Facade.
func NewFacade(authority limiter.QuotaAuthority, store Appender, opts ...Option) *Facade {
	f := &Facade{
		authority:    authority,
		store:        store,
		logger:       slog.Make(),
		recorder:     &limiter.NoOpMetricsRecorder{},
		quotaTimeout: 250 * time.Millisecond,
		storeTimeout: 2 * time.Second,
		now:          time.Now,
		newID:        uuid.NewString,
		failureLog:   rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Submit validates req, asks the authority for a decision and, when
// admitted, stores the entry.
//
// Validation failures return a *ValidationError before any quota is
// consumed. A rejection is a Result with Decision.Allow false and a nil
// error. Once admitted, the write runs to completion even if ctx is
// canceled, because the quota is already spent; a failed write returns
// ErrStorageUnavailable and keeps the Decision in the Result.
func (f *Facade) Submit(ctx context.Context, req Request) (Result, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		f.count(OutcomeInvalid)
		return Result{}, err
	}

	receivedAt := f.now()
	dec, err := f.decide(ctx, req, receivedAt)
	if err != nil {
		f.count(OutcomeQuotaUnavailable)
		f.logFailure(ctx, "quota authority unavailable", req, err)
		return Result{}, &UnavailableError{Kind: ErrQuotaUnavailable, Err: err}
	}
	if !dec.Allow {
		f.count(OutcomeRejected)
		return Result{Decision: dec}, nil
	}

	entry := logstore.Entry{
		IngestID:   f.newID(),
		TraceID:    req.TraceID,
		System:     req.System,
		Level:      req.Level,
		Message:    req.Message,
		Timestamp:  req.Timestamp,
		ReceivedAt: receivedAt,
		Payload:    req.Payload,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = receivedAt
	}

	storeCtx, cancel := f.bounded(context.WithoutCancel(ctx), f.storeTimeout)
	defer cancel()
	if err := f.store.Append(storeCtx, req.TraceID, entry); err != nil {
		f.count(OutcomeStorageUnavailable)
		f.logFailure(ctx, "store admitted log entry", req, err)
		return Result{Decision: dec}, &UnavailableError{Kind: ErrStorageUnavailable, Err: err}
	}

	f.count(OutcomeStored)
	return Result{Decision: dec, Entry: entry}, nil
}

func (f *Facade) decide(ctx context.Context, req Request, now time.Time) (limiter.Decision, error) {
	ctx, cancel := f.bounded(ctx, f.quotaTimeout)
	defer cancel()
	return f.authority.CheckAndAdmit(ctx, req.System, req.TraceID, now)
}

func (*Facade) bounded(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func (f *Facade) count(outcome string) {
	f.recorder.Add("ingest.requests", 1, map[string]string{"outcome": outcome})
}

func (f *Facade) logFailure(ctx context.Context, msg string, req Request, err error) {
	f.failureLog.Do(func() {
		f.logger.Error(ctx, msg,
			slog.F("system", req.System),
			slog.F("trace_id", req.TraceID),
			slog.Error(err),
		)
	})
}
