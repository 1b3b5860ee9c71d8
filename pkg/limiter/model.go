package limiter

import (
	"context"
	"errors"
	"maps"
	"time"
)

// Reason explains why a Decision rejected a request. It is empty when the
// request was admitted.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonGlobalLimit   Reason = "GLOBAL_LIMIT"
	ReasonSystemLimit   Reason = "SYSTEM_LIMIT"
	ReasonTraceLimit    Reason = "TRACE_LIMIT"
	ReasonUnknownSystem Reason = "UNKNOWN_SYSTEM"
)

// ErrAuthorityUnavailable wraps transport failures (timeouts, connection
// errors) when the authority could not produce a decision at all.
var ErrAuthorityUnavailable = errors.New("quota authority unavailable")

// UnavailableError records the step at which the authority failed to reach
// a decision. It matches ErrAuthorityUnavailable and unwraps to the cause.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return "quota authority " + e.Op + ": " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Is makes every UnavailableError match ErrAuthorityUnavailable.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrAuthorityUnavailable
}

// Quotas is the immutable policy enforced by a QuotaAuthority.
type Quotas struct {
	// GlobalLimit caps admissions across every system in one window.
	GlobalLimit int64
	// SystemQuotas caps admissions per origin system. Systems missing from
	// the map are rejected with ReasonUnknownSystem.
	SystemQuotas map[string]int64
	// PerTraceLimit caps admissions per trace id in one window.
	PerTraceLimit int64
	// Window is the length of one fixed window.
	Window time.Duration
}

// Validate reports the first problem with q.
func (q Quotas) Validate() error {
	switch {
	case q.Window <= 0:
		return errors.New("window must be positive")
	case q.GlobalLimit < 0:
		return errors.New("global limit must not be negative")
	case q.PerTraceLimit < 0:
		return errors.New("per-trace limit must not be negative")
	}
	for system, quota := range q.SystemQuotas {
		if system == "" {
			return errors.New("system quota keys must not be empty")
		}
		if quota < 0 {
			return errors.New("system quota for " + system + " must not be negative")
		}
	}
	return nil
}

// KnownSystem reports whether system has a configured quota.
func (q Quotas) KnownSystem(system string) bool {
	_, ok := q.SystemQuotas[system]
	return ok
}

func (q Quotas) clone() Quotas {
	q.SystemQuotas = maps.Clone(q.SystemQuotas)
	return q
}

// Decision is the result of one admission check. Remaining counts reflect
// the counters after the admission write, if any.
type Decision struct {
	Allow                bool
	Reason               Reason
	RemainingSystemQuota int64
	RemainingGlobalQuota int64
	// ResetAt is the end of the window the decision was made in.
	ResetAt time.Time
}

// QuotaAuthority is the single owner of the quota counters. CheckAndAdmit
// evaluates and, on success, consumes one unit for system and traceID as
// one atomic step. A non-nil error means no decision was made.
type QuotaAuthority interface {
	CheckAndAdmit(ctx context.Context, system, traceID string, now time.Time) (Decision, error)
}
