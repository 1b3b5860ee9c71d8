// Package limiter provides the quota authority that decides whether one more
// log write may be admitted, using hierarchical fixed-window counters.
//
// The primary entry point is the QuotaAuthority interface:
//
//	dec, err := authority.CheckAndAdmit(ctx, "browser", traceID, time.Now())
//
// The returned Decision reports whether the write was admitted, the reason it
// was rejected otherwise, and how much system and global quota is left in the
// current window so callers can back off.
//
// # Overview
//
// Every admission is counted at three levels inside one fixed window:
//
//   - Global: all systems together, capped by Quotas.GlobalLimit.
//   - System: per origin system ("browser", "backend", "worker"), capped by
//     Quotas.SystemQuotas.
//   - Trace: per correlation id, capped by Quotas.PerTraceLimit.
//
// Checks run in that order and the first failing level is reported as the
// Reason. A system without a configured quota is its own zero-quota bucket
// and is always rejected with ReasonUnknownSystem. Only when every level has
// room are all three counters incremented, together with the checks, as one
// critical section.
//
// When a call arrives at or after the end of the current window, every
// counter is dropped and the window start advances by whole windows, so
// boundaries stay uniform. Fixed windows allow up to twice the limit across a
// boundary; that burst is accepted in exchange for exact, testable counts.
//
// # Backends
//
//   - MemoryAuthority: a mutex-guarded in-process owner of the counters. It
//     is the reference implementation and what tests construct directly.
//
//   - RedisAuthority: the same algorithm as one Lua script over a single
//     Redis hash, for deployments where several processes share one key
//     space. Redis runs scripts serially, so the hash has one logical owner.
//
// # Context and Error Policy
//
// Rejections are decisions, not errors. A non-nil error means no decision
// was made (the context expired or Redis could not be reached); RedisAuthority
// wraps those in ErrAuthorityUnavailable. Callers must not guess an outcome
// from an error.
//
// # Configuration
//
// Both backends accept functional options:
//
//	authority, _ := NewRedisAuthority(client, quotas,
//		WithPrefix("logquota:quota:"),
//		WithTimeout(200*time.Millisecond),
//		WithRecorder(myMetrics),
//	)
//
//   - WithPrefix(string): key prefix for RedisAuthority (default "limiter:").
//   - WithTimeout(time.Duration): per-call Redis timeout (default 5s).
//   - WithRecorder(MetricsRecorder): metrics backend ("ratelimit.call",
//     "ratelimit.latency", "ratelimit.error").
package limiter
