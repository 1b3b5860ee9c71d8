package limiter

import (
	"context"
	"sync"
	"time"
)

// window holds every counter for one fixed window. It is replaced, never
// reset in place, when the window rolls over.
type window struct {
	start  time.Time
	global int64
	system map[string]int64
	trace  map[string]int64
}

func newWindow(start time.Time) *window {
	return &window{
		start:  start,
		system: make(map[string]int64),
		trace:  make(map[string]int64),
	}
}

// MemoryAuthority is an in-process hierarchical fixed-window quota authority.
//
// It is safe for concurrent use by multiple goroutines: every CheckAndAdmit
// call runs as one critical section under a single mutex, so no caller ever
// sees a half-updated or half-reset window. Its state is local to the
// process; use RedisAuthority when several processes share one key space.
type MemoryAuthority struct {
	quotas   Quotas
	recorder MetricsRecorder

	mu  sync.Mutex
	cur *window
}

// NewMemoryAuthority constructs a MemoryAuthority. The window state is
// created lazily on the first call.
func NewMemoryAuthority(q Quotas, opts ...Option) (*MemoryAuthority, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryAuthority{
		quotas:   q.clone(),
		recorder: o.recorder,
	}, nil
}

// CheckAndAdmit decides whether system may admit one more entry for traceID
// in the window containing now. The error is non-nil only when ctx is
// already done.
func (m *MemoryAuthority) CheckAndAdmit(ctx context.Context, system, traceID string, now time.Time) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	start := time.Now()

	m.mu.Lock()
	dec := m.admitLocked(system, traceID, now)
	m.mu.Unlock()

	recordDecision(m.recorder, dec, time.Since(start).Seconds())
	return dec, nil
}

func (m *MemoryAuthority) admitLocked(system, traceID string, now time.Time) Decision {
	w := m.rollLocked(now)
	q := m.quotas

	quota, known := q.SystemQuotas[system]
	dec := Decision{ResetAt: w.start.Add(q.Window)}

	switch {
	case w.global >= q.GlobalLimit:
		dec.Reason = ReasonGlobalLimit
	case !known:
		dec.Reason = ReasonUnknownSystem
	case w.system[system] >= quota:
		dec.Reason = ReasonSystemLimit
	case w.trace[traceID] >= q.PerTraceLimit:
		dec.Reason = ReasonTraceLimit
	default:
		w.global++
		w.system[system]++
		w.trace[traceID]++
		dec.Allow = true
	}

	dec.RemainingGlobalQuota = max(q.GlobalLimit-w.global, 0)
	if known {
		dec.RemainingSystemQuota = max(quota-w.system[system], 0)
	}
	return dec
}

// rollLocked returns the window containing now, replacing the current one
// when now has reached its end. Window starts advance in whole multiples of
// the window length so boundaries stay uniform.
func (m *MemoryAuthority) rollLocked(now time.Time) *window {
	if m.cur == nil {
		m.cur = newWindow(now)
		return m.cur
	}
	elapsed := now.Sub(m.cur.start)
	if elapsed >= m.quotas.Window {
		periods := elapsed / m.quotas.Window
		m.cur = newWindow(m.cur.start.Add(periods * m.quotas.Window))
	}
	return m.cur
}
