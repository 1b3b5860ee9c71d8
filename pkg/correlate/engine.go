// Package correlate builds time-ordered, cross-system views of the entries
// stored under one trace id. It only reads from the log store.
package correlate

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"

	"github.com/manenim/logquota/pkg/logstore"
)

const (
	// DefaultRecentLimit is used when RecentTraces gets a non-positive limit.
	DefaultRecentLimit = 20
	// MaxRecentLimit caps RecentTraces.
	MaxRecentLimit = 500

	fetchParallelism = 8
)

// Reader is the read side of a log store.
type Reader interface {
	FetchTrace(ctx context.Context, traceID string) ([]logstore.Entry, error)
	ListRecentTraceIDs(ctx context.Context, limit int) ([]string, error)
}

// Summary describes one trace for dashboards.
type Summary struct {
	TraceID    string
	FirstSeen  time.Time
	LastSeen   time.Time
	EntryCount int
	Systems    []string
}

// Engine answers correlation queries. It is safe for concurrent use.
type Engine struct {
	reader Reader
	recent singleflight.Group
}

// NewEngine constructs an Engine over reader.
func NewEngine(reader Reader) *Engine {
	return &Engine{reader: reader}
}

// Correlate returns every entry of traceID ordered by timestamp. Entries with
// equal timestamps keep the order they were stored in.
func (e *Engine) Correlate(ctx context.Context, traceID string) ([]logstore.Entry, error) {
	entries, err := e.reader.FetchTrace(ctx, traceID)
	if err != nil {
		return nil, xerrors.Errorf("fetch trace %q: %w", traceID, err)
	}
	sortEntries(entries)
	return entries, nil
}

// RecentTraces summarizes up to limit of the most recently written traces.
// Concurrent calls with the same limit share one round of store reads.
func (e *Engine) RecentTraces(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	limit = min(limit, MaxRecentLimit)

	// The shared read must not fail every waiter when the first caller goes
	// away; the store's own timeouts bound it.
	shared := context.WithoutCancel(ctx)
	v, err, _ := e.recent.Do(strconv.Itoa(limit), func() (interface{}, error) {
		return e.recentTraces(shared, limit)
	})
	if err != nil {
		return nil, err
	}
	// Callers may share the result; hand each its own slice.
	return slices.Clone(v.([]Summary)), nil
}

func (e *Engine) recentTraces(ctx context.Context, limit int) ([]Summary, error) {
	ids, err := e.reader.ListRecentTraceIDs(ctx, limit)
	if err != nil {
		return nil, xerrors.Errorf("list recent traces: %w", err)
	}

	summaries := make([]Summary, len(ids))
	found := make([]bool, len(ids))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(fetchParallelism)
	for i, id := range ids {
		grp.Go(func() error {
			entries, err := e.reader.FetchTrace(gctx, id)
			if err != nil {
				return xerrors.Errorf("fetch trace %q: %w", id, err)
			}
			// The trace may have expired since it was listed.
			if len(entries) == 0 {
				return nil
			}
			summaries[i] = Summarize(id, entries)
			found[i] = true
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(ids))
	for i, s := range summaries {
		if found[i] {
			out = append(out, s)
		}
	}
	return out, nil
}

// Summarize computes the Summary of a non-empty trace.
func Summarize(traceID string, entries []logstore.Entry) Summary {
	s := Summary{
		TraceID:    traceID,
		EntryCount: len(entries),
		Systems:    []string{},
	}
	for i, entry := range entries {
		if i == 0 || entry.Timestamp.Before(s.FirstSeen) {
			s.FirstSeen = entry.Timestamp
		}
		if i == 0 || entry.Timestamp.After(s.LastSeen) {
			s.LastSeen = entry.Timestamp
		}
		if !slices.Contains(s.Systems, entry.System) {
			s.Systems = append(s.Systems, entry.System)
		}
	}
	slices.Sort(s.Systems)
	return s
}

func sortEntries(entries []logstore.Entry) {
	slices.SortStableFunc(entries, func(a, b logstore.Entry) int {
		return cmp.Compare(a.Timestamp.UnixNano(), b.Timestamp.UnixNano())
	})
}
