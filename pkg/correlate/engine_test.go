package correlate_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/manenim/logquota/pkg/correlate"
	"github.com/manenim/logquota/pkg/logstore"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*miniredis.Miniredis, *logstore.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, logstore.NewRedisStore(client)
}

func entry(trace, system, msg string, ts time.Time) logstore.Entry {
	return logstore.Entry{TraceID: trace, System: system, Level: "info", Message: msg, Timestamp: ts}
}

func messages(entries []logstore.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func TestEngine_Correlate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("InOrder", func(t *testing.T) {
		t.Parallel()
		_, store := newStore(t)
		for i, system := range []string{"a", "b", "a"} {
			require.NoError(t, store.Append(ctx, "x", entry("x", system, fmt.Sprint(i), epoch.Add(time.Duration(i)*time.Millisecond))))
		}

		got, err := correlate.NewEngine(store).Correlate(ctx, "x")
		require.NoError(t, err)
		require.Equal(t, []string{"0", "1", "2"}, messages(got))
		require.Equal(t, "b", got[1].System)
	})

	t.Run("Interleaved", func(t *testing.T) {
		t.Parallel()
		_, store := newStore(t)
		// Arrival order differs from timestamp order; ties keep arrival order.
		require.NoError(t, store.Append(ctx, "x", entry("x", "worker", "late", epoch.Add(3*time.Second))))
		require.NoError(t, store.Append(ctx, "x", entry("x", "browser", "tie-first", epoch.Add(time.Second))))
		require.NoError(t, store.Append(ctx, "x", entry("x", "backend", "early", epoch)))
		require.NoError(t, store.Append(ctx, "x", entry("x", "backend", "tie-second", epoch.Add(time.Second))))

		got, err := correlate.NewEngine(store).Correlate(ctx, "x")
		require.NoError(t, err)
		require.Equal(t, []string{"early", "tie-first", "tie-second", "late"}, messages(got))
	})

	t.Run("Unknown", func(t *testing.T) {
		t.Parallel()
		_, store := newStore(t)
		got, err := correlate.NewEngine(store).Correlate(ctx, "nope")
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("StoreDown", func(t *testing.T) {
		t.Parallel()
		mr, store := newStore(t)
		mr.Close()
		_, err := correlate.NewEngine(store).Correlate(ctx, "x")
		require.ErrorIs(t, err, logstore.ErrStore)
	})
}

func TestEngine_RecentTraces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr, store := newStore(t)

	require.NoError(t, store.Append(ctx, "checkout", entry("checkout", "browser", "1", epoch.Add(2*time.Second))))
	require.NoError(t, store.Append(ctx, "checkout", entry("checkout", "backend", "2", epoch)))
	require.NoError(t, store.Append(ctx, "checkout", entry("checkout", "browser", "3", epoch.Add(5*time.Second))))
	mr.FastForward(time.Second)
	require.NoError(t, store.Append(ctx, "login", entry("login", "worker", "1", epoch.Add(time.Minute))))

	engine := correlate.NewEngine(store)
	got, err := engine.RecentTraces(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []correlate.Summary{
		{
			TraceID:    "login",
			FirstSeen:  epoch.Add(time.Minute),
			LastSeen:   epoch.Add(time.Minute),
			EntryCount: 1,
			Systems:    []string{"worker"},
		},
		{
			TraceID:    "checkout",
			FirstSeen:  epoch,
			LastSeen:   epoch.Add(5 * time.Second),
			EntryCount: 3,
			Systems:    []string{"backend", "browser"},
		},
	}, got)

	got, err = engine.RecentTraces(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "login", got[0].TraceID)
}

func TestEngine_RecentTracesEmpty(t *testing.T) {
	t.Parallel()
	_, store := newStore(t)
	got, err := correlate.NewEngine(store).RecentTraces(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)
}

type fakeReader struct {
	traces    map[string][]logstore.Entry
	ids       []string
	listErr   error
	lists     atomic.Int32
	lastLimit atomic.Int32
	release   chan struct{}
}

func (f *fakeReader) FetchTrace(_ context.Context, traceID string) ([]logstore.Entry, error) {
	return append([]logstore.Entry(nil), f.traces[traceID]...), nil
}

func (f *fakeReader) ListRecentTraceIDs(_ context.Context, limit int) ([]string, error) {
	f.lists.Add(1)
	f.lastLimit.Store(int32(limit))
	if f.release != nil {
		<-f.release
	}
	return f.ids, f.listErr
}

func TestEngine_RecentTracesSkipsExpired(t *testing.T) {
	t.Parallel()
	reader := &fakeReader{
		ids: []string{"gone", "kept"},
		traces: map[string][]logstore.Entry{
			"kept": {entry("kept", "a", "m", epoch)},
		},
	}
	got, err := correlate.NewEngine(reader).RecentTraces(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "kept", got[0].TraceID)
}

func TestEngine_RecentTracesLimits(t *testing.T) {
	t.Parallel()
	reader := &fakeReader{}
	engine := correlate.NewEngine(reader)

	_, err := engine.RecentTraces(context.Background(), -3)
	require.NoError(t, err)
	require.Equal(t, int32(correlate.DefaultRecentLimit), reader.lastLimit.Load())

	_, err = engine.RecentTraces(context.Background(), 10_000)
	require.NoError(t, err)
	require.Equal(t, int32(correlate.MaxRecentLimit), reader.lastLimit.Load())

	reader.listErr = errors.New("boom")
	_, err = engine.RecentTraces(context.Background(), 5)
	require.Error(t, err)
}

func TestEngine_RecentTracesCoalesced(t *testing.T) {
	t.Parallel()
	reader := &fakeReader{
		ids:     []string{"t"},
		traces:  map[string][]logstore.Entry{"t": {entry("t", "a", "m", epoch)}},
		release: make(chan struct{}),
	}
	engine := correlate.NewEngine(reader)

	var wg sync.WaitGroup
	results := make([][]correlate.Summary, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := engine.RecentTraces(context.Background(), 5)
			if err == nil {
				results[i] = got
			}
		}()
	}
	// Let every caller join the in-flight read before it completes.
	require.Eventually(t, func() bool { return reader.lists.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(reader.release)
	wg.Wait()

	require.LessOrEqual(t, reader.lists.Load(), int32(5))
	for _, got := range results {
		require.Len(t, got, 1)
	}
}
