package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/manenim/logquota/internal/metrics"
	"github.com/manenim/logquota/pkg/correlate"
	"github.com/manenim/logquota/pkg/ingest"
	"github.com/manenim/logquota/pkg/limiter"
	"github.com/manenim/logquota/pkg/logstore"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	mr        *miniredis.Miniredis
	authority *limiter.MemoryAuthority
	store     *logstore.RedisStore
	deps      Deps
	server    *Server
}

func newTestEnv(t *testing.T, readLimit int) *testEnv {
	t.Helper()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	authority, err := limiter.NewMemoryAuthority(limiter.Quotas{
		GlobalLimit:   100,
		SystemQuotas:  map[string]int64{"browser": 2, "backend": 50},
		PerTraceLimit: 50,
		Window:        time.Minute,
	})
	require.NoError(t, err)

	rec := metrics.NewPromRecorder("logquota")
	store := logstore.NewRedisStore(client, logstore.WithTimeout(200*time.Millisecond), logstore.WithRecorder(rec))
	facade := ingest.NewFacade(authority, store,
		ingest.WithLogger(logger),
		ingest.WithRecorder(rec),
		ingest.WithClock(func() time.Time { return epoch }),
	)

	deps := Deps{
		Facade:  facade,
		Engine:  correlate.NewEngine(store),
		Store:   store,
		Metrics: rec.Handler(),
		Logger:  logger,
	}
	env := &testEnv{mr: mr, authority: authority, store: store, deps: deps}
	env.serve(readLimit)
	return env
}

func (e *testEnv) serve(readLimit int) {
	cfg := DefaultServerConfig()
	cfg.ReadRateLimitPerMinute = readLimit
	e.server = NewServer(cfg, e.deps)
	e.server.now = func() time.Time { return epoch.Add(10 * time.Second) }
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&v))
	return v
}

// remainingGlobal spends one unit of quota and reports what is left.
func (e *testEnv) remainingGlobal(t *testing.T) int64 {
	t.Helper()
	dec, err := e.authority.CheckAndAdmit(context.Background(), "backend", "probe", epoch)
	require.NoError(t, err)
	return dec.RemainingGlobalQuota
}

func TestServer_Health(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)
	env.mr.Close()

	w := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestServer_LogStored(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)

	w := env.do(t, http.MethodPost, "/log", `{"system":"browser","trace_id":"t1","level":"warn","message":"slow paint","timestamp":1767225600500,"payload":{"ms":812}}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	got := decode[storedResponse](t, w)
	require.Equal(t, "stored", got.Status)
	require.NotEmpty(t, got.IngestID)
	require.Equal(t, int64(1), got.RemainingSystemQuota)
	require.Equal(t, int64(99), got.RemainingGlobalQuota)

	entries, err := env.store.FetchTrace(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, got.IngestID, entries[0].IngestID)
	require.Equal(t, epoch.Add(500*time.Millisecond), entries[0].Timestamp.UTC())
	require.JSONEq(t, `{"ms":812}`, string(entries[0].Payload))
}

func TestServer_LogInvalid(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)
	before := env.remainingGlobal(t)

	w := env.do(t, http.MethodPost, "/log", `{"system":"browser","trace_id":"t1"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	got := decode[errorResponse](t, w)
	require.Equal(t, "invalid log entry", got.Error)
	require.Len(t, got.Details, 1)
	require.Contains(t, got.Details[0], "message")

	w = env.do(t, http.MethodPost, "/log", `{"system":`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	require.Equal(t, before-1, env.remainingGlobal(t), "rejected bodies consume no quota")
	entries, err := env.store.FetchTrace(context.Background(), "t1")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestServer_LogRateLimited(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)
	body := `{"system":"browser","trace_id":"t1","message":"click"}`

	for range 2 {
		require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/log", body).Code)
	}
	w := env.do(t, http.MethodPost, "/log", body)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "50", w.Header().Get("Retry-After"))

	got := decode[rateLimitedResponse](t, w)
	require.Equal(t, limiter.ReasonSystemLimit, got.Reason)
	require.Zero(t, got.RemainingSystemQuota)
	require.Equal(t, int64(98), got.RemainingGlobalQuota)

	w = env.do(t, http.MethodPost, "/log", `{"system":"mainframe","trace_id":"t1","message":"hello"}`)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, limiter.ReasonUnknownSystem, decode[rateLimitedResponse](t, w).Reason)
	require.Empty(t, w.Header().Values("Retry-After"), "waiting cannot admit an unknown system")
}

func TestServer_LogTimestampRange(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)
	before := env.remainingGlobal(t)

	for _, ts := range []string{"1e20", "9.3e18", "-5", "-0.5", "253402300800000"} {
		body := `{"system":"backend","trace_id":"t1","message":"m","timestamp":` + ts + `}`
		w := env.do(t, http.MethodPost, "/log", body)
		require.Equal(t, http.StatusBadRequest, w.Code, ts)
		require.Equal(t, []string{ingest.TimestampProblem}, decode[errorResponse](t, w).Details, ts)
	}
	require.Equal(t, before-1, env.remainingGlobal(t), "out of range timestamps consume no quota")

	for _, ts := range []string{"0", "253402300799999"} {
		body := `{"system":"backend","trace_id":"t2","message":"m","timestamp":` + ts + `}`
		require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/log", body).Code, ts)
	}

	ctx := context.Background()
	entries, err := env.store.FetchTrace(ctx, "t1")
	require.NoError(t, err)
	require.Empty(t, entries)

	entries, err = env.store.FetchTrace(ctx, "t2")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, time.UnixMilli(0).UTC(), entries[0].Timestamp)
	require.Equal(t, 9999, entries[1].Timestamp.Year())
}

func TestServer_TraceIDRoundTrip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)

	w := env.do(t, http.MethodPost, "/log", `{"system":"backend","trace_id":" t9 ","message":"m"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, []string{"trace_id: must not have leading or trailing whitespace"}, decode[errorResponse](t, w).Details)

	w = env.do(t, http.MethodGet, "/logs?trace_id=t9", "")
	require.JSONEq(t, `[]`, w.Body.String())

	for _, id := range []string{"t9", "a b/c?d"} {
		body, err := json.Marshal(map[string]string{"system": "backend", "trace_id": id, "message": "m"})
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/log", string(body)).Code, id)

		w = env.do(t, http.MethodGet, "/logs?trace_id="+url.QueryEscape(id), "")
		require.Equal(t, http.StatusOK, w.Code, id)
		entries := decode[[]logstore.Entry](t, w)
		require.Len(t, entries, 1, id)
		require.Equal(t, id, entries[0].TraceID)
	}
}

// levelSink records the level of every entry it receives.
type levelSink struct {
	mu     sync.Mutex
	levels []slog.Level
}

func (s *levelSink) LogEntry(_ context.Context, e slog.SinkEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels = append(s.levels, e.Level)
}

func (*levelSink) Sync() {}

func TestServer_UnavailableNotLoggedPerRequest(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)
	sink := &levelSink{}
	env.deps.Logger = slog.Make(sink).Leveled(slog.LevelDebug)
	env.serve(0)
	env.mr.Close()

	for range 5 {
		w := env.do(t, http.MethodPost, "/log", `{"system":"backend","trace_id":"t1","message":"m"}`)
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.levels)
	for _, level := range sink.levels {
		require.Less(t, int(level), int(slog.LevelWarn))
	}
}

func TestServer_StorageUnavailable(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)
	env.mr.Close()

	w := env.do(t, http.MethodPost, "/log", `{"system":"backend","trace_id":"t1","message":"db down"}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	got := decode[errorResponse](t, w)
	require.Equal(t, unavailableMessage, got.Error)
	require.NotContains(t, w.Body.String(), "connect")

	require.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/logs?trace_id=t1", "").Code)
	require.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/traces/recent", "").Code)
	require.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodPost, "/admin/clear", "").Code)
}

func TestServer_Logs(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)

	for _, body := range []string{
		`{"system":"backend","trace_id":"x","message":"second","timestamp":1767225602000}`,
		`{"system":"browser","trace_id":"x","message":"first","timestamp":1767225601000}`,
		`{"system":"backend","trace_id":"x","message":"third","timestamp":1767225603000}`,
	} {
		require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/log", body).Code)
	}

	w := env.do(t, http.MethodGet, "/logs?trace_id=x", "")
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[[]logstore.Entry](t, w)
	require.Len(t, entries, 3)
	for i, msg := range []string{"first", "second", "third"} {
		require.Equal(t, msg, entries[i].Message)
		require.Equal(t, "x", entries[i].TraceID)
	}

	w = env.do(t, http.MethodGet, "/logs?trace_id=missing", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `[]`, w.Body.String())

	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/logs", "").Code)
}

func TestServer_RecentTraces(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/log", `{"system":"backend","trace_id":"old","message":"a"}`).Code)
	env.mr.FastForward(time.Second)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/log", `{"system":"backend","trace_id":"new","message":"b"}`).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/log", `{"system":"browser","trace_id":"new","message":"c"}`).Code)

	w := env.do(t, http.MethodGet, "/traces/recent?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[[]traceSummary](t, w)
	require.Len(t, got, 2)
	require.Equal(t, traceSummary{
		TraceID:    "new",
		FirstSeen:  epoch.UnixMilli(),
		LastSeen:   epoch.UnixMilli(),
		EntryCount: 2,
		Systems:    []string{"backend", "browser"},
	}, got[0])
	require.Equal(t, "old", got[1].TraceID)

	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/traces/recent?limit=zero", "").Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/traces/recent?limit=-1", "").Code)
}

func TestServer_Clear(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)

	for _, trace := range []string{"a", "b", "a"} {
		body := `{"system":"backend","trace_id":"` + trace + `","message":"m"}`
		require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/log", body).Code)
	}

	w := env.do(t, http.MethodPost, "/admin/clear", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"deleted_count":2}`, w.Body.String())

	w = env.do(t, http.MethodPost, "/admin/clear", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"deleted_count":0}`, w.Body.String())

	w = env.do(t, http.MethodGet, "/logs?trace_id=a", "")
	require.JSONEq(t, `[]`, w.Body.String())
}

func TestServer_ReadRateLimit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 2)

	for range 2 {
		require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/traces/recent", "").Code)
	}
	w := env.do(t, http.MethodGet, "/logs?trace_id=x", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "read rate limit exceeded", decode[errorResponse](t, w).Error)

	// Writes and health checks have their own budgets.
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", "").Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/log", `{"system":"backend","trace_id":"x","message":"m"}`).Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/log", `{"system":"backend","trace_id":"x","message":"m"}`).Code)

	w := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `logquota_ingest_requests_total{outcome="stored"} 1`)
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()
	require.Equal(t, "1", retryAfter(0))
	require.Equal(t, "1", retryAfter(-time.Second))
	require.Equal(t, "2", retryAfter(1500*time.Millisecond))
	require.Equal(t, "60", retryAfter(time.Minute))
}
