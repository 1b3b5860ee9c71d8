package logstore

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"github.com/manenim/logquota/pkg/limiter"
)

const scanBatch = 500

type options struct {
	prefix     string
	retention  time.Duration
	maxEntries int64
	timeout    time.Duration
	recorder   limiter.MetricsRecorder
}

// Option configures a RedisStore.
type Option func(*options)

// WithPrefix sets the key prefix (default "logs:").
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithRetention sets how long a trace survives after its last append
// (default 24h).
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retention = d
		}
	}
}

// WithMaxEntries caps each trace to its newest n entries. Zero disables the
// cap.
func WithMaxEntries(n int64) Option {
	return func(o *options) {
		o.maxEntries = n
	}
}

// WithTimeout bounds each call to Redis (default 2s).
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithRecorder injects a metrics backend.
func WithRecorder(r limiter.MetricsRecorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// RedisStore keeps one Redis list per trace under "{prefix}trace:{id}".
// Appends push to the tail, so list order is write order, and every append
// refreshes the list's expiry.
type RedisStore struct {
	client redis.UniversalClient
	opts   options
}

// NewRedisStore constructs a RedisStore. It does not contact Redis.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	o := options{
		prefix:    "logs:",
		retention: 24 * time.Hour,
		timeout:   2 * time.Second,
		recorder:  &limiter.NoOpMetricsRecorder{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, opts: o}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) traceKey(traceID string) string {
	return s.opts.prefix + "trace:" + traceID
}

func (s *RedisStore) tracePattern() string {
	return s.opts.prefix + "trace:*"
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.timeout)
}

func (s *RedisStore) Append(ctx context.Context, traceID string, e Entry) error {
	if traceID == "" {
		return ErrEmptyTraceID
	}
	data, err := json.Marshal(e)
	if err != nil {
		return xerrors.Errorf("encode entry: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	start := time.Now()

	key := s.traceKey(traceID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		if s.opts.maxEntries > 0 {
			pipe.LTrim(ctx, key, -s.opts.maxEntries, -1)
		}
		pipe.PExpire(ctx, key, s.opts.retention)
		return nil
	})
	s.opts.recorder.Observe("logstore.append.latency", time.Since(start).Seconds(), nil)
	if err != nil {
		s.opts.recorder.Add("logstore.error", 1, map[string]string{"op": "append"})
		return storeErr("append", err)
	}
	return nil
}

func (s *RedisStore) FetchTrace(ctx context.Context, traceID string) ([]Entry, error) {
	if traceID == "" {
		return nil, ErrEmptyTraceID
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := s.client.LRange(ctx, s.traceKey(traceID), 0, -1).Result()
	if err != nil {
		s.opts.recorder.Add("logstore.error", 1, map[string]string{"op": "fetch"})
		return nil, storeErr("fetch", err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, storeErr("fetch", xerrors.Errorf("decode entry: %w", err))
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisStore) ListRecentTraceIDs(ctx context.Context, limit int) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	keys, err := s.scanTraceKeys(ctx)
	if err != nil {
		return nil, storeErr("list", err)
	}
	if len(keys) == 0 {
		return []string{}, nil
	}

	// TTL is refreshed on every append, so more remaining TTL means a more
	// recent write.
	cmds := make([]*redis.DurationCmd, len(keys))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.PTTL(ctx, key)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("list", err)
	}

	type traceTTL struct {
		id  string
		ttl time.Duration
	}
	traces := make([]traceTTL, 0, len(keys))
	prefix := s.opts.prefix + "trace:"
	for i, key := range keys {
		ttl := cmds[i].Val()
		// -2 means the key expired between SCAN and PTTL.
		if ttl == -2 {
			continue
		}
		traces = append(traces, traceTTL{id: strings.TrimPrefix(key, prefix), ttl: ttl})
	}
	slices.SortFunc(traces, func(a, b traceTTL) int {
		if c := cmp.Compare(b.ttl, a.ttl); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	if limit > 0 && len(traces) > limit {
		traces = traces[:limit]
	}

	ids := make([]string, len(traces))
	for i, t := range traces {
		ids[i] = t.id
	}
	return ids, nil
}

func (s *RedisStore) ClearAll(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	keys, err := s.scanTraceKeys(ctx)
	if err != nil {
		return 0, storeErr("clear", err)
	}

	var deleted int64
	for batch := range slices.Chunk(keys, scanBatch) {
		n, err := s.client.Del(ctx, batch...).Result()
		if err != nil {
			return deleted, storeErr("clear", err)
		}
		deleted += n
	}
	return deleted, nil
}

func (s *RedisStore) scanTraceKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.tracePattern(), scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return slices.Compact(keys), nil
}
