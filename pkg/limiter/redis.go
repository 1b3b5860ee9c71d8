package limiter

import (
	"context"
	_ "embed"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"
)

//go:embed window_quota.lua
var windowQuotaScript string

// RedisAuthority is a hierarchical fixed-window quota authority backed by
// Redis. Each decision runs as one Lua script, so the window hash under its
// key is the single logical owner of the counters even when many processes
// share it.
type RedisAuthority struct {
	client   redis.UniversalClient
	script   *redis.Script
	key      string
	quotas   Quotas
	timeout  time.Duration
	recorder MetricsRecorder
}

// NewRedisAuthority pings Redis and loads the admission script.
func NewRedisAuthority(client redis.UniversalClient, q Quotas, opts ...Option) (*RedisAuthority, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, &UnavailableError{Op: "ping", Err: err}
	}

	script := redis.NewScript(windowQuotaScript)
	if err := script.Load(ctx, client).Err(); err != nil {
		return nil, &UnavailableError{Op: "load script", Err: err}
	}

	return &RedisAuthority{
		client:   client,
		script:   script,
		key:      o.prefix + "window",
		quotas:   q.clone(),
		timeout:  o.timeout,
		recorder: o.recorder,
	}, nil
}

// CheckAndAdmit runs the admission script. Transport failures are returned
// wrapped in ErrAuthorityUnavailable and never turned into a decision.
func (r *RedisAuthority) CheckAndAdmit(ctx context.Context, system, traceID string, now time.Time) (Decision, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	start := time.Now()

	quota, known := r.quotas.SystemQuotas[system]
	if !known {
		quota = -1
	}

	// Run falls back to EVAL when Redis lost the script cache.
	result, err := r.script.Run(ctx, r.client, []string{r.key},
		now.UnixMilli(),                // ARGV[1]
		r.quotas.Window.Milliseconds(), // ARGV[2]
		r.quotas.GlobalLimit,           // ARGV[3]
		system,                         // ARGV[4]
		quota,                          // ARGV[5]
		traceID,                        // ARGV[6]
		r.quotas.PerTraceLimit,         // ARGV[7]
	).Result()
	if err != nil {
		r.recorder.Add("ratelimit.error", 1, nil)
		return Decision{}, &UnavailableError{Op: "run script", Err: err}
	}

	dec, err := parseDecision(result)
	if err != nil {
		return Decision{}, &UnavailableError{Op: "parse decision", Err: err}
	}
	recordDecision(r.recorder, dec, time.Since(start).Seconds())
	return dec, nil
}

func parseDecision(result interface{}) (Decision, error) {
	values, ok := result.([]interface{})
	if !ok || len(values) != 5 {
		return Decision{}, xerrors.New("invalid lua response format")
	}
	reason, _ := values[1].(string)
	return Decision{
		Allow:                toInt64(values[0]) == 1,
		Reason:               Reason(reason),
		RemainingSystemQuota: toInt64(values[2]),
		RemainingGlobalQuota: toInt64(values[3]),
		ResetAt:              time.UnixMilli(toInt64(values[4])),
	}, nil
}

func toInt64(val interface{}) int64 {
	switch v := val.(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}
