package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/manenim/logquota/internal/config"
	"github.com/manenim/logquota/internal/httpapi"
	"github.com/manenim/logquota/internal/metrics"
	"github.com/manenim/logquota/pkg/correlate"
	"github.com/manenim/logquota/pkg/ingest"
	"github.com/manenim/logquota/pkg/limiter"
	"github.com/manenim/logquota/pkg/logstore"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP ingestion service",
	Long: `Run the HTTP ingestion service until SIGINT or SIGTERM.

Examples:
  logquota serve
  logquota serve --config /etc/logquota.yaml
  REDIS_ADDR=redis:6379 LOGQUOTA_QUOTA_BACKEND=redis logquota serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := metrics.NewPromRecorder("logquota")
	client := newRedisClient(cfg)
	defer client.Close()

	authority, err := newAuthority(cfg, client, rec)
	if err != nil {
		return err
	}
	store := newStore(cfg, client, logstore.WithRecorder(rec))

	facade := ingest.NewFacade(authority, store,
		ingest.WithLogger(logger.Named("ingest")),
		ingest.WithTimeouts(cfg.QuotaTimeout(), cfg.StoreTimeout()),
		ingest.WithRecorder(rec),
	)

	serverCfg := httpapi.DefaultServerConfig()
	serverCfg.Addr = cfg.ListenAddr
	serverCfg.ReadRateLimitPerMinute = cfg.ReadRateLimitPerMinute
	srv := httpapi.NewServer(serverCfg, httpapi.Deps{
		Facade:  facade,
		Engine:  correlate.NewEngine(store),
		Store:   store,
		Metrics: rec.Handler(),
		Logger:  logger,
	})

	logger.Info(ctx, "starting logquota",
		slog.F("version", Version),
		slog.F("quota_backend", cfg.QuotaBackend),
		slog.F("redis_addr", cfg.Redis.Addr),
		slog.F("global_limit", cfg.GlobalLimit),
		slog.F("window", cfg.Quotas().Window),
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(srv.Start)
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info(context.Background(), "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func newAuthority(cfg config.Config, client redis.UniversalClient, rec *metrics.PromRecorder) (limiter.QuotaAuthority, error) {
	switch cfg.QuotaBackend {
	case config.BackendRedis:
		a, err := limiter.NewRedisAuthority(client, cfg.Quotas(),
			limiter.WithPrefix(cfg.Redis.KeyPrefix+"quota:"),
			limiter.WithTimeout(cfg.QuotaTimeout()),
			limiter.WithRecorder(rec),
		)
		if err != nil {
			return nil, xerrors.Errorf("connect quota authority: %w", err)
		}
		return a, nil
	case config.BackendMemory:
		a, err := limiter.NewMemoryAuthority(cfg.Quotas(), limiter.WithRecorder(rec))
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, xerrors.Errorf("unknown quota backend %q", cfg.QuotaBackend)
	}
}
