package cmd

import (
	"os"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/manenim/logquota/internal/config"
	"github.com/manenim/logquota/pkg/logstore"
)

var (
	configPath string
	verbose    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "logquota",
	Short: "Rate-limited log ingestion with trace correlation",
	Long: `logquota admits log entries from many systems under global, per-system
and per-trace quotas, stores them by trace and reassembles traces in
timestamp order.

Use "logquota [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to a YAML config file (env overrides: "+config.EnvRedisAddr+", "+config.EnvListenAddr+", "+config.EnvQuotaBackend+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(versionCmd)
}

func newLogger() slog.Logger {
	logger := slog.Make(sloghuman.Sink(os.Stderr))
	if verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}
	return logger
}

func newRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func newStore(cfg config.Config, client redis.UniversalClient, opts ...logstore.Option) *logstore.RedisStore {
	opts = append([]logstore.Option{
		logstore.WithPrefix(cfg.Redis.KeyPrefix + "logs:"),
		logstore.WithRetention(cfg.Retention()),
		logstore.WithMaxEntries(cfg.MaxEntriesPerTrace),
		logstore.WithTimeout(cfg.StoreTimeout()),
	}, opts...)
	return logstore.NewRedisStore(client, opts...)
}
