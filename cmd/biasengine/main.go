package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/biasengine/internal/composition"
	"github.com/sawpanic/biasengine/internal/config"
	"github.com/sawpanic/biasengine/internal/gateway/postgres"
	"github.com/sawpanic/biasengine/internal/httpapi"
)

const appName = "biasengine"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Composite bias fusion engine",
		Long:    "Ingests TradingView, Unusual Whales, and scheduled market-data signals, fuses them into a Composite Bias score, and scores trade signals against it.",
		Version: "v1.0.0",
	}

	rootCmd.PersistentFlags().String("factors", "config/factors.yaml", "Factor Registry path")
	rootCmd.PersistentFlags().String("breaker-rules", "", "Circuit Breaker rule table path (empty uses the built-in defaults)")
	rootCmd.PersistentFlags().String("providers", "config/providers.yaml", "Providers config path (empty disables scheduled pulls)")
	rootCmd.PersistentFlags().String("db-dsn", os.Getenv("BIASENGINE_DB_DSN"), "Postgres DSN")
	rootCmd.PersistentFlags().String("redis-addr", os.Getenv("BIASENGINE_REDIS_ADDR"), "Redis address (empty uses the in-process cache)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest/read HTTP server, scheduler, and bias engine",
		RunE:  runServe,
	}
	serveCmd.Flags().String("host", "0.0.0.0", "HTTP bind host")
	serveCmd.Flags().Int("port", 8090, "HTTP bind port")

	resetBreakerCmd := &cobra.Command{
		Use:   "reset-breaker",
		Short: "Force the circuit breaker back to its neutral state",
		Long:  "Engages the SPY_RECOVERY trigger, clearing every active ceiling/floor clamp. Intended for manual operator override outside the automatic market-open reset.",
		RunE:  runResetBreaker,
	}

	purgeCacheCmd := &cobra.Command{
		Use:   "purge-cache",
		Short: "Delete cached price/zone/flow entries for a symbol",
		RunE:  runPurgeCache,
	}
	purgeCacheCmd.Flags().String("symbol", "", "Ticker symbol to purge (required)")
	purgeCacheCmd.MarkFlagRequired("symbol")

	replayOutcomesCmd := &cobra.Command{
		Use:   "replay-outcomes",
		Short: "Replay pending signal outcomes against price history",
		Long:  "Runs the same daily outcome-replay pass the scheduler triggers after market close, scoring every PENDING signal against its realized bars.",
		RunE:  runReplayOutcomes,
	}
	replayOutcomesCmd.Flags().String("since", "", "Informational: earliest signal creation date considered (RFC3339); replay always covers every pending signal")

	verifyConfigCmd := &cobra.Command{
		Use:   "verify-config",
		Short: "Load every config file and the database connection, reporting the first error",
		RunE:  runVerifyConfig,
	}

	rootCmd.AddCommand(serveCmd, resetBreakerCmd, purgeCacheCmd, replayOutcomesCmd, verifyConfigCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) composition.Config {
	factors, _ := cmd.Flags().GetString("factors")
	rules, _ := cmd.Flags().GetString("breaker-rules")
	providers, _ := cmd.Flags().GetString("providers")
	dsn, _ := cmd.Flags().GetString("db-dsn")
	redisAddr, _ := cmd.Flags().GetString("redis-addr")

	dbConfig := postgres.DefaultConfig()
	dbConfig.DSN = dsn

	return composition.Config{
		FactorRegistryPath: factors,
		BreakerRulesPath:   rules,
		ProvidersPath:      providers,
		Database:           dbConfig,
		Redis:              composition.RedisConfig{Addr: redisAddr},
		HTTP:               httpapi.DefaultConfig(),
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	cfg.HTTP.Host = host
	cfg.HTTP.Port = port

	app, err := composition.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := app.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return app.Shutdown(shutdownCtx)
}

func runResetBreaker(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)
	app, err := composition.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	ctx := context.Background()
	if err := app.Breaker.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("no prior breaker state to restore")
	}
	if err := app.Breaker.Engage(ctx, "SPY_RECOVERY"); err != nil {
		return fmt.Errorf("engage SPY_RECOVERY: %w", err)
	}

	fmt.Println("breaker reset to neutral")
	return app.Shutdown(ctx)
}

func runPurgeCache(cmd *cobra.Command, args []string) error {
	symbol, _ := cmd.Flags().GetString("symbol")
	cfg := loadConfig(cmd)
	app, err := composition.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	ctx := context.Background()
	kv := app.KV()

	purged := 0
	priceKeys, err := kv.Keys(ctx, "price:v")
	if err != nil {
		return fmt.Errorf("list price keys: %w", err)
	}
	for _, key := range priceKeys {
		if !strings.Contains(key, ":"+symbol+":") {
			continue
		}
		if err := kv.Del(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		purged++
	}

	for _, key := range []string{"cta:zone:" + symbol, "uw:flow:" + symbol} {
		if err := kv.Del(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		purged++
	}

	fmt.Printf("purged %d cache entries for %s\n", purged, symbol)
	return app.Shutdown(ctx)
}

func runReplayOutcomes(cmd *cobra.Command, args []string) error {
	since, _ := cmd.Flags().GetString("since")
	cfg := loadConfig(cmd)
	app, err := composition.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	if since != "" {
		log.Info().Str("since", since).Msg("replaying pending outcomes (since is informational; replay always covers every pending signal)")
	}

	ctx := context.Background()
	if err := app.Outcome.RunDaily(ctx, time.Now().UTC()); err != nil {
		return fmt.Errorf("replay outcomes: %w", err)
	}

	fmt.Println("outcome replay complete")
	return app.Shutdown(ctx)
}

func runVerifyConfig(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)
	app, err := composition.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("config verification failed: %w", err)
	}
	defer app.Shutdown(context.Background())

	if cfg.ProvidersPath != "" {
		if _, err := config.LoadProvidersConfig(cfg.ProvidersPath); err != nil {
			return fmt.Errorf("config verification failed: %w", err)
		}
	}

	fmt.Println("factor registry: ok")
	fmt.Println("breaker rules: ok")
	fmt.Println("providers config: ok")
	fmt.Println("database connection: ok")
	return nil
}
