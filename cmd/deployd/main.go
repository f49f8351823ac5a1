package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/obtura/deployd/pkg/config"
	"github.com/obtura/deployd/pkg/consumer"
	"github.com/obtura/deployd/pkg/log"
	"github.com/obtura/deployd/pkg/metrics"
	"github.com/obtura/deployd/pkg/orchestrator"
	"github.com/obtura/deployd/pkg/quota"
	"github.com/obtura/deployd/pkg/ratelimit"
	"github.com/obtura/deployd/pkg/reconciler"
	"github.com/obtura/deployd/pkg/router"
	"github.com/obtura/deployd/pkg/runtime"
	"github.com/obtura/deployd/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "deployd",
	Short: "deployd - multi-tenant application deployment core",
	Long: `deployd consumes deployment jobs from the message bus and drives
them through quota admission, container rollout (blue/green, rolling,
canary), edge-router programming and rollback on a single host.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"deployd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().String("metrics-addr", ":9090", "Prometheus metrics listen address")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(reconcileCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the deployment worker",
	Long: `Start a deployment worker: connect to PostgreSQL, Redis, the
message bus and the container engine, then consume deploy jobs until
interrupted. Multiple workers may run against the same bus; each
processes one deployment at a time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		if err := cfg.Validate(); err != nil {
			return err
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("main")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer st.Close()

		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}

		engine, err := runtime.NewAdapter(cfg.DockerHost)
		if err != nil {
			return err
		}

		limiter := ratelimit.NewLimiter(rdb)
		quotas := quota.NewService(st.DB())
		edge := router.NewProgrammer(cfg.TraefikDynamicDir)

		orch := orchestrator.New(st, engine, edge, quotas, limiter, nil, orchestrator.Options{
			BaseDomain:               cfg.BaseDomain,
			CanaryErrorRateThreshold: cfg.CanaryErrorRateThreshold,
			CanaryLatencyThresholdMs: cfg.CanaryLatencyThresholdMs,
			CanaryMonitoringWindow:   cfg.CanaryMonitoringWindow,
		})

		recon := reconciler.New(st, limiter, engine, cfg.ReconcileInterval)
		recon.Start(ctx)
		defer recon.Stop()

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		metricsSrv := &http.Server{Addr: metricsAddr, Handler: metrics.Handler()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shutdownCtx)
		}()

		logger.Info().
			Str("base_domain", cfg.BaseDomain).
			Str("metrics_addr", metricsAddr).
			Msg("worker started")

		err = consumer.New(cfg.RabbitMQURL, st, orch, cfg.JobTimeout).Run(ctx)
		if errors.Is(err, context.Canceled) {
			logger.Info().Msg("worker stopped")
			return nil
		}
		return err
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <current-deployment-id> <target-deployment-id>",
	Short: "Roll an environment back to a previous deployment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		if err := cfg.Validate(); err != nil {
			return err
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer st.Close()

		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()

		engine, err := runtime.NewAdapter(cfg.DockerHost)
		if err != nil {
			return err
		}

		orch := orchestrator.New(
			st, engine, router.NewProgrammer(cfg.TraefikDynamicDir),
			quota.NewService(st.DB()), ratelimit.NewLimiter(rdb), nil,
			orchestrator.Options{BaseDomain: cfg.BaseDomain},
		)

		if err := orch.Rollback(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ Rolled back %s to %s\n", args[0], args[1])
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation cycle and exit",
	Long: `Repair drift once: overwrite the shared admission counters from the
SQL count of in-flight deployments and flag container rows whose
engine-side container is gone. The serve command runs this same cycle
periodically; the one-shot form is for operators after an incident.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		if err := cfg.Validate(); err != nil {
			return err
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer st.Close()

		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}

		engine, err := runtime.NewAdapter(cfg.DockerHost)
		if err != nil {
			return err
		}

		reconciler.New(st, ratelimit.NewLimiter(rdb), engine, cfg.ReconcileInterval).Reconcile(ctx)
		fmt.Println("✓ Reconciliation complete")
		return nil
	},
}
