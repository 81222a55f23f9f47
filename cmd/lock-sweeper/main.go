package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jogardn/payment-reconciler/internal/circuitbreaker"
	"github.com/jogardn/payment-reconciler/internal/config"
	"github.com/jogardn/payment-reconciler/internal/events"
	"github.com/jogardn/payment-reconciler/internal/lock"
	"github.com/jogardn/payment-reconciler/internal/payments"
	"github.com/jogardn/payment-reconciler/internal/paystack"
	"github.com/jogardn/payment-reconciler/internal/store"
	"github.com/jogardn/payment-reconciler/internal/sweeper"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "lock-sweeper",
		Short: "Find orders left locked by interrupted payments and reconcile them",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("PAYMENT_CONFIG"), "path to a YAML config file")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(listCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		staleAfter  time.Duration
		concurrency int
		interval    time.Duration
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sweep stale locks once, or every --interval",
		Long: `Sweep orders whose payment lock is older than --stale-after.

For each order the pending payment (if any) is verified with the gateway and
reconciled. Orders with no pending payment are unlocked. Orders whose gateway
check is still unavailable stay locked for the next pass.

Examples:
  lock-sweeper run --dry-run
  lock-sweeper run --stale-after 30m --interval 5m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("stale-after") {
				cfg.Sweeper.StaleAfter = staleAfter
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.Sweeper.Concurrency = concurrency
			}
			if cmd.Flags().Changed("interval") {
				cfg.Sweeper.Interval = interval
			}
			if cmd.Flags().Changed("dry-run") {
				cfg.Sweeper.DryRun = dryRun
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sw, closeAll, err := buildSweeper(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeAll()

			if cfg.Sweeper.Interval > 0 {
				logger.WithField("interval", cfg.Sweeper.Interval).Info("Sweeping stale locks periodically")
				return sw.Run(ctx, cfg.Sweeper.Interval)
			}

			result, err := sw.Sweep(ctx)
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			return printJSON(result)
		},
	}

	cmd.Flags().DurationVar(&staleAfter, "stale-after", 15*time.Minute, "minimum lock age before an order is swept")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "orders reconciled in parallel")
	cmd.Flags().DurationVar(&interval, "interval", 0, "repeat every interval until interrupted (0 sweeps once)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report stale orders without changing them")

	return cmd
}

func listCmd() *cobra.Command {
	var staleAfter time.Duration

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders locked for longer than --stale-after",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("stale-after") {
				staleAfter = cfg.Sweeper.StaleAfter
			}

			db, closeDB, err := store.Open(cmd.Context(), cfg.Service.Store, cfg.Database.DSN(), logger)
			if err != nil {
				return err
			}
			defer closeDB()

			orders, err := db.ListLockedBefore(cmd.Context(), time.Now().Add(-staleAfter))
			if err != nil {
				return fmt.Errorf("failed to list locked orders: %w", err)
			}
			return printJSON(map[string]interface{}{
				"stale_after": staleAfter.String(),
				"orders":      orders,
				"count":       len(orders),
			})
		},
	}

	cmd.Flags().DurationVar(&staleAfter, "stale-after", 15*time.Minute, "minimum lock age to report")
	return cmd
}

func setup() (*config.Config, *logrus.Logger, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if level, err := logrus.ParseLevel(cfg.Service.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	return cfg, logger, nil
}

func buildSweeper(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*sweeper.Sweeper, func(), error) {
	db, closeDB, err := store.Open(ctx, cfg.Service.Store, cfg.Database.DSN(), logger)
	if err != nil {
		return nil, nil, err
	}

	breakers := circuitbreaker.NewManager(logger)
	gateway := paystack.NewClient(paystack.Options{
		BaseURL:       cfg.Gateway.BaseURL,
		SecretKey:     cfg.Gateway.SecretKey,
		SubunitFactor: cfg.Gateway.SubunitFactor,
		Timeout:       cfg.Gateway.Timeout,
		RatePerSecond: cfg.Gateway.RatePerSecond,
		Burst:         cfg.Gateway.Burst,
		Breaker: breakers.GetOrCreate(paystack.BreakerName,
			paystack.BreakerConfig(cfg.Gateway.BreakerFailures, cfg.Gateway.BreakerTimeout)),
	}, logger)

	locks := lock.NewManager(db, logger)
	deps := payments.Dependencies{
		Orders:   db,
		Payments: db,
		Users:    db,
		Locks:    locks,
		Gateway:  gateway,
	}

	var publisher events.Publisher
	switch cfg.Events.Broker {
	case "kafka":
		publisher, err = events.NewKafkaPublisher(cfg.Events.KafkaBrokers, logger)
	case "amqp":
		publisher, err = events.NewAMQPPublisher(cfg.Events.AMQPURL, logger)
	}
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("failed to create event publisher: %w", err)
	}
	if publisher != nil {
		deps.Publisher = publisher
	}

	orchestrator := payments.NewOrchestrator(deps, payments.Options{
		VerifyAttempts:     cfg.Verify.Attempts,
		VerifyInitialDelay: cfg.Verify.InitialDelay,
		VerifyMaxDelay:     cfg.Verify.MaxDelay,
	}, logger)

	sw := sweeper.New(db, db, locks, orchestrator, sweeper.Config{
		StaleAfter:  cfg.Sweeper.StaleAfter,
		Concurrency: cfg.Sweeper.Concurrency,
		DryRun:      cfg.Sweeper.DryRun,
	}, logger)

	closeAll := func() {
		if publisher != nil {
			publisher.Close()
		}
		closeDB()
	}
	return sw, closeAll, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
