package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/payment-reconciler/internal/circuitbreaker"
	"github.com/jogardn/payment-reconciler/internal/config"
	"github.com/jogardn/payment-reconciler/internal/events"
	"github.com/jogardn/payment-reconciler/internal/lock"
	"github.com/jogardn/payment-reconciler/internal/payments"
	"github.com/jogardn/payment-reconciler/internal/paystack"
	"github.com/jogardn/payment-reconciler/internal/store"
	"github.com/jogardn/payment-reconciler/internal/websocket"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", os.Getenv("PAYMENT_CONFIG"), "path to a YAML config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	level, err := logrus.ParseLevel(cfg.Service.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, closeDB, err := store.Open(ctx, cfg.Service.Store, cfg.Database.DSN(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer closeDB()

	breakers := circuitbreaker.NewManager(logger)
	breaker := breakers.GetOrCreate(paystack.BreakerName,
		paystack.BreakerConfig(cfg.Gateway.BreakerFailures, cfg.Gateway.BreakerTimeout))

	gateway := paystack.NewClient(paystack.Options{
		BaseURL:       cfg.Gateway.BaseURL,
		SecretKey:     cfg.Gateway.SecretKey,
		SubunitFactor: cfg.Gateway.SubunitFactor,
		Timeout:       cfg.Gateway.Timeout,
		RatePerSecond: cfg.Gateway.RatePerSecond,
		Burst:         cfg.Gateway.Burst,
		Breaker:       breaker,
	}, logger)

	publisher, err := newPublisher(cfg.Events, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create event publisher")
	}
	if publisher != nil {
		defer publisher.Close()
	}

	hub := websocket.NewHub("payment-service", logger)
	go hub.Run(ctx)

	deps := payments.Dependencies{
		Orders:   db,
		Payments: db,
		Users:    db,
		Locks:    lock.NewManager(db, logger),
		Gateway:  gateway,
		Notifier: hub,
	}
	if publisher != nil {
		deps.Publisher = publisher
	}
	orchestrator := payments.NewOrchestrator(deps, payments.Options{
		VerifyAttempts:     cfg.Verify.Attempts,
		VerifyInitialDelay: cfg.Verify.InitialDelay,
		VerifyMaxDelay:     cfg.Verify.MaxDelay,
	}, logger)

	router := mux.NewRouter()
	payments.NewHandler(orchestrator, breakers, db, logger).RegisterRoutes(router)
	router.HandleFunc("/ws", hub.HandleWebSocket)

	if cfg.Events.Broker == "kafka" {
		consumer, err := events.NewVerificationConsumer(cfg.Events.KafkaBrokers,
			payments.NewDeferredVerifier(orchestrator),
			events.ConsumerOptions{GroupID: cfg.Events.GroupID}, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create verification consumer")
		}
		defer consumer.Close()

		go func() {
			if err := consumer.Start(ctx); err != nil {
				logger.WithError(err).Error("Verification consumer stopped")
			}
		}()

		router.HandleFunc("/admin/verification-consumer", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(consumer.GetMetrics())
		}).Methods("GET")
	}

	router.Use(loggingMiddleware(logger))
	router.Use(corsMiddleware())

	srv := &http.Server{
		Addr:         ":" + cfg.Service.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":   cfg.Service.Port,
			"store":  cfg.Service.Store,
			"broker": cfg.Events.Broker,
		}).Info("Starting payment service")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	cancel()

	logger.Info("Server gracefully stopped")
}

// newPublisher returns nil when events are disabled.
func newPublisher(cfg config.EventsConfig, logger *logrus.Logger) (events.Publisher, error) {
	switch cfg.Broker {
	case "kafka":
		return events.NewKafkaPublisher(cfg.KafkaBrokers, logger)
	case "amqp":
		return events.NewAMQPPublisher(cfg.AMQPURL, logger)
	default:
		logger.Info("Event publishing disabled")
		return nil, nil
	}
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"remote":   r.RemoteAddr,
				"duration": time.Since(start).Milliseconds(),
			}).Info("Request completed")
		})
	}
}

func corsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
