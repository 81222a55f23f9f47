package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jogardn/payment-reconciler/internal/events"
	"github.com/sirupsen/logrus"
)

func main() {
	replay := flag.Bool("replay", getEnv("DLQ_REPLAY", "false") == "true", "send DLQ entries back to the verification topic")
	replayDelay := flag.Duration("replay-delay", 30*time.Second, "wait before each replay")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	kafkaBrokers := getEnv("KAFKA_BROKERS", "localhost:9092")

	processor, err := events.NewDLQProcessor(kafkaBrokers, events.DLQOptions{
		GroupID:     getEnv("DLQ_GROUP_ID", "payment-dlq-monitor-group"),
		Replay:      *replay,
		ReplayDelay: *replayDelay,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DLQ processor")
	}
	defer processor.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := processor.ProcessDLQ(ctx); err != nil {
			logger.WithError(err).Error("DLQ processor stopped")
			cancel()
		}
	}()

	logger.WithFields(logrus.Fields{
		"topic":  events.VerificationDLQTopic,
		"replay": *replay,
	}).Info("DLQ monitor started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logger.Info("Shutting down DLQ monitor...")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
