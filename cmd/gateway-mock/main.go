package main

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Paystack-compatible stand-in for local runs. Transactions stay in
// "pending" until settled through /mock/transactions/{reference}/settle,
// unless MOCK_AUTO_SETTLE is on.

type transaction struct {
	Reference string          `json:"reference"`
	Email     string          `json:"email"`
	Amount    int64           `json:"amount"`
	Status    string          `json:"status"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
}

type transactionStore struct {
	transactions map[string]*transaction
	mutex        sync.RWMutex
}

type mockBehaviour struct {
	failureRate float64
	declineRate float64
	latency     time.Duration
	autoSettle  bool
}

type envelope struct {
	Status  bool        `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	behaviour := mockBehaviour{
		failureRate: getEnvFloat("MOCK_FAILURE_RATE", 0),
		declineRate: getEnvFloat("MOCK_DECLINE_RATE", 0),
		latency:     time.Duration(getEnvFloat("MOCK_LATENCY_MS", 0)) * time.Millisecond,
		autoSettle:  getEnv("MOCK_AUTO_SETTLE", "false") == "true",
	}
	store := &transactionStore{transactions: make(map[string]*transaction)}

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods("GET")
	router.HandleFunc("/transaction/initialize", initialize(logger, store, behaviour)).Methods("POST")
	router.HandleFunc("/transaction/verify/{reference}", verify(logger, store, behaviour)).Methods("GET")
	router.HandleFunc("/mock/transactions/{reference}/settle", settle(logger, store)).Methods("POST")
	router.HandleFunc("/mock/transactions", listTransactions(store)).Methods("GET")

	port := getEnv("GATEWAY_MOCK_PORT", "8090")
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":         port,
			"failure_rate": behaviour.failureRate,
			"decline_rate": behaviour.declineRate,
			"auto_settle":  behaviour.autoSettle,
		}).Info("Starting payment gateway mock")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down payment gateway mock...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server forced to shutdown")
	}
	logger.Info("Payment gateway mock gracefully stopped")
}

// degrade applies latency and the configured failure rate. It reports false
// when it already answered with a 503.
func (b mockBehaviour) degrade(w http.ResponseWriter) bool {
	if b.latency > 0 {
		time.Sleep(b.latency)
	}
	if b.failureRate > 0 && rand.Float64() < b.failureRate {
		w.WriteHeader(http.StatusServiceUnavailable)
		return false
	}
	return true
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "gateway-mock",
	})
}

func initialize(logger *logrus.Logger, store *transactionStore, behaviour mockBehaviour) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !behaviour.degrade(w) {
			logger.Warn("Simulated gateway outage on initialize")
			return
		}

		var req struct {
			Email     string          `json:"email"`
			Amount    int64           `json:"amount"`
			Reference string          `json:"reference"`
			Metadata  json.RawMessage `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respond(w, http.StatusBadRequest, envelope{Message: "Invalid request body"})
			return
		}
		if req.Email == "" || req.Amount <= 0 || req.Reference == "" {
			respond(w, http.StatusBadRequest, envelope{Message: "email, amount and reference are required"})
			return
		}

		if behaviour.declineRate > 0 && rand.Float64() < behaviour.declineRate {
			logger.WithField("reference", req.Reference).Info("Simulated initialization decline")
			respond(w, http.StatusOK, envelope{Message: "Transaction declined"})
			return
		}

		store.mutex.Lock()
		if _, exists := store.transactions[req.Reference]; exists {
			store.mutex.Unlock()
			respond(w, http.StatusBadRequest, envelope{Message: "Duplicate Transaction Reference"})
			return
		}
		store.transactions[req.Reference] = &transaction{
			Reference: req.Reference,
			Email:     req.Email,
			Amount:    req.Amount,
			Status:    "pending",
			Metadata:  req.Metadata,
			CreatedAt: time.Now(),
		}
		store.mutex.Unlock()

		logger.WithFields(logrus.Fields{
			"reference": req.Reference,
			"amount":    req.Amount,
		}).Info("Transaction initialized")

		respond(w, http.StatusOK, envelope{
			Status:  true,
			Message: "Authorization URL created",
			Data: map[string]string{
				"authorization_url": "http://" + r.Host + "/checkout/" + req.Reference,
				"access_code":       req.Reference,
				"reference":         req.Reference,
			},
		})
	}
}

func verify(logger *logrus.Logger, store *transactionStore, behaviour mockBehaviour) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !behaviour.degrade(w) {
			logger.Warn("Simulated gateway outage on verify")
			return
		}

		reference := mux.Vars(r)["reference"]

		store.mutex.Lock()
		tx, exists := store.transactions[reference]
		if exists && behaviour.autoSettle && tx.Status == "pending" {
			tx.Status = "success"
		}
		var snapshot transaction
		if exists {
			snapshot = *tx
		}
		store.mutex.Unlock()

		if !exists {
			respond(w, http.StatusBadRequest, envelope{Message: "Transaction reference not found"})
			return
		}

		metadata := snapshot.Metadata
		if len(metadata) == 0 {
			metadata = json.RawMessage(`""`)
		}

		logger.WithFields(logrus.Fields{
			"reference": reference,
			"status":    snapshot.Status,
		}).Info("Transaction verified")

		respond(w, http.StatusOK, envelope{
			Status:  true,
			Message: "Verification successful",
			Data: map[string]interface{}{
				"reference": snapshot.Reference,
				"status":    snapshot.Status,
				"amount":    snapshot.Amount,
				"metadata":  metadata,
			},
		})
	}
}

// settle plays the customer finishing (or abandoning) checkout.
func settle(logger *logrus.Logger, store *transactionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reference := mux.Vars(r)["reference"]
		outcome := r.URL.Query().Get("outcome")
		switch outcome {
		case "":
			outcome = "success"
		case "success", "failed", "abandoned":
		default:
			respond(w, http.StatusBadRequest, envelope{Message: "outcome must be success, failed or abandoned"})
			return
		}

		store.mutex.Lock()
		tx, exists := store.transactions[reference]
		if exists {
			tx.Status = outcome
		}
		store.mutex.Unlock()

		if !exists {
			respond(w, http.StatusNotFound, envelope{Message: "Transaction reference not found"})
			return
		}

		logger.WithFields(logrus.Fields{
			"reference": reference,
			"outcome":   outcome,
		}).Info("Transaction settled")
		respond(w, http.StatusOK, envelope{Status: true, Message: "Transaction settled"})
	}
}

func listTransactions(store *transactionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store.mutex.RLock()
		transactions := make([]*transaction, 0, len(store.transactions))
		for _, tx := range store.transactions {
			copied := *tx
			transactions = append(transactions, &copied)
		}
		store.mutex.RUnlock()

		respond(w, http.StatusOK, map[string]interface{}{
			"transactions": transactions,
			"count":        len(transactions),
		})
	}
}

func respond(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}
