package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/payment-reconciler/internal/circuitbreaker"
	"github.com/jogardn/payment-reconciler/pkg/models"
	"github.com/sirupsen/logrus"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	orchestrator *Orchestrator
	breakers     *circuitbreaker.Manager
	db           Pinger
	logger       *logrus.Logger
}

func NewHandler(orchestrator *Orchestrator, breakers *circuitbreaker.Manager, db Pinger, logger *logrus.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		breakers:     breakers,
		db:           db,
		logger:       logger,
	}
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/payments/initialize", h.InitializePayment).Methods("POST")
	r.HandleFunc("/payments/verify", h.VerifyPayment).Methods("GET")
	r.HandleFunc("/orders", h.CreateOrder).Methods("POST")
	r.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET")
	r.HandleFunc("/orders/{id}/status", h.UpdateOrderStatus).Methods("PATCH")
	r.HandleFunc("/orders/{id}/payments", h.ListPayments).Methods("GET")
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/admin/circuit-breakers", h.GetCircuitBreakers).Methods("GET")
	r.HandleFunc("/admin/circuit-breakers/{name}/reset", h.ResetCircuitBreaker).Methods("POST")
}

func (h *Handler) InitializePayment(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WithError(err).Error("Failed to decode initialize request")
		h.respondWithError(w, http.StatusBadRequest, invalid("invalid request body"))
		return
	}

	result, err := h.orchestrator.Initialize(r.Context(), req)
	if err != nil {
		h.respondWithError(w, statusFor(err), err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, models.InitializeResponse{
		Success:          true,
		Message:          "Payment initialized",
		AuthorizationURL: result.AuthorizationURL,
		Payment:          result.Payment,
	})
}

func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	reference := r.URL.Query().Get("reference")

	result, err := h.orchestrator.Verify(r.Context(), reference)
	if err != nil {
		h.respondWithError(w, statusFor(err), err)
		return
	}

	message := "Payment verified"
	if result.AlreadyReconciled {
		message = "Payment already verified"
	}
	h.respondWithJSON(w, http.StatusOK, models.VerifyResponse{
		Success:           true,
		Message:           message,
		Payment:           result.Payment,
		Order:             result.Order,
		AlreadyReconciled: result.AlreadyReconciled,
	})
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WithError(err).Error("Failed to decode order request")
		h.respondWithError(w, http.StatusBadRequest, invalid("invalid request body"))
		return
	}

	order, err := h.orchestrator.CreateOrder(r.Context(), req)
	if err != nil {
		h.respondWithError(w, statusFor(err), err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, order)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orchestrator.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithError(w, statusFor(err), err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.OrderStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondWithError(w, http.StatusBadRequest, invalid("invalid request body"))
		return
	}

	order, err := h.orchestrator.UpdateOrderStatus(r.Context(), mux.Vars(r)["id"], body.Status)
	if err != nil {
		h.respondWithError(w, statusFor(err), err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.orchestrator.ListPayments(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithError(w, statusFor(err), err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, payments)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	dbStatus := "ok"
	if err := h.db.Ping(ctx); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
		dbStatus = err.Error()
	}

	h.respondWithJSON(w, code, map[string]interface{}{
		"status":    status,
		"service":   "payment-service",
		"database":  dbStatus,
		"breakers":  h.breakers.GetAllMetrics(),
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) GetCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, h.breakers.GetAllMetrics())
}

func (h *Handler) ResetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !h.breakers.Reset(name) {
		h.respondWithJSON(w, http.StatusNotFound, models.ErrorResponse{
			Message: "circuit breaker not found: " + name,
			Code:    string(KindNotFound),
		})
		return
	}

	h.logger.WithField("breaker", name).Info("Circuit breaker reset via admin endpoint")
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "circuit breaker reset",
		"name":    name,
	})
}

// statusFor maps an error to its HTTP status. Conflicts answer 400 like any
// other request the caller has to change before retrying.
func statusFor(err error) int {
	switch Kind(err) {
	case KindInvalidRequest, KindConflict, KindRejected:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindGatewayUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, err error) {
	kind := Kind(err)
	message := primary(err).Error()
	if kind == KindInternal {
		h.logger.WithError(err).Error("Request failed")
		message = "internal server error"
	} else {
		h.logger.WithError(err).WithField("kind", kind).Warn("Request rejected")
	}

	h.respondWithJSON(w, code, models.ErrorResponse{
		Success:   false,
		Message:   message,
		Code:      string(kind),
		Retryable: IsRetryable(err),
	})
}
