package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/escrowpay/escrowd/internal/domain"
	"github.com/escrowpay/escrowd/internal/engine"
	"github.com/escrowpay/escrowd/internal/registry"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	engine   *engine.Engine
	registry *registry.Registry
}

func NewHandler(e *engine.Engine, r *registry.Registry) *Handler {
	return &Handler{engine: e, registry: r}
}

// Register mounts the operation contract under /api/v1.
func (h *Handler) Register(r *mux.Router) {
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/ledgers", h.RegisterLedger).Methods("POST")
	v1.HandleFunc("/ledgers/{asset}", h.GetLedger).Methods("GET")
	v1.HandleFunc("/intents", h.CreateIntent).Methods("POST")
	v1.HandleFunc("/intents/{id}", h.GetIntent).Methods("GET")
	v1.HandleFunc("/intents/{id}/capture", h.Capture).Methods("POST")
	v1.HandleFunc("/intents/{id}/release", h.Release).Methods("POST")
	v1.HandleFunc("/intents/{id}/refund", h.Refund).Methods("POST")
	v1.HandleFunc("/events", h.ListEvents).Methods("GET")
	v1.HandleFunc("/events/certified", h.ListEventsCertified).Methods("GET")
}

// caller decodes the calling identity. Real identity verification
// belongs to the transport boundary in front of this service.
func caller(r *http.Request) domain.Account {
	return domain.Account{Owner: r.Header.Get("X-Caller")}
}

func (h *Handler) RegisterLedger(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/ledgers"))
	defer timer.ObserveDuration()

	var req struct {
		Asset    string `json:"asset"`
		LedgerID string `json:"ledger_id"`
		Decimals uint8  `json:"decimals"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/ledgers")
		return
	}
	if req.Asset == "" || req.LedgerID == "" {
		h.respondError(w, http.StatusUnprocessableEntity, "asset and ledger_id are required", "POST", "/ledgers")
		return
	}

	err := h.registry.Register(caller(r), req.Asset, domain.LedgerInfo{LedgerID: req.LedgerID, Decimals: req.Decimals})
	if err != nil {
		h.respondDomainError(w, err, "POST", "/ledgers")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"asset": req.Asset}, "POST", "/ledgers")
}

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	info, ok := h.registry.Lookup(asset)
	if !ok {
		h.respondError(w, http.StatusNotFound, "Asset not registered", "GET", "/ledgers/{asset}")
		return
	}
	h.respondJSON(w, http.StatusOK, info, "GET", "/ledgers/{asset}")
}

func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/intents"))
	defer timer.ObserveDuration()

	var req struct {
		Asset     string                `json:"asset"`
		Amount    decimal.Decimal       `json:"amount"`
		ExpiresAt uint64                `json:"expires_at"`
		Metadata  []domain.MetadataPair `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/intents")
		return
	}

	intent, err := h.engine.CreateIntent(r.Context(), caller(r), engine.CreateIntentArgs{
		Asset:     req.Asset,
		Amount:    req.Amount,
		ExpiresAt: req.ExpiresAt,
		Metadata:  req.Metadata,
	})
	if err != nil {
		h.respondDomainError(w, err, "POST", "/intents")
		return
	}
	h.respondJSON(w, http.StatusCreated, intent, "POST", "/intents")
}

func (h *Handler) GetIntent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	intent, ok, err := h.engine.GetIntent(r.Context(), id)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error(), "GET", "/intents/{id}")
		return
	}
	if !ok {
		h.respondError(w, http.StatusNotFound, "Not Found", "GET", "/intents/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, intent, "GET", "/intents/{id}")
}

func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/intents/{id}/capture"))
	defer timer.ObserveDuration()

	var req struct {
		From domain.Account `json:"from"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/intents/{id}/capture")
		return
	}

	intent, err := h.engine.Capture(r.Context(), caller(r), mux.Vars(r)["id"], req.From)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/intents/{id}/capture")
		return
	}
	h.respondJSON(w, http.StatusOK, intent, "POST", "/intents/{id}/capture")
}

func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/intents/{id}/release"))
	defer timer.ObserveDuration()

	var req struct {
		Splits []domain.Split `json:"splits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/intents/{id}/release")
		return
	}

	intent, err := h.engine.Release(r.Context(), caller(r), mux.Vars(r)["id"], req.Splits)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/intents/{id}/release")
		return
	}
	h.respondJSON(w, http.StatusOK, intent, "POST", "/intents/{id}/release")
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/intents/{id}/refund"))
	defer timer.ObserveDuration()

	var req struct {
		Amount *decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/intents/{id}/refund")
		return
	}

	intent, err := h.engine.Refund(r.Context(), caller(r), mux.Vars(r)["id"], req.Amount)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/intents/{id}/refund")
		return
	}
	h.respondJSON(w, http.StatusOK, intent, "POST", "/intents/{id}/refund")
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	events := h.engine.Events().List(offset, limit)
	h.respondJSON(w, http.StatusOK, map[string]any{"events": events}, "GET", "/events")
}

func (h *Handler) ListEventsCertified(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	ce := h.engine.Events().ListCertifiedFrom(offset, limit)
	h.respondJSON(w, http.StatusOK, ce, "GET", "/events/certified")
}

func pageParams(r *http.Request) (uint64, uint64) {
	offset, _ := strconv.ParseUint(r.URL.Query().Get("offset"), 10, 64)
	limit, err := strconv.ParseUint(r.URL.Query().Get("limit"), 10, 64)
	if err != nil || limit == 0 || limit > 1000 {
		limit = 100
	}
	return offset, limit
}

// respondDomainError maps the engine's error taxonomy to HTTP status
// codes. Unrecognized errors (rail or storage failures) surface as 502.
func (h *Handler) respondDomainError(w http.ResponseWriter, err error, method, endpoint string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.respondError(w, http.StatusNotFound, err.Error(), method, endpoint)
	case errors.Is(err, domain.ErrInvalidState):
		h.respondError(w, http.StatusConflict, err.Error(), method, endpoint)
	case errors.Is(err, domain.ErrExpired):
		h.respondError(w, http.StatusGone, err.Error(), method, endpoint)
	case errors.Is(err, domain.ErrUnauthorized):
		h.respondError(w, http.StatusUnauthorized, err.Error(), method, endpoint)
	case errors.Is(err, domain.ErrAssetNotRegistered):
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
	default:
		h.respondError(w, http.StatusBadGateway, err.Error(), method, endpoint)
	}
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
