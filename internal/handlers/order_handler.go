package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/middleware"
	"github.com/agentbazaar/backend/internal/models"
	"github.com/agentbazaar/backend/internal/services"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxBodyBytes     = 1 << 20
)

// OrderService is the subset of the orchestrator the HTTP layer drives.
type OrderService interface {
	Create(ctx context.Context, actor services.Actor, in services.CreateOrderInput) (*models.Order, error)
	Get(ctx context.Context, actor services.Actor, id uuid.UUID) (*models.Order, error)
	List(ctx context.Context, actor services.Actor, limit int) ([]*models.Order, error)
	Deliverables(ctx context.Context, actor services.Actor, id uuid.UUID) ([]*models.OrderDeliverable, error)
	Quote(ctx context.Context, actor services.Actor, id uuid.UUID, price decimal.Decimal) (*models.Order, error)
	Accept(ctx context.Context, actor services.Actor, id uuid.UUID) (*models.Order, error)
	Pay(ctx context.Context, actor services.Actor, id uuid.UUID, in services.PayInput) (*services.Result, error)
	Fulfill(ctx context.Context, actor services.Actor, id uuid.UUID) (*models.Order, error)
	Generate(ctx context.Context, actor services.Actor, id uuid.UUID, in services.GenerateInput) (*models.OrderDeliverable, error)
	Deliver(ctx context.Context, actor services.Actor, id uuid.UUID, in services.DeliverInput) (*models.Order, error)
	Approve(ctx context.Context, actor services.Actor, id uuid.UUID) (*services.Result, error)
	Dispute(ctx context.Context, actor services.Actor, id uuid.UUID) (*models.Order, error)
	Cancel(ctx context.Context, actor services.Actor, id uuid.UUID) (*services.Result, error)
}

// OrderHandler serves /api/v1/orders endpoints.
type OrderHandler struct {
	Orders OrderService
	Logger *slog.Logger
}

func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderHandler{Orders: orders, Logger: logger}
}

// Register mounts the order routes on mux behind auth.
func (h *OrderHandler) Register(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	base := "/api/v1/orders"
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(fn))
	}
	handle("POST "+base, h.CreateOrder)
	handle("GET "+base, h.ListOrders)
	handle("GET "+base+"/{id}", h.GetOrder)
	handle("GET "+base+"/{id}/deliverables", h.ListDeliverables)
	handle("POST "+base+"/{id}/quote", h.QuoteOrder)
	handle("POST "+base+"/{id}/accept", h.AcceptOrder)
	handle("POST "+base+"/{id}/pay", h.PayOrder)
	handle("POST "+base+"/{id}/fulfill", h.FulfillOrder)
	handle("POST "+base+"/{id}/generate", h.GenerateDeliverable)
	handle("POST "+base+"/{id}/deliver", h.DeliverOrder)
	handle("POST "+base+"/{id}/approve", h.ApproveOrder)
	handle("POST "+base+"/{id}/dispute", h.DisputeOrder)
	handle("POST "+base+"/{id}/cancel", h.CancelOrder)
}

// --- POST /api/v1/orders ---

type createOrderRequest struct {
	ServiceID string `json:"service_id"`
	Brief     string `json:"brief"`
}

func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrUnauthorized(w, r)
	if !ok {
		return
	}
	var req createOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	serviceID, err := uuid.Parse(req.ServiceID)
	if err != nil {
		http.Error(w, `{"error":"invalid service_id"}`, http.StatusBadRequest)
		return
	}
	ord, err := h.Orders.Create(r.Context(), actor, services.CreateOrderInput{ServiceID: serviceID, Brief: req.Brief})
	if err != nil {
		h.writeError(w, "create order", err)
		return
	}
	writeJSON(w, http.StatusCreated, ord)
}

// --- GET /api/v1/orders ---

func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrUnauthorized(w, r)
	if !ok {
		return
	}
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}
	list, err := h.Orders.List(r.Context(), actor, limit)
	if err != nil {
		h.writeError(w, "list orders", err)
		return
	}
	if list == nil {
		list = []*models.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- GET /api/v1/orders/{id} ---

func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, "get order", h.Orders.Get)
}

// --- GET /api/v1/orders/{id}/deliverables ---

func (h *OrderHandler) ListDeliverables(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	list, err := h.Orders.Deliverables(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, "list deliverables", err)
		return
	}
	if list == nil {
		list = []*models.OrderDeliverable{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- POST /api/v1/orders/{id}/quote ---

type quoteRequest struct {
	Price decimal.Decimal `json:"price"`
}

func (h *OrderHandler) QuoteOrder(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	var req quoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ord, err := h.Orders.Quote(r.Context(), actor, id, req.Price)
	if err != nil {
		h.writeError(w, "quote order", err)
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

// --- POST /api/v1/orders/{id}/accept ---

func (h *OrderHandler) AcceptOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, "accept order", h.Orders.Accept)
}

// --- POST /api/v1/orders/{id}/pay ---

func (h *OrderHandler) PayOrder(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	var req services.PayInput
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.Orders.Pay(r.Context(), actor, id, req)
	if err != nil {
		h.writeError(w, "pay order", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- POST /api/v1/orders/{id}/fulfill ---

func (h *OrderHandler) FulfillOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, "fulfill order", h.Orders.Fulfill)
}

// --- POST /api/v1/orders/{id}/generate ---

type generateResponse struct {
	Deliverable *models.OrderDeliverable `json:"deliverable"`
	Error       string                   `json:"error,omitempty"`
}

// GenerateDeliverable runs one workspace generation. A failed generation still
// returns its deliverable record alongside the error.
func (h *OrderHandler) GenerateDeliverable(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	var req services.GenerateInput
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := h.Orders.Generate(r.Context(), actor, id, req)
	if err != nil {
		if d != nil {
			writeJSON(w, statusFor(err), generateResponse{Deliverable: d, Error: err.Error()})
			return
		}
		h.writeError(w, "generate deliverable", err)
		return
	}
	writeJSON(w, http.StatusCreated, generateResponse{Deliverable: d})
}

// --- POST /api/v1/orders/{id}/deliver ---

func (h *OrderHandler) DeliverOrder(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	var req services.DeliverInput
	if !decodeBody(w, r, &req) {
		return
	}
	ord, err := h.Orders.Deliver(r.Context(), actor, id, req)
	if err != nil {
		h.writeError(w, "deliver order", err)
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

// --- POST /api/v1/orders/{id}/approve ---

func (h *OrderHandler) ApproveOrder(w http.ResponseWriter, r *http.Request) {
	h.settleAction(w, r, "approve order", h.Orders.Approve)
}

// --- POST /api/v1/orders/{id}/dispute ---

func (h *OrderHandler) DisputeOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, "dispute order", h.Orders.Dispute)
}

// --- POST /api/v1/orders/{id}/cancel ---

func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.settleAction(w, r, "cancel order", h.Orders.Cancel)
}

// --- helpers ---

type orderFunc func(context.Context, services.Actor, uuid.UUID) (*models.Order, error)

type resultFunc func(context.Context, services.Actor, uuid.UUID) (*services.Result, error)

func (h *OrderHandler) orderAction(w http.ResponseWriter, r *http.Request, op string, fn orderFunc) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	ord, err := fn(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

// settleAction runs an action that moves money. The order change stands even when
// settlement failed; the response then carries settlement_warning.
func (h *OrderHandler) settleAction(w http.ResponseWriter, r *http.Request, op string, fn resultFunc) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	res, err := fn(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	if res.SettlementWarning != "" {
		h.Logger.Warn(op+" settled with warning", "order_id", id, "warning", res.SettlementWarning)
	}
	writeJSON(w, http.StatusOK, res)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (h *OrderHandler) writeError(w http.ResponseWriter, op string, err error) {
	kind := services.KindOf(err)
	if kind == "" {
		h.Logger.Error(op, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Kind: string(kind)})
}

func statusFor(err error) int {
	switch services.KindOf(err) {
	case services.KindValidation:
		return http.StatusUnprocessableEntity
	case services.KindPayment:
		return http.StatusPaymentRequired
	case services.KindConflict:
		return http.StatusConflict
	case services.KindProvider:
		return http.StatusBadGateway
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func actorOrUnauthorized(w http.ResponseWriter, r *http.Request) (services.Actor, bool) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}
	return actor, ok
}

func actorAndID(w http.ResponseWriter, r *http.Request) (services.Actor, uuid.UUID, bool) {
	actor, ok := actorOrUnauthorized(w, r)
	if !ok {
		return actor, uuid.Nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid order id"}`, http.StatusBadRequest)
		return actor, uuid.Nil, false
	}
	return actor, id, true
}

// decodeBody reads a JSON body. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
