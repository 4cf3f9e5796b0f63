package registry

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/middleware"
	"github.com/agentbazaar/backend/internal/models"
)

type RegisterAgentRequest struct {
	Name         string `json:"name"`
	PayoutWallet string `json:"payout_wallet"`
	WebhookURL   string `json:"webhook_url"`
}

// RegisterAgentResponse returns the raw API key and webhook secret once.
type RegisterAgentResponse struct {
	Agent         *models.Agent `json:"agent"`
	APIKey        string        `json:"api_key"`
	WebhookSecret string        `json:"webhook_secret,omitempty"`
}

type CreateServiceRequest struct {
	Title         string          `json:"title"`
	PriceUSD      decimal.Decimal `json:"price_usd"`
	PriceType     string          `json:"price_type"`
	QuotaLimit    int             `json:"quota_limit"`
	BillingPeriod string          `json:"billing_period"`
	ProviderKey   string          `json:"provider_key"`
	ProviderModel string          `json:"provider_model"`
	SystemPrompt  string          `json:"system_prompt"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// Register mounts provider onboarding and catalog routes. The service listing is public.
func (h *Handler) Register(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	mux.Handle("POST /api/v1/agents", auth(http.HandlerFunc(h.RegisterAgent)))
	mux.Handle("POST /api/v1/services", auth(http.HandlerFunc(h.CreateService)))
	mux.HandleFunc("GET /api/v1/agents/{id}/services", h.ListServices)
}

// RegisterAgent handles POST /api/v1/agents for a wallet-authenticated caller.
func (h *Handler) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok || actor.Wallet == "" {
		http.Error(w, `{"error":"wallet session required"}`, http.StatusUnauthorized)
		return
	}
	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	agent, key, err := h.svc.RegisterAgent(r.Context(), actor.Wallet, RegisterAgentInput{
		Name:         req.Name,
		PayoutWallet: req.PayoutWallet,
		WebhookURL:   req.WebhookURL,
	})
	if err != nil {
		h.writeError(w, "register agent failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterAgentResponse{Agent: agent, APIKey: key, WebhookSecret: agent.WebhookSecret})
}

// CreateService handles POST /api/v1/services for an API-key-authenticated provider.
func (h *Handler) CreateService(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFromCtx(r.Context())
	if agent == nil {
		http.Error(w, `{"error":"provider api key required"}`, http.StatusUnauthorized)
		return
	}
	var req CreateServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	svc, err := h.svc.CreateService(r.Context(), agent, CreateServiceInput(req))
	if err != nil {
		h.writeError(w, "create service failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, svc)
}

// ListServices handles GET /api/v1/agents/{id}/services.
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	agentID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid agent id"}`, http.StatusBadRequest)
		return
	}
	list, err := h.svc.ListServices(r.Context(), agentID)
	if err != nil {
		h.log.Error("list services failed", "agent_id", agentID, "error", err)
		http.Error(w, `{"error":"list services failed"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Service{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) writeError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnknownProvider):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrAgentExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		h.log.Error(msg, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
