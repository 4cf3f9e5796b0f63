package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// WalletLoginRequest carries a signed login message. Either Message or Timestamp
// must be set; Message wins when both are present.
type WalletLoginRequest struct {
	Wallet    string `json:"wallet"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message,omitempty"`
	Signature string `json:"signature"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
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

func (h *Handler) WalletLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req WalletLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Message != "" {
		wallet, ts, err := ParseLoginMessage(req.Message)
		if err != nil || (req.Wallet != "" && wallet != req.Wallet) {
			http.Error(w, `{"error":"malformed login message"}`, http.StatusBadRequest)
			return
		}
		req.Wallet, req.Timestamp = wallet, ts
	}
	if req.Wallet == "" || req.Signature == "" || req.Timestamp == 0 {
		http.Error(w, `{"error":"wallet, timestamp and signature are required"}`, http.StatusBadRequest)
		return
	}

	token, exp, err := h.svc.Login(r.Context(), req.Wallet, req.Timestamp, req.Signature)
	if err != nil {
		switch {
		case errors.Is(err, ErrStaleLogin):
			http.Error(w, `{"error":"login message timestamp out of range"}`, http.StatusUnauthorized)
		case errors.Is(err, ErrInvalidSignature):
			http.Error(w, `{"error":"invalid wallet signature"}`, http.StatusUnauthorized)
		default:
			h.log.Error("wallet login failed", "wallet", req.Wallet, "error", err)
			http.Error(w, `{"error":"login failed"}`, http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(LoginResponse{Token: token, ExpiresAt: exp})
}
