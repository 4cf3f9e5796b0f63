package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/agentbazaar/backend/internal/auth"
	"github.com/agentbazaar/backend/internal/models"
	"github.com/agentbazaar/backend/internal/repository"
	"github.com/agentbazaar/backend/internal/services"
)

type contextKey string

const (
	ctxActorKey contextKey = "actor"
	ctxAgentKey contextKey = "agent"
)

// APIKeyRepo is the interface used by API key auth middleware.
type APIKeyRepo interface {
	FindByKeyHash(ctx context.Context, keyHash string) (*repository.APIKeyWithAgent, error)
}

// TokenValidator checks wallet session tokens.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*auth.Session, error)
}

// Authenticate accepts either a provider agent API key or a wallet session JWT in
// the Bearer header. API keys are hashed (SHA-256) and looked up in api_keys; a
// JWT yields the client wallet and, if the wallet owns one, its agent.
func Authenticate(apiKeyRepo APIKeyRepo, tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}

			ctx := r.Context()
			if isJWT(raw) {
				sess, err := tokens.ValidateToken(ctx, raw)
				if err != nil {
					http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
					return
				}
				ctx = WithActor(ctx, services.Actor{AgentID: sess.AgentID, Wallet: sess.Wallet})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			result, err := apiKeyRepo.FindByKeyHash(ctx, hashKey(raw))
			if err != nil {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}
			agent := result.Agent
			id := agent.ID
			ctx = WithAgent(ctx, &agent)
			ctx = WithActor(ctx, services.Actor{AgentID: &id})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorFromCtx returns the authenticated caller and whether one is set.
func ActorFromCtx(ctx context.Context) (services.Actor, bool) {
	a, ok := ctx.Value(ctxActorKey).(services.Actor)
	return a, ok
}

// WithActor returns a context carrying the given caller.
func WithActor(ctx context.Context, a services.Actor) context.Context {
	return context.WithValue(ctx, ctxActorKey, a)
}

// AgentFromCtx returns the agent authenticated by API key, or nil.
func AgentFromCtx(ctx context.Context) *models.Agent {
	ag, _ := ctx.Value(ctxAgentKey).(*models.Agent)
	return ag
}

// WithAgent returns a context carrying the given agent.
func WithAgent(ctx context.Context, ag *models.Agent) context.Context {
	return context.WithValue(ctx, ctxAgentKey, ag)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func isJWT(raw string) bool {
	return strings.Count(raw, ".") == 2
}

// HashKey returns the stored form of a raw API key.
func HashKey(raw string) string { return hashKey(raw) }

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
