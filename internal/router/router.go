package router

import (
	"net/http"

	"github.com/agentbazaar/backend/internal/auth"
	"github.com/agentbazaar/backend/internal/handlers"
	"github.com/agentbazaar/backend/internal/registry"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Deps are the handlers and middleware the API is assembled from. Nil optional
// fields disable their routes.
type Deps struct {
	Auth         *auth.Handler
	Orders       *handlers.OrderHandler
	Registry     *registry.Handler
	Media        *handlers.MediaHandler
	Authenticate Middleware
	Idempotency  Middleware
	Metrics      http.Handler
	Health       http.HandlerFunc
}

// New returns an http.Handler that serves the API under /api/v1 plus media,
// metrics and health endpoints.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	mux.HandleFunc("POST "+base+"/auth/wallet", d.Auth.WalletLogin)

	protected := chain(d.Authenticate, d.Idempotency)
	d.Orders.Register(mux, protected)
	if d.Registry != nil {
		d.Registry.Register(mux, chain(d.Authenticate))
	}

	if d.Media != nil {
		mux.HandleFunc("GET /media/{id}", d.Media.GetMedia)
	}
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}
	health := d.Health
	if health == nil {
		health = func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}
	}
	mux.HandleFunc("GET /healthz", health)

	return mux
}

// chain applies middleware outermost first, skipping nil entries.
func chain(mws ...Middleware) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			if mws[i] != nil {
				h = mws[i](h)
			}
		}
		return h
	}
}
