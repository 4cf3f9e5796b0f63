package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	idempotencyTTL    = 24 * time.Hour
	idempotencyLock   = time.Minute
	maxIdempotencyKey = 255
)

// IdempotencyStore is the subset of *redis.Client used for response caching.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Idempotency replays the stored response for a repeated POST carrying an
// Idempotency-Key from the same caller. A concurrent duplicate gets 409. Redis
// errors let the request through. Server errors are not cached.
func Idempotency(store IdempotencyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if store == nil || r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKey {
				http.Error(w, `{"error":"Idempotency-Key too long"}`, http.StatusBadRequest)
				return
			}
			ctx := r.Context()
			cacheKey := "idem:" + callerScope(ctx) + ":" + r.URL.Path + ":" + key

			raw, err := store.Get(ctx, cacheKey).Bytes()
			switch {
			case err == nil:
				var c cachedResponse
				if jerr := json.Unmarshal(raw, &c); jerr == nil {
					replay(w, c)
					return
				}
			case !errors.Is(err, redis.Nil):
				logger.Warn("idempotency lookup failed", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			locked, err := store.SetNX(ctx, cacheKey+":lock", 1, idempotencyLock).Result()
			if err != nil {
				logger.Warn("idempotency lock failed", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !locked {
				http.Error(w, `{"error":"a request with this Idempotency-Key is in progress"}`, http.StatusConflict)
				return
			}
			bg := context.WithoutCancel(ctx)
			defer store.Del(bg, cacheKey+":lock")

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= 500 {
				return
			}
			c := cachedResponse{Status: rec.status, ContentType: w.Header().Get("Content-Type"), Body: rec.body.Bytes()}
			data, err := json.Marshal(c)
			if err != nil {
				return
			}
			if err := store.Set(bg, cacheKey, data, idempotencyTTL).Err(); err != nil {
				logger.Warn("idempotency store failed", "error", err)
			}
		})
	}
}

func callerScope(ctx context.Context) string {
	a, ok := ActorFromCtx(ctx)
	switch {
	case !ok:
		return "anon"
	case a.AgentID != nil:
		return "agent:" + a.AgentID.String()
	default:
		return "wallet:" + a.Wallet
	}
}

func replay(w http.ResponseWriter, c cachedResponse) {
	if c.ContentType != "" {
		w.Header().Set("Content-Type", c.ContentType)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(c.Status)
	_, _ = w.Write(c.Body)
}

type recordingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recordingWriter) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recordingWriter) Write(p []byte) (int, error) {
	r.wroteHeader = true
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
