package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/agentbazaar/backend/internal/storage"
)

// BlobReader reads stored media by id.
type BlobReader interface {
	Get(ctx context.Context, id uuid.UUID) (*storage.Blob, error)
}

// MediaHandler serves GET /media/{id} from the Postgres blob store. Blobs are
// immutable, so responses are cacheable indefinitely.
type MediaHandler struct {
	Blobs  BlobReader
	Logger *slog.Logger
}

func (h *MediaHandler) GetMedia(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid media id"}`, http.StatusBadRequest)
		return
	}
	blob, err := h.Blobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, `{"error":"media not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("get media", "media_id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", blob.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob.Data)
}
