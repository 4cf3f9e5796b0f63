package execution

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/agentbazaar/backend/internal/metrics"
	"github.com/agentbazaar/backend/internal/models"
	"github.com/agentbazaar/backend/internal/repository"
	"github.com/agentbazaar/backend/internal/services"
)

const (
	QueueWebhooks   = "webhooks"
	QueueSettlement = "settlement"

	webhookMaxAttempts = 3
	webhookTimeout     = 10 * time.Second
)

// DeliverWebhookArgs carries one order event to the provider agent's webhook.
type DeliverWebhookArgs struct {
	Event services.Event `json:"event"`
}

func (DeliverWebhookArgs) Kind() string { return "deliver_webhook" }

func (DeliverWebhookArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueWebhooks, MaxAttempts: webhookMaxAttempts}
}

// AgentLookup resolves the webhook target at delivery time so URL changes apply to queued events.
type AgentLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
}

type WebhookWorker struct {
	river.WorkerDefaults[DeliverWebhookArgs]
	agents     AgentLookup
	httpClient *http.Client
	logger     *slog.Logger
}

func NewWebhookWorker(agents AgentLookup, logger *slog.Logger) *WebhookWorker {
	return &WebhookWorker{
		agents:     agents,
		httpClient: &http.Client{Timeout: webhookTimeout},
		logger:     logger,
	}
}

func (w *WebhookWorker) Timeout(*river.Job[DeliverWebhookArgs]) time.Duration {
	return webhookTimeout + 5*time.Second
}

func (w *WebhookWorker) Work(ctx context.Context, job *river.Job[DeliverWebhookArgs]) error {
	ev := job.Args.Event
	log := w.logger.With("order_id", ev.OrderID, "event", ev.Type, "attempt", job.Attempt)

	agent, err := w.agents.GetByID(ctx, ev.ProviderAgentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("webhook agent not found, dropping event")
			return nil
		}
		return fmt.Errorf("load agent: %w", err)
	}
	if agent.WebhookURL == nil || *agent.WebhookURL == "" {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *agent.WebhookURL, bytes.NewReader(body))
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
		log.Warn("invalid webhook url, dropping event", "error", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", ev.Type)
	req.Header.Set("X-Signature", Sign(agent.WebhookSecret, body))

	resp, err := w.httpClient.Do(req)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("network error calling agent webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		if job.Attempt >= job.MaxAttempts {
			log.Error("webhook delivery abandoned", "status", resp.StatusCode)
		}
		return fmt.Errorf("agent webhook returned status %d", resp.StatusCode)
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	log.Info("webhook delivered")
	return nil
}

// Sign returns the X-Signature value for body: "sha256=" + hex HMAC-SHA256 keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
