package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentbazaar/backend/internal/ledger"
	"github.com/agentbazaar/backend/internal/metrics"
	"github.com/agentbazaar/backend/internal/models"
	"github.com/agentbazaar/backend/internal/provider"
)

// Fulfill retries automated fulfillment for a paid order.
func (o *Orchestrator) Fulfill(ctx context.Context, actor Actor, id uuid.UUID) (*models.Order, error) {
	ord, err := o.loadAs(ctx, actor, id, partyClient)
	if err != nil {
		return nil, err
	}
	ord = o.applyLazy(ctx, ord)
	if err := guard(ActionFulfill, ord); err != nil {
		return nil, err
	}
	svc, err := o.service(ctx, ord.ServiceID)
	if err != nil {
		return nil, err
	}
	if svc.IsWorkspace() {
		return nil, failf(KindValidation, ErrInvalidTransition, "workspace orders are generated per prompt")
	}
	if !svc.IsAutomated() {
		return nil, fail(KindValidation, ErrNoProvider)
	}
	return o.fulfill(ctx, ord, svc)
}

// fulfill runs one automated attempt: paid -> in_progress -> delivered, or back to
// paid when generation fails. The returned order is the latest stored state.
func (o *Orchestrator) fulfill(ctx context.Context, ord *models.Order, svc *models.Service) (*models.Order, error) {
	log := o.Logger.With("order_id", ord.ID, "provider", deref(svc.ProviderKey))
	req := provider.Request{
		Prompt:       ord.Brief,
		Model:        deref(svc.ProviderModel),
		SystemPrompt: deref(svc.SystemPrompt),
	}
	if err := o.validateRequest(ctx, svc, req); err != nil {
		return ord, err
	}

	if err := edge(ord.Status, models.OrderStatusInProgress); err != nil {
		return ord, err
	}
	if err := o.Orders.BeginFulfillment(ctx, ord.ID, o.Config.MaxFulfillmentAttempts); err != nil {
		if errors.Is(err, ledger.ErrAttemptsExhausted) {
			return ord, fail(KindValidation, ErrAttemptsExhausted)
		}
		return ord, casErr(err)
	}

	url, mediaType, gerr := o.generate(ctx, svc, req)
	if gerr != nil {
		if err := o.Orders.FallbackToPaid(context.WithoutCancel(ctx), ord.ID); err != nil {
			log.Error("fulfillment fallback", "error", err)
		}
		log.Warn("automated fulfillment failed, order back to paid", "error", gerr)
		if fresh, err := o.load(ctx, ord.ID); err == nil {
			ord = fresh
		}
		return ord, gerr
	}

	now := o.Now()
	err := o.Orders.MarkDelivered(ctx, ord.ID, ledger.Delivery{
		URL:            &url,
		MediaType:      &mediaType,
		DeliveredAt:    now,
		ReviewDeadline: now.Add(o.Config.ReviewWindow),
	})
	if err != nil {
		return ord, casErr(err)
	}
	log.Info("order fulfilled", "deliverable_url", url)

	fresh, err := o.load(ctx, ord.ID)
	if err != nil {
		return ord, err
	}
	o.emit(ctx, EventOrderMessage, fresh, map[string]any{"deliverable_url": url, "media_type": mediaType})
	return fresh, nil
}

type GenerateInput struct {
	Prompt      string `json:"prompt"`
	ImageURL    string `json:"image_url,omitempty"`
	AudioURL    string `json:"audio_url,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

// Generate runs one prompt against a workspace order. A failed generation is
// recorded on the returned deliverable and does not consume quota.
func (o *Orchestrator) Generate(ctx context.Context, actor Actor, id uuid.UUID, in GenerateInput) (*models.OrderDeliverable, error) {
	ord, err := o.loadAs(ctx, actor, id, partyClient)
	if err != nil {
		return nil, err
	}
	if !ord.IsWorkspace() {
		// Quota is only known once a workspace is paid.
		if ord.Status == models.OrderStatusPendingQuote || Allowed(ActionPay, ord.Status) {
			return nil, guard(ActionGenerate, ord)
		}
		return nil, fail(KindValidation, ErrNotWorkspace)
	}
	now := o.Now()
	ord = o.applyLazy(ctx, ord)
	if ord.Status != models.OrderStatusInProgress {
		switch {
		case Expired(ord, now):
			return nil, fail(KindValidation, ErrWindowExpired)
		case ord.QuotaUsed >= ord.QuotaTotal && ord.QuotaTotal > 0:
			return nil, failf(KindValidation, ErrQuotaExhausted, "%d of %d generations used", ord.QuotaUsed, ord.QuotaTotal)
		default:
			return nil, guard(ActionGenerate, ord)
		}
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, failf(KindValidation, ErrMissingField, "prompt")
	}
	svc, err := o.service(ctx, ord.ServiceID)
	if err != nil {
		return nil, err
	}
	if !svc.IsAutomated() {
		return nil, fail(KindValidation, ErrNoProvider)
	}
	req := provider.Request{
		Prompt:       in.Prompt,
		Model:        deref(svc.ProviderModel),
		SystemPrompt: deref(svc.SystemPrompt),
		ImageURL:     in.ImageURL,
		AudioURL:     in.AudioURL,
		AspectRatio:  in.AspectRatio,
	}
	if err := o.validateRequest(ctx, svc, req); err != nil {
		return nil, err
	}

	if err := o.Quota.Reserve(ctx, id, now); err != nil {
		return nil, err
	}
	// From here the reservation must be committed or released.
	bg := context.WithoutCancel(ctx)
	log := o.Logger.With("order_id", id, "provider", deref(svc.ProviderKey))

	d := &models.OrderDeliverable{
		ID:      uuid.New(),
		OrderID: id,
		Prompt:  in.Prompt,
		Status:  models.DeliverableStatusPending,
	}
	if err := o.Orders.CreateDeliverable(bg, d); err != nil {
		o.release(bg, log, id)
		return nil, err
	}
	if err := o.Orders.MarkDeliverableGenerating(bg, d.ID); err != nil {
		log.Error("mark deliverable generating", "deliverable_id", d.ID, "error", err)
	}
	d.Status = models.DeliverableStatusGenerating

	url, mediaType, gerr := o.generate(ctx, svc, req)
	if gerr == nil {
		gerr = o.Orders.CompleteDeliverable(bg, d.ID, url, mediaType)
	}
	if gerr != nil {
		reason := gerr.Error()
		if err := o.Orders.FailDeliverable(bg, d.ID, reason); err != nil {
			log.Error("fail deliverable", "deliverable_id", d.ID, "error", err)
		}
		o.release(bg, log, id)
		d.Status = models.DeliverableStatusFailed
		d.Error = &reason
		log.Warn("workspace generation failed", "deliverable_id", d.ID, "error", gerr)
		return d, gerr
	}
	d.Status = models.DeliverableStatusCompleted
	d.DeliverableURL = &url
	d.DeliverableMediaType = &mediaType

	used, full, err := o.Quota.Commit(bg, id)
	if err != nil {
		return d, err
	}
	ord.QuotaUsed = used
	o.emit(ctx, EventOrderMessage, ord, map[string]any{
		"deliverable_id":  d.ID,
		"deliverable_url": url,
		"media_type":      mediaType,
		"quota_used":      used,
	})
	log.Info("workspace generation completed", "deliverable_id", d.ID, "quota_used", used, "quota_total", ord.QuotaTotal)

	if full {
		done := o.Now()
		err := o.Orders.MarkDelivered(bg, id, ledger.Delivery{DeliveredAt: done, ReviewDeadline: done.Add(o.Config.ReviewWindow)})
		switch {
		case err == nil:
			log.Info("workspace quota spent, order delivered")
		case !errors.Is(err, ledger.ErrStaleStatus):
			log.Error("deliver spent workspace", "error", err)
		}
	}
	return d, nil
}

func (o *Orchestrator) release(ctx context.Context, log *slog.Logger, id uuid.UUID) {
	if err := o.Quota.Release(ctx, id); err != nil {
		log.Error("release quota", "error", err)
	}
}

type DeliverInput struct {
	DeliverableURL string `json:"deliverable_url"`
	MediaType      string `json:"media_type,omitempty"`
}

// Deliver records manual delivery by the provider.
func (o *Orchestrator) Deliver(ctx context.Context, actor Actor, id uuid.UUID, in DeliverInput) (*models.Order, error) {
	ord, err := o.loadAs(ctx, actor, id, partyProvider)
	if err != nil {
		return nil, err
	}
	ord = o.applyLazy(ctx, ord)
	if err := guard(ActionDeliver, ord); err != nil {
		return nil, err
	}
	if ord.IsWorkspace() {
		return nil, failf(KindValidation, ErrInvalidTransition, "workspace orders are delivered when their quota is spent or the window expires")
	}
	if strings.TrimSpace(in.DeliverableURL) == "" {
		return nil, failf(KindValidation, ErrMissingField, "deliverable_url")
	}
	if ord.Status == models.OrderStatusPaid {
		if err := o.transition(ctx, id, models.OrderStatusPaid, models.OrderStatusInProgress); err != nil {
			return nil, err
		}
	}
	now := o.Now()
	d := ledger.Delivery{DeliveredAt: now, ReviewDeadline: now.Add(o.Config.ReviewWindow)}
	if in.DeliverableURL != "" {
		d.URL = &in.DeliverableURL
	}
	if in.MediaType != "" {
		d.MediaType = &in.MediaType
	}
	if err := o.Orders.MarkDelivered(ctx, id, d); err != nil {
		return nil, casErr(err)
	}
	o.Logger.Info("order delivered", "order_id", id)

	fresh, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	o.emit(ctx, EventOrderMessage, fresh, map[string]any{"deliverable_url": in.DeliverableURL})
	return fresh, nil
}

func (o *Orchestrator) validateRequest(ctx context.Context, svc *models.Service, req provider.Request) error {
	if o.Validator == nil {
		return nil
	}
	if err := o.Validator.ValidateInput(ctx, deref(svc.ProviderKey), req); err != nil {
		return fail(KindValidation, err)
	}
	return nil
}

// generate calls the service's adapter under its deadline and stores the output.
// The call is detached from the caller's cancellation.
func (o *Orchestrator) generate(ctx context.Context, svc *models.Service, req provider.Request) (url, mediaType string, err error) {
	key := deref(svc.ProviderKey)
	adapter, err := o.Providers.Get(key)
	if err != nil {
		return "", "", failf(KindValidation, ErrNoProvider, "%s", key)
	}
	deadline := AsyncGenerationDeadline
	if o.Validator != nil {
		if d, derr := o.Validator.GetDeadline(key); derr == nil {
			deadline = d
		}
	}
	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadline)
	defer cancel()

	start := time.Now()
	res, err := adapter.Generate(gctx, req)
	metrics.GenerationDuration.WithLabelValues(key).Observe(time.Since(start).Seconds())
	if err != nil {
		if provider.IsRejected(err) {
			metrics.GenerationsTotal.WithLabelValues(key, "rejected").Inc()
			return "", "", failf(KindProvider, ErrContentRejected, "%v", err)
		}
		metrics.GenerationsTotal.WithLabelValues(key, "failed").Inc()
		return "", "", failf(KindProvider, ErrGenerationFailed, "%v", err)
	}
	metrics.GenerationsTotal.WithLabelValues(key, "succeeded").Inc()

	if o.Validator != nil {
		if verr := o.Validator.ValidateOutput(ctx, key, res); verr != nil {
			o.Logger.Warn("provider output does not match schema", "provider", key, "error", verr)
		}
	}

	bg := context.WithoutCancel(ctx)
	if len(res.Data) > 0 {
		url, err = o.Media.Save(bg, res.Data, res.MediaType)
		mediaType = res.MediaType
	} else {
		url, mediaType, err = o.Media.Copy(bg, res.URL, res.MediaType)
	}
	if err != nil {
		return "", "", failf(KindProvider, ErrGenerationFailed, "store output: %v", err)
	}
	return url, mediaType, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
