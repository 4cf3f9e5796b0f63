package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agentbazaar/backend/internal/ledger"
	"github.com/agentbazaar/backend/internal/models"
)

// QuotaStore is the ledger surface the meter needs. It is the only writer of quota_used.
type QuotaStore interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ReserveQuota(ctx context.Context, id uuid.UUID, now time.Time) error
	CommitQuota(ctx context.Context, id uuid.UUID) (used, total int, err error)
	ReleaseQuota(ctx context.Context, id uuid.UUID) error
}

// QuotaMeter meters generations on workspace orders. A slot is reserved before the
// provider call, committed on success and released on failure.
type QuotaMeter struct {
	Store QuotaStore
}

func NewQuotaMeter(store QuotaStore) *QuotaMeter {
	return &QuotaMeter{Store: store}
}

// Window is the quota opened when a workspace order is paid.
type Window struct {
	Total     int
	ExpiresAt time.Time
}

// Open computes the window for svc starting at now.
func (m *QuotaMeter) Open(svc *models.Service, now time.Time) Window {
	return Window{Total: svc.QuotaLimit, ExpiresAt: now.Add(svc.WorkspaceWindow())}
}

// Expired reports whether the order's window has passed at now.
func Expired(o *models.Order, now time.Time) bool {
	return o.WorkspaceExpiresAt != nil && !now.Before(*o.WorkspaceExpiresAt)
}

// Reserve claims one generation slot, or explains why none is available.
func (m *QuotaMeter) Reserve(ctx context.Context, orderID uuid.UUID, now time.Time) error {
	err := m.Store.ReserveQuota(ctx, orderID, now)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ledger.ErrQuotaUnavailable) {
		return err
	}
	o, gerr := m.Store.GetOrder(ctx, orderID)
	if gerr != nil {
		return gerr
	}
	switch {
	case o.Status != models.OrderStatusInProgress:
		return failf(KindValidation, ErrInvalidTransition, "order is %s", o.Status)
	case Expired(o, now):
		return fail(KindValidation, ErrWindowExpired)
	case o.QuotaUsed >= o.QuotaTotal:
		return failf(KindValidation, ErrQuotaExhausted, "%d of %d generations used", o.QuotaUsed, o.QuotaTotal)
	default:
		return failf(KindValidation, ErrQuotaExhausted, "%d used and %d in flight of %d", o.QuotaUsed, o.QuotaReserved, o.QuotaTotal)
	}
}

// Commit converts the reservation into a used generation. full is true once the
// quota is spent.
func (m *QuotaMeter) Commit(ctx context.Context, orderID uuid.UUID) (used int, full bool, err error) {
	used, total, err := m.Store.CommitQuota(ctx, orderID)
	if err != nil {
		return 0, false, err
	}
	return used, used >= total, nil
}

// Release returns a reserved slot after a failed generation.
func (m *QuotaMeter) Release(ctx context.Context, orderID uuid.UUID) error {
	return m.Store.ReleaseQuota(ctx, orderID)
}
