package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/chain"
	"github.com/agentbazaar/backend/internal/metrics"
)

// TxHashLedger answers whether an escrow transaction already funds an order.
type TxHashLedger interface {
	IsTxHashUsed(ctx context.Context, txHash string) (bool, error)
}

// TransferReader reads confirmed transfers of the platform stablecoin.
type TransferReader interface {
	GetTransfer(ctx context.Context, signature string) (*chain.Transfer, error)
	FromBaseUnits(units uint64) decimal.Decimal
	Mint() string
}

// PaymentVerifier checks a claimed escrow transaction against the chain before an
// order may be marked paid.
type PaymentVerifier struct {
	Ledger    TxHashLedger
	Chain     TransferReader
	Treasury  string
	Tolerance decimal.Decimal
	Logger    *slog.Logger
}

func NewPaymentVerifier(ledger TxHashLedger, reader TransferReader, treasury string, tolerance decimal.Decimal, logger *slog.Logger) *PaymentVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentVerifier{Ledger: ledger, Chain: reader, Treasury: treasury, Tolerance: tolerance, Logger: logger}
}

// Verify returns the on-chain transfer when txHash is unused, succeeded, moved the
// platform mint from payer to the treasury, and covers expected minus tolerance.
// An empty payer skips the sender check.
func (v *PaymentVerifier) Verify(ctx context.Context, txHash, payer string, expected decimal.Decimal) (*chain.Transfer, error) {
	if txHash == "" {
		return nil, failf(KindValidation, ErrMissingField, "tx_hash")
	}
	used, err := v.Ledger.IsTxHashUsed(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("check tx hash: %w", err)
	}
	if used {
		v.reject("already_used", txHash)
		return nil, fail(KindPayment, ErrTxAlreadyUsed)
	}

	t, err := v.Chain.GetTransfer(ctx, txHash)
	if err != nil {
		if errors.Is(err, chain.ErrTxNotFound) {
			v.reject("not_found", txHash)
			return nil, fail(KindPayment, ErrTxNotFound)
		}
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	if !t.Success {
		v.reject("failed", txHash)
		return nil, fail(KindPayment, ErrTxFailed)
	}
	if t.Mint != v.Chain.Mint() || t.Amount == 0 {
		v.reject("wrong_asset", txHash)
		return nil, fail(KindPayment, ErrWrongAsset)
	}
	received := t.ReceivedBy(v.Treasury)
	if received == 0 {
		v.reject("wrong_recipient", txHash)
		return nil, fail(KindPayment, ErrWrongRecipient)
	}
	if payer != "" && t.From != payer {
		v.reject("wrong_payer", txHash)
		return nil, failf(KindPayment, ErrWrongPayer, "expected %s", payer)
	}
	got := v.Chain.FromBaseUnits(received)
	if got.LessThan(expected.Sub(v.Tolerance)) {
		v.reject("amount_mismatch", txHash)
		return nil, failf(KindPayment, ErrAmountMismatch, "expected %s USD, received %s USD", expected.StringFixed(2), got.String())
	}
	metrics.PaymentsVerifiedTotal.Inc()
	return t, nil
}

func (v *PaymentVerifier) reject(reason, txHash string) {
	metrics.PaymentsRejectedTotal.WithLabelValues(reason).Inc()
	v.Logger.Info("payment rejected", "reason", reason, "tx_hash", txHash)
}
