// Package chain reads and sends SPL stablecoin transfers on Solana.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

var (
	ErrTxNotFound          = errors.New("transaction not found")
	ErrInsufficientBalance = errors.New("treasury balance too low")
	ErrInvalidAddress      = errors.New("invalid solana address")
)

// RPC is the subset of *rpc.Client the package relies on.
type RPC interface {
	GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

// Config holds chain settings. Decimals is the stablecoin's base-unit exponent.
type Config struct {
	RPCURL         string
	Mint           string
	Decimals       int32
	ConfirmEvery   time.Duration
	ConfirmTimeout time.Duration
}

// Client wraps a Solana RPC endpoint for one stablecoin mint.
type Client struct {
	rpc      RPC
	mint     solana.PublicKey
	decimals int32
	confirm  confirmConfig
}

type confirmConfig struct {
	every   time.Duration
	timeout time.Duration
}

// NewClient dials cfg.RPCURL. Use NewClientWithRPC to inject a transport.
func NewClient(cfg Config) (*Client, error) {
	return NewClientWithRPC(rpc.New(cfg.RPCURL), cfg)
}

func NewClientWithRPC(r RPC, cfg Config) (*Client, error) {
	mint, err := solana.PublicKeyFromBase58(cfg.Mint)
	if err != nil {
		return nil, fmt.Errorf("mint %q: %w", cfg.Mint, ErrInvalidAddress)
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = 6
	}
	if cfg.ConfirmEvery <= 0 {
		cfg.ConfirmEvery = 2 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 90 * time.Second
	}
	return &Client{
		rpc:      r,
		mint:     mint,
		decimals: cfg.Decimals,
		confirm:  confirmConfig{every: cfg.ConfirmEvery, timeout: cfg.ConfirmTimeout},
	}, nil
}

// Mint returns the stablecoin mint address.
func (c *Client) Mint() string { return c.mint.String() }

// ToBaseUnits converts a USD amount into token base units, rounding half away from zero.
func (c *Client) ToBaseUnits(usd decimal.Decimal) uint64 {
	return uint64(usd.Shift(c.decimals).Round(0).IntPart())
}

// FromBaseUnits converts token base units into a USD amount.
func (c *Client) FromBaseUnits(units uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -c.decimals)
}

// ParseAddress validates a base58 Solana address.
func ParseAddress(s string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%q: %w", s, ErrInvalidAddress)
	}
	return pk, nil
}

func parseAmount(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
