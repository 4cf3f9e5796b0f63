package chain

import (
	"context"
	"errors"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/backend/internal/retry"
)

// TransferError reports a failed outbound transfer. Broadcast is true when a
// signature reached the network; callers must then check its status instead of resending.
type TransferError struct {
	Signature string
	Broadcast bool
	Err       error
}

func (e *TransferError) Error() string {
	if e.Broadcast {
		return fmt.Sprintf("transfer %s: %v", e.Signature, e.Err)
	}
	return fmt.Sprintf("transfer not sent: %v", e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// SignatureStatus is the observed state of a broadcast transaction.
type SignatureStatus string

const (
	StatusPending   SignatureStatus = "pending"
	StatusConfirmed SignatureStatus = "confirmed"
	StatusFailed    SignatureStatus = "failed"
	StatusUnknown   SignatureStatus = "unknown"
)

// Wallet sends stablecoin from the platform treasury.
type Wallet struct {
	client *Client
	key    solana.PrivateKey
}

// NewWallet parses a base58 treasury private key.
func NewWallet(client *Client, privateKeyBase58 string) (*Wallet, error) {
	key, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("treasury key: %w", err)
	}
	return &Wallet{client: client, key: key}, nil
}

// Address is the treasury owner address that receives escrow payments.
func (w *Wallet) Address() string { return w.key.PublicKey().String() }

// Balance returns the treasury's token balance in base units. A missing token account reads as zero.
func (w *Wallet) Balance(ctx context.Context) (uint64, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(w.key.PublicKey(), w.client.mint)
	if err != nil {
		return 0, fmt.Errorf("derive treasury ata: %w", err)
	}
	res, err := w.client.rpc.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get treasury balance: %w", err)
	}
	if res == nil || res.Value == nil {
		return 0, nil
	}
	return parseAmount(res.Value.Amount)
}

// PreparedTransfer is a signed transfer that has not been broadcast yet. Its
// Signature is final, so callers can journal it before calling Submit.
type PreparedTransfer struct {
	Signature            string
	LastValidBlockHeight uint64
	tx                   *solana.Transaction
}

// Prepare checks the treasury balance and signs a transfer of amountUSD to the
// owner address `to`. Nothing reaches the network. Any failure is a *TransferError.
func (w *Wallet) Prepare(ctx context.Context, to string, amountUSD decimal.Decimal) (*PreparedTransfer, error) {
	units := w.client.ToBaseUnits(amountUSD)
	if units == 0 {
		return nil, &TransferError{Err: errors.New("amount rounds to zero")}
	}
	recipient, err := ParseAddress(to)
	if err != nil {
		return nil, &TransferError{Err: err}
	}

	bal, err := w.Balance(ctx)
	if err != nil {
		return nil, &TransferError{Err: err}
	}
	if bal < units {
		return nil, &TransferError{Err: fmt.Errorf("%w: have %d need %d", ErrInsufficientBalance, bal, units)}
	}

	tx, lastValid, err := w.buildTransfer(ctx, recipient, units)
	if err != nil {
		return nil, &TransferError{Err: err}
	}
	return &PreparedTransfer{Signature: tx.Signatures[0].String(), LastValidBlockHeight: lastValid, tx: tx}, nil
}

// Submit broadcasts a prepared transfer and waits for confirmation. A failure
// after the send call is reported with Broadcast set: the transaction may still land
// until its blockhash expires.
func (w *Wallet) Submit(ctx context.Context, t *PreparedTransfer) error {
	if t == nil || t.tx == nil {
		return &TransferError{Err: errors.New("transfer was not prepared")}
	}
	sig := t.tx.Signatures[0]
	if _, err := w.client.rpc.SendTransactionWithOpts(ctx, t.tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	}); err != nil {
		return &TransferError{Signature: t.Signature, Broadcast: true, Err: fmt.Errorf("send: %w", err)}
	}

	status, err := w.client.waitConfirmed(ctx, sig)
	if err != nil {
		return &TransferError{Signature: t.Signature, Broadcast: true, Err: err}
	}
	if status == StatusFailed {
		return &TransferError{Signature: t.Signature, Broadcast: true, Err: errors.New("transaction failed on chain")}
	}
	return nil
}

// Expired reports whether the chain has passed lastValidBlockHeight, after which a
// transaction signed against that blockhash can never be included.
func (w *Wallet) Expired(ctx context.Context, lastValidBlockHeight uint64) (bool, error) {
	height, err := w.client.rpc.GetBlockHeight(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return false, fmt.Errorf("get block height: %w", err)
	}
	return height > lastValidBlockHeight, nil
}

func (w *Wallet) buildTransfer(ctx context.Context, recipient solana.PublicKey, units uint64) (*solana.Transaction, uint64, error) {
	owner := w.key.PublicKey()
	mint := w.client.mint

	sourceATA, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, 0, fmt.Errorf("derive source ata: %w", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return nil, 0, fmt.Errorf("derive destination ata: %w", err)
	}

	var instructions []solana.Instruction
	if _, err := w.client.rpc.GetAccountInfo(ctx, destATA); err != nil {
		if !errors.Is(err, rpc.ErrNotFound) {
			return nil, 0, fmt.Errorf("get destination ata: %w", err)
		}
		createIx, err := associatedtokenaccount.NewCreateInstruction(owner, recipient, mint).ValidateAndBuild()
		if err != nil {
			return nil, 0, fmt.Errorf("build create ata instruction: %w", err)
		}
		instructions = append(instructions, createIx)
	}

	transferIx, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(units).
		SetDecimals(uint8(w.client.decimals)).
		SetSourceAccount(sourceATA).
		SetMintAccount(mint).
		SetDestinationAccount(destATA).
		SetOwnerAccount(owner).
		ValidateAndBuild()
	if err != nil {
		return nil, 0, fmt.Errorf("build transfer instruction: %w", err)
	}
	instructions = append(instructions, transferIx)

	latest, err := w.client.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, 0, fmt.Errorf("get latest blockhash: %w", err)
	}

	builder := solana.NewTransactionBuilder().
		SetRecentBlockHash(latest.Value.Blockhash).
		SetFeePayer(owner)
	for _, ix := range instructions {
		builder = builder.AddInstruction(ix)
	}
	tx, err := builder.Build()
	if err != nil {
		return nil, 0, fmt.Errorf("build transaction: %w", err)
	}
	if _, err := tx.Sign(func(k solana.PublicKey) *solana.PrivateKey {
		if k.Equals(owner) {
			return &w.key
		}
		return nil
	}); err != nil {
		return nil, 0, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, latest.Value.LastValidBlockHeight, nil
}

// Status looks up a previously broadcast signature.
func (c *Client) Status(ctx context.Context, signature string) (SignatureStatus, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return StatusUnknown, fmt.Errorf("signature %q: %w", signature, err)
	}
	return c.status(ctx, sig)
}

func (c *Client) status(ctx context.Context, sig solana.Signature) (SignatureStatus, error) {
	res, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return StatusUnknown, fmt.Errorf("get signature status: %w", err)
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return StatusUnknown, nil
	}
	st := res.Value[0]
	if st.Err != nil {
		return StatusFailed, nil
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return StatusConfirmed, nil
	}
	return StatusPending, nil
}

func (c *Client) waitConfirmed(ctx context.Context, sig solana.Signature) (SignatureStatus, error) {
	return retry.Poll(ctx, retry.PollConfig{Interval: c.confirm.every, Timeout: c.confirm.timeout},
		func(ctx context.Context) (SignatureStatus, bool, error) {
			st, err := c.status(ctx, sig)
			if err != nil {
				// RPC hiccups while confirming are not conclusive.
				return st, false, nil
			}
			return st, st == StatusConfirmed || st == StatusFailed, nil
		})
}

// CanCover reports whether the treasury holds at least amountUSD.
func (w *Wallet) CanCover(ctx context.Context, amountUSD decimal.Decimal) (bool, error) {
	bal, err := w.Balance(ctx)
	if err != nil {
		return false, err
	}
	return bal >= w.client.ToBaseUnits(amountUSD), nil
}

// Status looks up a signature previously broadcast by this wallet.
func (w *Wallet) Status(ctx context.Context, signature string) (SignatureStatus, error) {
	return w.client.Status(ctx, signature)
}
