package chain

import (
	"context"
	"errors"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Transfer summarises the movement of one mint inside a confirmed transaction.
// Amounts are in token base units.
type Transfer struct {
	Signature string
	Success   bool
	Mint      string
	From      string
	To        string
	Amount    uint64
	received  map[string]uint64
}

// ReceivedBy returns how many base units owner's token accounts gained.
func (t *Transfer) ReceivedBy(owner string) uint64 {
	return t.received[owner]
}

// GetTransfer fetches a confirmed transaction and derives the transfer of the
// client's mint from its pre/post token balances.
func (c *Client) GetTransfer(ctx context.Context, signature string) (*Transfer, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("signature %q: %w", signature, ErrTxNotFound)
	}
	maxVersion := uint64(0)
	res, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, ErrTxNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if res == nil || res.Meta == nil {
		return nil, ErrTxNotFound
	}
	t := TransferFromBalances(c.mint, res.Meta.PreTokenBalances, res.Meta.PostTokenBalances)
	t.Signature = signature
	t.Success = res.Meta.Err == nil
	return t, nil
}

type balanceEntry struct {
	owner string
	pre   uint64
	post  uint64
}

// TransferFromBalances computes per-owner deltas for mint. From is the owner with
// the largest decrease, To the owner with the largest increase, Amount that increase.
func TransferFromBalances(mint solana.PublicKey, pre, post []rpc.TokenBalance) *Transfer {
	entries := map[uint16]*balanceEntry{}
	collect := func(list []rpc.TokenBalance, isPost bool) {
		for _, b := range list {
			if !b.Mint.Equals(mint) || b.UiTokenAmount == nil {
				continue
			}
			e, ok := entries[b.AccountIndex]
			if !ok {
				e = &balanceEntry{}
				entries[b.AccountIndex] = e
			}
			if b.Owner != nil {
				e.owner = b.Owner.String()
			}
			amt, err := parseAmount(b.UiTokenAmount.Amount)
			if err != nil {
				continue
			}
			if isPost {
				e.post = amt
			} else {
				e.pre = amt
			}
		}
	}
	collect(pre, false)
	collect(post, true)

	t := &Transfer{Mint: mint.String(), received: map[string]uint64{}}
	var maxSent uint64
	for _, e := range entries {
		switch {
		case e.post > e.pre:
			gain := e.post - e.pre
			t.received[e.owner] += gain
			if gain > t.Amount {
				t.Amount = gain
				t.To = e.owner
			}
		case e.pre > e.post:
			if sent := e.pre - e.post; sent > maxSent {
				maxSent = sent
				t.From = e.owner
			}
		}
	}
	return t
}
