package chain

import (
	"errors"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
)

var ErrBadSignature = errors.New("wallet signature does not verify")

// VerifyMessage checks a base58 ed25519 signature by wallet over message.
func VerifyMessage(wallet, message, signatureBase58 string) error {
	pk, err := ParseAddress(wallet)
	if err != nil {
		return err
	}
	sig, err := solana.SignatureFromBase58(signatureBase58)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !sig.Verify(pk, []byte(message)) {
		return ErrBadSignature
	}
	return nil
}
