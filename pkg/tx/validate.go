package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/qiwallet/pkg/crypto"
	"github.com/Klingon-tech/qiwallet/pkg/denom"
	"github.com/Klingon-tech/qiwallet/pkg/types"
)

// Structural limits.
const (
	MaxTxInputs  = 1000
	MaxTxOutputs = 1000
)

// Validation errors.
var (
	ErrNoInputs            = errors.New("transaction has no inputs")
	ErrNoOutputs           = errors.New("transaction has no outputs")
	ErrDuplicateInput      = errors.New("duplicate input")
	ErrOutputOverflow      = errors.New("output values overflow")
	ErrInvalidDenomination = errors.New("invalid output denomination")
	ErrZeroAddress         = errors.New("output address is zero")
	ErrMissingPubKey       = errors.New("input missing public key")
	ErrInvalidPubKey       = errors.New("input public key is not 33 bytes")
	ErrMissingSig          = errors.New("transaction missing signature")
	ErrInvalidSig          = errors.New("invalid signature")
	ErrTooManyInputs       = errors.New("too many inputs")
	ErrTooManyOutputs      = errors.New("too many outputs")
)

// Validate checks transaction structure and basic rules.
// This does NOT check the signature or UTXO existence.
func (tx *Transaction) Validate() error {
	if len(tx.Inputs) == 0 {
		return ErrNoInputs
	}
	if len(tx.Outputs) == 0 {
		return ErrNoOutputs
	}
	if len(tx.Inputs) > MaxTxInputs {
		return fmt.Errorf("%w: %d inputs, max %d", ErrTooManyInputs, len(tx.Inputs), MaxTxInputs)
	}
	if len(tx.Outputs) > MaxTxOutputs {
		return fmt.Errorf("%w: %d outputs, max %d", ErrTooManyOutputs, len(tx.Outputs), MaxTxOutputs)
	}

	seen := make(map[types.Outpoint]bool, len(tx.Inputs))
	for i, in := range tx.Inputs {
		if seen[in.PrevOut] {
			return fmt.Errorf("input %d: %w", i, ErrDuplicateInput)
		}
		seen[in.PrevOut] = true

		if len(in.PubKey) == 0 {
			return fmt.Errorf("input %d: %w", i, ErrMissingPubKey)
		}
		if len(in.PubKey) != crypto.PublicKeySize {
			return fmt.Errorf("input %d: %w", i, ErrInvalidPubKey)
		}
	}

	var totalOutput uint64
	for i, out := range tx.Outputs {
		if !denom.IsValid(out.Denomination) {
			return fmt.Errorf("output %d: %w: %d", i, ErrInvalidDenomination, out.Denomination)
		}
		if out.Address.IsZero() {
			return fmt.Errorf("output %d: %w", i, ErrZeroAddress)
		}
		if totalOutput > math.MaxUint64-out.Denomination {
			return fmt.Errorf("output %d: %w", i, ErrOutputOverflow)
		}
		totalOutput += out.Denomination
	}

	return nil
}

// VerifySignature checks the transaction signature against the aggregate of
// the distinct input keys, using the default secp256k1 provider.
func (tx *Transaction) VerifySignature() error {
	return tx.VerifySignatureWith(crypto.Secp256k1{})
}

// VerifySignatureWith is VerifySignature with an explicit crypto provider.
func (tx *Transaction) VerifySignatureWith(p crypto.Provider) error {
	if len(tx.Signature) == 0 {
		return ErrMissingSig
	}
	keys := tx.SignerKeys()
	if len(keys) == 0 {
		return ErrNoInputs
	}
	agg, err := p.AggregatePublicKeys(keys)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSig, err)
	}
	hash := tx.Hash()
	if !p.Verify(hash[:], tx.Signature, agg) {
		return ErrInvalidSig
	}
	return nil
}
