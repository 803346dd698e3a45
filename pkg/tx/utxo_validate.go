package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/qiwallet/pkg/crypto"
	"github.com/Klingon-tech/qiwallet/pkg/types"
)

// UTXO-aware validation errors.
var (
	ErrInputNotFound   = errors.New("input UTXO not found")
	ErrInsufficientFee = errors.New("insufficient fee")
	ErrInputOverflow   = errors.New("input values overflow")
	ErrKeyMismatch     = errors.New("pubkey does not match UTXO address")
	ErrInputLocked     = errors.New("input UTXO is locked")
)

// UTXOProvider provides read-only access to spendable outputs for validation.
type UTXOProvider interface {
	LookupUTXO(outpoint types.Outpoint) (denomination uint64, owner types.Address, lock uint64, ok bool)
}

// ValidateWithUTXOs checks that every input exists, is owned by the input's
// pubkey and is unlocked at height, and that inputs cover outputs.
// Returns the fee (inputs - outputs). The signature is not checked.
func (tx *Transaction) ValidateWithUTXOs(provider UTXOProvider, height uint64) (uint64, error) {
	if err := tx.Validate(); err != nil {
		return 0, err
	}

	var totalInput uint64
	for i, in := range tx.Inputs {
		value, owner, lock, ok := provider.LookupUTXO(in.PrevOut)
		if !ok {
			return 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrInputNotFound)
		}
		if lock > height {
			return 0, fmt.Errorf("input %d (%s): %w until %d", i, in.PrevOut, ErrInputLocked, lock)
		}
		if derived := crypto.AddressFromPubKey(in.PubKey); derived != owner {
			return 0, fmt.Errorf("input %d: %w: expected %s, got %s", i, ErrKeyMismatch, owner, derived)
		}
		if totalInput > math.MaxUint64-value {
			return 0, fmt.Errorf("input %d: %w", i, ErrInputOverflow)
		}
		totalInput += value
	}

	totalOutput, err := tx.TotalOutputValue()
	if err != nil {
		return 0, fmt.Errorf("output overflow: %w", err)
	}
	if totalInput < totalOutput {
		return 0, fmt.Errorf("%w: inputs=%d outputs=%d", ErrInsufficientFee, totalInput, totalOutput)
	}
	return totalInput - totalOutput, nil
}
