package tx

import (
	"github.com/Klingon-tech/qiwallet/pkg/types"
)

// Builder constructs transactions incrementally.
type Builder struct {
	tx *Transaction
}

// NewBuilder creates a new transaction builder.
func NewBuilder() *Builder {
	return &Builder{
		tx: &Transaction{Version: 1},
	}
}

// AddInput adds an input spending prevOut, owned by pubKey.
func (b *Builder) AddInput(prevOut types.Outpoint, pubKey []byte) *Builder {
	b.tx.Inputs = append(b.tx.Inputs, Input{PrevOut: prevOut, PubKey: pubKey})
	return b
}

// AddOutput adds an unlocked output.
func (b *Builder) AddOutput(denomination uint64, addr types.Address) *Builder {
	return b.AddLockedOutput(denomination, addr, 0)
}

// AddLockedOutput adds an output spendable only above the given height.
func (b *Builder) AddLockedOutput(denomination uint64, addr types.Address, lock uint64) *Builder {
	b.tx.Outputs = append(b.tx.Outputs, Output{
		Denomination: denomination,
		Address:      addr,
		Lock:         lock,
	})
	return b
}

// Build returns the constructed transaction.
// Does NOT validate; call tx.Validate() separately.
func (b *Builder) Build() *Transaction {
	return b.tx
}
