package tx

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/qiwallet/pkg/crypto"
	"github.com/Klingon-tech/qiwallet/pkg/types"
)

type mockUTXO struct {
	value uint64
	owner types.Address
	lock  uint64
}

// mockUTXOProvider is a simple in-memory UTXO provider for testing.
type mockUTXOProvider map[types.Outpoint]mockUTXO

func (m mockUTXOProvider) LookupUTXO(op types.Outpoint) (uint64, types.Address, uint64, bool) {
	u, ok := m[op]
	return u.value, u.owner, u.lock, ok
}

func TestValidateWithUTXOs(t *testing.T) {
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	op1 := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	op2 := types.Outpoint{TxID: types.Hash{0x02}, Index: 0}

	provider := mockUTXOProvider{
		op1: {value: 1000, owner: key.Address()},
		op2: {value: 500, owner: key.Address(), lock: 50},
	}

	build := func(ops ...types.Outpoint) *Transaction {
		b := NewBuilder()
		for _, op := range ops {
			b.AddInput(op, key.PublicKey())
		}
		return b.AddOutput(1000, testAddr).Build()
	}

	fee, err := build(op1, op2).ValidateWithUTXOs(provider, 60)
	if err != nil {
		t.Fatalf("ValidateWithUTXOs: %v", err)
	}
	if fee != 500 {
		t.Errorf("fee = %d, want 500", fee)
	}

	if _, err := build(op1, op2).ValidateWithUTXOs(provider, 10); !errors.Is(err, ErrInputLocked) {
		t.Errorf("expected ErrInputLocked, got: %v", err)
	}

	missing := build(types.Outpoint{TxID: types.Hash{0x03}})
	if _, err := missing.ValidateWithUTXOs(provider, 60); !errors.Is(err, ErrInputNotFound) {
		t.Errorf("expected ErrInputNotFound, got: %v", err)
	}

	wrongKey := NewBuilder().AddInput(op1, other.PublicKey()).AddOutput(500, testAddr).Build()
	if _, err := wrongKey.ValidateWithUTXOs(provider, 60); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("expected ErrKeyMismatch, got: %v", err)
	}

	short := NewBuilder().AddInput(op1, key.PublicKey()).AddOutput(5000, testAddr).Build()
	if _, err := short.ValidateWithUTXOs(provider, 60); !errors.Is(err, ErrInsufficientFee) {
		t.Errorf("expected ErrInsufficientFee, got: %v", err)
	}
}
