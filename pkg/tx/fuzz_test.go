package tx

import (
	"encoding/json"
	"testing"

	"github.com/Klingon-tech/qiwallet/pkg/types"
)

// FuzzTransactionJSON decodes arbitrary input and checks that a decoded
// transaction survives re-encoding with the same identity.
func FuzzTransactionJSON(f *testing.F) {
	built, _ := json.Marshal(NewBuilder().
		AddInput(types.Outpoint{TxID: types.Hash{0x42}, Index: 1}, make([]byte, 33)).
		AddOutput(10, types.Address{0x00, 0x80}).
		AddLockedOutput(1, types.Address{0x10, 0x80}, 500).
		Build())
	f.Add(built)
	f.Add([]byte(`{"inputs":[],"outputs":[]}`))
	f.Add([]byte(`{"inputs":[{"prevout":{"txid":"0x00","index":0},"pubkey":"02"}],"outputs":[{"denomination":99,"address":"tqi1"}]}`))
	f.Add([]byte(`{"signature":"zz"}`))
	f.Add([]byte(`[]`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var decoded Transaction
		if json.Unmarshal(data, &decoded) != nil {
			return
		}
		id := decoded.Hash()
		_ = decoded.Validate()
		_ = decoded.VerifySignature()
		_, _ = decoded.TotalOutputValue()

		again, err := json.Marshal(decoded)
		if err != nil {
			t.Fatalf("re-encode: %v", err)
		}
		var round Transaction
		if err := json.Unmarshal(again, &round); err != nil {
			t.Fatalf("decode of own encoding: %v\n%s", err, again)
		}
		if round.Hash() != id {
			t.Errorf("hash changed across re-encoding")
		}
	})
}

// FuzzParseOutpoint checks that every accepted outpoint string names an
// outpoint whose canonical form parses back to itself.
func FuzzParseOutpoint(f *testing.F) {
	f.Add("0x" + types.Hash{1}.String() + ":0")
	f.Add(types.Hash{}.String() + ":4294967295")
	f.Add(":")

	f.Fuzz(func(t *testing.T, s string) {
		op, err := types.ParseOutpoint(s)
		if err != nil {
			return
		}
		back, err := types.ParseOutpoint(op.String())
		if err != nil || back != op {
			t.Errorf("canonical form %s did not round trip: %v", op, err)
		}
	})
}
