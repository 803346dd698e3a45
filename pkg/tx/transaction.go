// Package tx defines the Qi transaction type, its canonical signing bytes
// and structural validation.
package tx

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/Klingon-tech/qiwallet/pkg/crypto"
	"github.com/Klingon-tech/qiwallet/pkg/types"
)

// Transaction is a Qi ledger transaction. All inputs are authorised by a
// single Schnorr signature made with the aggregate of the inputs' keys.
type Transaction struct {
	Version   uint32
	Inputs    []Input
	Outputs   []Output
	Signature []byte
}

// Input references a UTXO being spent and the key that owns it.
type Input struct {
	PrevOut types.Outpoint
	PubKey  []byte
}

// Output creates a new UTXO of a single denomination.
// Lock is the block height until which the output cannot be spent.
type Output struct {
	Denomination uint64        `json:"denomination"`
	Address      types.Address `json:"address"`
	Lock         uint64        `json:"lock,omitempty"`
}

// inputJSON is the JSON representation of Input with a hex-encoded pubkey.
type inputJSON struct {
	PrevOut types.Outpoint `json:"prevout"`
	PubKey  *string        `json:"pubkey"`
}

// MarshalJSON encodes the input with a hex-encoded pubkey.
func (in Input) MarshalJSON() ([]byte, error) {
	j := inputJSON{PrevOut: in.PrevOut}
	if in.PubKey != nil {
		p := hex.EncodeToString(in.PubKey)
		j.PubKey = &p
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with a hex-encoded pubkey.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PrevOut = j.PrevOut
	if j.PubKey != nil {
		b, err := hex.DecodeString(*j.PubKey)
		if err != nil {
			return err
		}
		in.PubKey = b
	}
	return nil
}

type txJSON struct {
	Version   uint32   `json:"version"`
	Inputs    []Input  `json:"inputs"`
	Outputs   []Output `json:"outputs"`
	Signature string   `json:"signature,omitempty"`
}

// MarshalJSON encodes the transaction with a hex-encoded signature.
func (tx Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(txJSON{
		Version:   tx.Version,
		Inputs:    tx.Inputs,
		Outputs:   tx.Outputs,
		Signature: hex.EncodeToString(tx.Signature),
	})
}

// UnmarshalJSON decodes a transaction with a hex-encoded signature.
func (tx *Transaction) UnmarshalJSON(data []byte) error {
	var j txJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	sig, err := hex.DecodeString(j.Signature)
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	tx.Version = j.Version
	tx.Inputs = j.Inputs
	tx.Outputs = j.Outputs
	tx.Signature = nil
	if len(sig) > 0 {
		tx.Signature = sig
	}
	return nil
}

// Hash computes the transaction ID (BLAKE3 hash of the signing bytes). It is
// also the digest the aggregate signature commits to.
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for signing.
// Format: version(4) | input_count(4) | [txid(32) + index(4) + pubkey_len(1) + pubkey]... |
// output_count(4) | [denomination(8) + address(20) + lock(8)]...
func (tx *Transaction) SigningBytes() []byte {
	var buf []byte

	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
		buf = append(buf, byte(len(in.PubKey)))
		buf = append(buf, in.PubKey...)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Denomination)
		buf = append(buf, out.Address[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, out.Lock)
	}

	return buf
}

// TotalOutputValue returns the sum of all output denominations.
// Returns an error if the sum overflows uint64.
func (tx *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range tx.Outputs {
		if total > math.MaxUint64-out.Denomination {
			return 0, fmt.Errorf("output value overflow")
		}
		total += out.Denomination
	}
	return total, nil
}

// SignerKeys returns the distinct input public keys in order of first
// appearance. This order defines the aggregate key.
func (tx *Transaction) SignerKeys() [][]byte {
	var keys [][]byte
	for _, in := range tx.Inputs {
		dup := false
		for _, k := range keys {
			if bytes.Equal(k, in.PubKey) {
				dup = true
				break
			}
		}
		if !dup {
			keys = append(keys, in.PubKey)
		}
	}
	return keys
}
