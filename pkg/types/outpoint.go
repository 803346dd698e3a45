package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Outpoint references a specific output in a transaction.
type Outpoint struct {
	TxID  Hash   `json:"txid"`
	Index uint32 `json:"index"`
}

// IsZero returns true if the outpoint has a zero TxID and zero index.
func (o Outpoint) IsZero() bool {
	return o.TxID.IsZero() && o.Index == 0
}

// String returns "txid:index" in hex.
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID.String(), o.Index)
}

// ParseOutpoint parses the "txid:index" form produced by String.
func ParseOutpoint(s string) (Outpoint, error) {
	txid, idx, ok := strings.Cut(s, ":")
	if !ok {
		return Outpoint{}, fmt.Errorf("outpoint %q: missing index", s)
	}
	h, err := HexToHash(txid)
	if err != nil {
		return Outpoint{}, fmt.Errorf("outpoint %q: %w", s, err)
	}
	n, err := strconv.ParseUint(idx, 10, 32)
	if err != nil {
		return Outpoint{}, fmt.Errorf("outpoint %q: %w", s, err)
	}
	return Outpoint{TxID: h, Index: uint32(n)}, nil
}

// OutpointEntry is an unspent output as reported by a chain data provider.
// Lock is the block height until which the output is unspendable (0 = none).
type OutpointEntry struct {
	Outpoint     Outpoint `json:"outpoint"`
	Denomination uint64   `json:"denomination"`
	Lock         uint64   `json:"lock"`
}

// BlockRef identifies a block by number and hash.
type BlockRef struct {
	Number uint64 `json:"number"`
	Hash   Hash   `json:"hash"`
}
