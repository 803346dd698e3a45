// Package types defines the primitive value types shared by the Qi wallet:
// hashes, addresses, zones and outpoints.
package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// HashSize is the length of a hash in bytes.
const HashSize = 32

// Hash is a 32-byte digest: a transaction id, a block hash or a signing
// digest.
type Hash [HashSize]byte

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns lowercase hex without a prefix.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns a copy of the hash bytes.
func (h Hash) Bytes() []byte {
	return append([]byte(nil), h[:]...)
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON accepts hex with or without 0x. The empty string decodes
// to the zero hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	var err error
	if s == "" {
		*h = Hash{}
	} else {
		*h, err = HexToHash(s)
	}
	return err
}

// HexToHash parses 64 hex digits. Node responses carry a 0x prefix, which
// is accepted.
func HexToHash(s string) (h Hash, err error) {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if len(s) != 2*HashSize {
		return h, fmt.Errorf("hash must be %d hex digits, got %d", 2*HashSize, len(s))
	}
	if _, err = hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, fmt.Errorf("invalid hash %q: %w", strings.ToLower(s), err)
	}
	return h, nil
}
