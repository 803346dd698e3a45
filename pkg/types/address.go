package types

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// AddressSize is the length of an address in bytes.
const AddressSize = 20

// Human-readable prefixes of bech32 addresses.
const (
	MainnetHRP = "qi"
	TestnetHRP = "tqi"
)

var activeHRP atomic.Value

func init() {
	activeHRP.Store(MainnetHRP)
}

// SetAddressHRP selects the prefix used when addresses are printed.
// Parsing accepts any prefix.
func SetAddressHRP(hrp string) {
	activeHRP.Store(hrp)
}

// GetAddressHRP returns the prefix used when addresses are printed.
func GetAddressHRP() string {
	return activeHRP.Load().(string)
}

// Ledger is one of the two ledgers sharing the address space.
type Ledger uint8

const (
	LedgerQuai Ledger = iota // account model
	LedgerQi                 // UTXO model
)

func (l Ledger) String() string {
	switch l {
	case LedgerQuai:
		return "quai"
	case LedgerQi:
		return "qi"
	}
	return fmt.Sprintf("ledger(%d)", uint8(l))
}

// Address is a 20-byte public key hash. Its first byte carries the zone
// in the high nibble; the top bit of the second byte selects the ledger.
type Address [AddressSize]byte

func (a Address) IsZero() bool {
	return a == Address{}
}

// Ledger reports which ledger the address belongs to.
func (a Address) Ledger() Ledger {
	return Ledger(a[1] >> 7)
}

// IsQi reports whether the address is on the Qi ledger.
func (a Address) IsQi() bool {
	return a.Ledger() == LedgerQi
}

// Zone returns the zone encoded in the address. ok is false when the
// prefix names no zone.
func (a Address) Zone() (z Zone, ok bool) {
	z = Zone(a[0] >> 4)
	return z, z.IsValid()
}

// InZone reports whether the address belongs to z.
func (a Address) InZone(z Zone) bool {
	got, ok := a.Zone()
	return ok && got == z
}

// String returns the bech32 form under the active prefix.
func (a Address) String() string {
	s, err := bech32.EncodeFromBase256(GetAddressHRP(), a[:])
	if err != nil {
		return "0x" + a.Hex()
	}
	return s
}

// Hex returns the unprefixed hex form.
func (a Address) Hex() string {
	return hex.EncodeToString(a[:])
}

// Bytes returns a copy of the address bytes.
func (a Address) Bytes() []byte {
	return append([]byte(nil), a[:]...)
}

func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts every form ParseAddress does. The empty string
// decodes to the zero address.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*a = Address{}
		return nil
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress reads a bech32 address with any prefix, or 40 hex digits
// with or without 0x.
func ParseAddress(s string) (Address, error) {
	switch {
	case s == "":
		return Address{}, errors.New("empty address")
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		return HexToAddress(s[2:])
	case len(s) == 2*AddressSize:
		if a, err := HexToAddress(s); err == nil {
			return a, nil
		}
	}

	_, data, err := bech32.DecodeToBase256(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 address: %w", err)
	}
	return addressFromSlice(data)
}

// HexToAddress decodes exactly 40 hex digits with no prefix.
func HexToAddress(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid hex address: %w", err)
	}
	return addressFromSlice(b)
}

func addressFromSlice(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressSize {
		return a, fmt.Errorf("address must be %d bytes, got %d", AddressSize, len(b))
	}
	copy(a[:], b)
	return a, nil
}
