package wallet

import (
	"fmt"

	"github.com/Klingon-tech/qiwallet/pkg/types"
)

// AddressStatus tracks what discovery has learned about an address.
// Status only moves forward: unused, attempted, used.
type AddressStatus uint8

const (
	// StatusUnused addresses were derived but never queried.
	StatusUnused AddressStatus = iota
	// StatusAttempted addresses were queried and held nothing.
	StatusAttempted
	// StatusUsed addresses own or owned at least one output.
	StatusUsed
)

var statusNames = [...]string{"UNUSED", "ATTEMPTED", "USED"}

// String returns the status name.
func (s AddressStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("AddressStatus(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s AddressStatus) MarshalText() ([]byte, error) {
	if int(s) >= len(statusNames) {
		return nil, fmt.Errorf("unknown address status %d", uint8(s))
	}
	return []byte(statusNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *AddressStatus) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if string(text) == name {
			*s = AddressStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown address status %q", text)
}

// Source names the pool an address came from.
type Source string

// Address sources.
const (
	SourceBIP44    Source = "bip44"
	SourceImported Source = "imported"
	SourceChannel  Source = "channel"
)

// DerivedAddress is an address the wallet controls together with the
// metadata needed to re-derive its key and to resume discovery.
type DerivedAddress struct {
	PublicKey       []byte
	Address         types.Address
	Account         uint32
	Index           uint32
	Change          bool
	Zone            types.Zone
	Status          AddressStatus
	DerivationPath  string
	LastSyncedBlock types.BlockRef
	Source          Source
	// Channel is the counterparty payment code for channel addresses.
	Channel string
}

// advance moves the status forward. It reports whether the status changed.
func (d *DerivedAddress) advance(to AddressStatus) bool {
	if to <= d.Status {
		return false
	}
	d.Status = to
	return true
}

// branch returns the change index of a BIP-44 address.
func (d *DerivedAddress) branch() uint32 {
	if d.Change {
		return ChangeInternal
	}
	return ChangeExternal
}

func (d *DerivedAddress) clone() *DerivedAddress {
	cp := *d
	cp.PublicKey = append([]byte(nil), d.PublicKey...)
	return &cp
}
