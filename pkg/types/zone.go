package types

import (
	"fmt"
	"strings"
)

// Zone identifies a leaf shard. It is the high nibble of an address's first
// byte: two bits of region followed by two bits of zone-within-region.
type Zone uint8

// Number of regions and zones per region in the network topology.
const (
	NumRegions        = 3
	NumZonesPerRegion = 3
)

var regionNames = [NumRegions]string{"cyprus", "paxos", "hydra"}

// The nine zones of the network.
const (
	Cyprus1 Zone = 0x0<<2 | 0
	Cyprus2 Zone = 0x0<<2 | 1
	Cyprus3 Zone = 0x0<<2 | 2
	Paxos1  Zone = 0x1<<2 | 0
	Paxos2  Zone = 0x1<<2 | 1
	Paxos3  Zone = 0x1<<2 | 2
	Hydra1  Zone = 0x2<<2 | 0
	Hydra2  Zone = 0x2<<2 | 1
	Hydra3  Zone = 0x2<<2 | 2
)

// NewZone builds a zone from region and zone-within-region indices.
func NewZone(region, zone int) (Zone, error) {
	if region < 0 || region >= NumRegions || zone < 0 || zone >= NumZonesPerRegion {
		return 0, fmt.Errorf("zone %d-%d out of range", region, zone)
	}
	return Zone(region<<2 | zone), nil
}

// Region returns the region index.
func (z Zone) Region() int {
	return int(z>>2) & 0x3
}

// Index returns the zone index within its region.
func (z Zone) Index() int {
	return int(z) & 0x3
}

// IsValid reports whether the zone is one of the nine defined zones.
func (z Zone) IsValid() bool {
	return z < 16 && z.Region() < NumRegions && z.Index() < NumZonesPerRegion
}

// PrefixByte returns the smallest first address byte that maps to z.
// Every zone owns sixteen consecutive first-byte values.
func (z Zone) PrefixByte() byte {
	return byte(z) << 4
}

// String returns the zone name, e.g. "cyprus1".
func (z Zone) String() string {
	if !z.IsValid() {
		return fmt.Sprintf("zone(%d)", uint8(z))
	}
	return fmt.Sprintf("%s%d", regionNames[z.Region()], z.Index()+1)
}

// MarshalText implements encoding.TextMarshaler.
func (z Zone) MarshalText() ([]byte, error) {
	if !z.IsValid() {
		return nil, fmt.Errorf("invalid zone %d", uint8(z))
	}
	return []byte(z.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (z *Zone) UnmarshalText(text []byte) error {
	parsed, err := ParseZone(string(text))
	if err != nil {
		return err
	}
	*z = parsed
	return nil
}

// ParseZone parses a zone name such as "cyprus1" (case-insensitive).
func ParseZone(s string) (Zone, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for r, prefix := range regionNames {
		if !strings.HasPrefix(name, prefix) || len(name) != len(prefix)+1 {
			continue
		}
		n := int(name[len(prefix)] - '1')
		return NewZone(r, n)
	}
	return 0, fmt.Errorf("unknown zone %q", s)
}

// AllZones returns the nine zones in region order.
func AllZones() []Zone {
	zones := make([]Zone, 0, NumRegions*NumZonesPerRegion)
	for r := 0; r < NumRegions; r++ {
		for i := 0; i < NumZonesPerRegion; i++ {
			zones = append(zones, Zone(r<<2|i))
		}
	}
	return zones
}
