// Package denom defines the fixed Qi denomination table and the greedy
// decomposition of values into it.
package denom

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidValue is returned when decomposing a value that is not positive.
var ErrInvalidValue = errors.New("value must be positive")

// table is the ordered (ascending) set of legal output amounts, in qits.
var table = [...]uint64{
	1,
	5,
	10,
	50,
	100,
	250,
	500,
	1_000,
	5_000,
	10_000,
	20_000,
	50_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
}

// Count is the number of denominations.
const Count = len(table)

// All returns a copy of the denomination table in ascending order.
func All() []uint64 {
	out := make([]uint64, Count)
	copy(out, table[:])
	return out
}

// Max returns the largest denomination.
func Max() uint64 {
	return table[Count-1]
}

// Min returns the smallest denomination.
func Min() uint64 {
	return table[0]
}

// Index returns the position of v in the table.
func Index(v uint64) (int, bool) {
	i := sort.Search(Count, func(i int) bool { return table[i] >= v })
	if i < Count && table[i] == v {
		return i, true
	}
	return 0, false
}

// IsValid reports whether v is a legal output amount.
func IsValid(v uint64) bool {
	_, ok := Index(v)
	return ok
}

// Next returns the denomination directly above v.
func Next(v uint64) (uint64, bool) {
	i, ok := Index(v)
	if !ok || i == Count-1 {
		return 0, false
	}
	return table[i+1], true
}

// Decompose splits v into denominations, largest first, using the greedy
// algorithm. The result always sums to v.
func Decompose(v uint64) ([]uint64, error) {
	return DecomposeMax(v, Max())
}

// DecomposeMax is Decompose restricted to denominations not above max.
// It returns ErrInvalidValue for v == 0 and an error if max is below the
// smallest denomination.
func DecomposeMax(v, max uint64) ([]uint64, error) {
	if v == 0 {
		return nil, ErrInvalidValue
	}
	if max < Min() {
		return nil, fmt.Errorf("max denomination %d below minimum %d", max, Min())
	}

	var out []uint64
	remaining := v
	for i := Count - 1; i >= 0 && remaining > 0; i-- {
		d := table[i]
		if d > max {
			continue
		}
		for remaining >= d {
			out = append(out, d)
			remaining -= d
		}
	}
	return out, nil
}

// Sum adds a slice of amounts.
func Sum(values []uint64) uint64 {
	var total uint64
	for _, v := range values {
		total += v
	}
	return total
}
