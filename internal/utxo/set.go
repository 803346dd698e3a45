// Package utxo tracks the wallet's owned unspent outputs and their
// spend status.
package utxo

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Klingon-tech/qiwallet/pkg/denom"
	"github.com/Klingon-tech/qiwallet/pkg/types"
)

// Set errors.
var (
	ErrInvalidDenomination = errors.New("invalid denomination")
	ErrNotFound            = errors.New("utxo not found")
	ErrPending             = errors.New("utxo already pending")
	ErrNotPending          = errors.New("utxo not pending")
)

// UTXO represents an unspent output owned by the wallet.
type UTXO struct {
	Outpoint     types.Outpoint `json:"outpoint"`
	Address      types.Address  `json:"address"`
	Denomination uint64         `json:"denomination"`
	// Lock is the block height until which the output is unspendable.
	// Zero means unlocked.
	Lock uint64 `json:"lock,omitempty"`
}

// New builds a UTXO, rejecting denominations outside the table.
func New(op types.Outpoint, addr types.Address, denomination, lock uint64) (UTXO, error) {
	if !denom.IsValid(denomination) {
		return UTXO{}, fmt.Errorf("%w: %d", ErrInvalidDenomination, denomination)
	}
	return UTXO{Outpoint: op, Address: addr, Denomination: denomination, Lock: lock}, nil
}

// Locked reports whether the output cannot be spent at height.
func (u UTXO) Locked(height uint64) bool {
	return u.Lock > height
}

// Zone returns the zone of the owning address.
func (u UTXO) Zone() (types.Zone, bool) {
	return u.Address.Zone()
}

// Status is the spend status of an owned output.
type Status uint8

const (
	// StatusAvailable outputs may be selected.
	StatusAvailable Status = iota
	// StatusPending outputs are inputs of a transaction not yet confirmed.
	StatusPending
)

// String returns the status name.
func (s Status) String() string {
	if s == StatusPending {
		return "pending"
	}
	return "available"
}

// Entry is a UTXO together with its status.
type Entry struct {
	UTXO
	Status Status `json:"status"`
}

// Balance summarises a zone's outputs at a given height.
type Balance struct {
	Spendable uint64 `json:"spendable"`
	Locked    uint64 `json:"locked"`
	Pending   uint64 `json:"pending"`
}

// Set is an in-memory arena of owned outputs keyed by outpoint. It is safe
// for concurrent use.
type Set struct {
	mu      sync.RWMutex
	entries map[types.Outpoint]*Entry
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{entries: make(map[types.Outpoint]*Entry)}
}

// Put inserts or refreshes an output. An existing entry keeps its status.
func (s *Set) Put(u UTXO) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[u.Outpoint]; ok {
		e.UTXO = u
		return
	}
	s.entries[u.Outpoint] = &Entry{UTXO: u}
}

// PutEntry inserts an output with an explicit status (used when restoring).
func (s *Set) PutEntry(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := e
	s.entries[e.Outpoint] = &cp
}

// Get returns the entry for an outpoint.
func (s *Set) Get(op types.Outpoint) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[op]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Has reports whether the outpoint is tracked.
func (s *Set) Has(op types.Outpoint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[op]
	return ok
}

// Remove drops an outpoint regardless of status.
func (s *Set) Remove(op types.Outpoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[op]
	delete(s.entries, op)
	return ok
}

// Len returns the number of tracked outputs.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// MarkPending flags every outpoint as pending. Either all are marked or,
// on error, none are.
func (s *Set) MarkPending(ops []types.Outpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		e, ok := s.entries[op]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, op)
		}
		if e.Status == StatusPending {
			return fmt.Errorf("%w: %s", ErrPending, op)
		}
	}
	for _, op := range ops {
		s.entries[op].Status = StatusPending
	}
	return nil
}

// Release returns pending outpoints to available. Unknown outpoints are
// ignored.
func (s *Set) Release(ops []types.Outpoint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, op := range ops {
		if e, ok := s.entries[op]; ok && e.Status == StatusPending {
			e.Status = StatusAvailable
			n++
		}
	}
	return n
}

// Spend removes outpoints consumed by a confirmed transaction.
func (s *Set) Spend(ops []types.Outpoint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, op := range ops {
		if _, ok := s.entries[op]; ok {
			delete(s.entries, op)
			n++
		}
	}
	return n
}

// Available returns the selectable outputs in zone: status available and,
// unless includeLocked, unlocked at height. The result is ordered by
// denomination descending, then outpoint, so selection is deterministic.
func (s *Set) Available(zone types.Zone, height uint64, includeLocked bool) []UTXO {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UTXO
	for _, e := range s.entries {
		if e.Status != StatusAvailable || !e.Address.InZone(zone) {
			continue
		}
		if !includeLocked && e.Locked(height) {
			continue
		}
		out = append(out, e.UTXO)
	}
	SortDescending(out)
	return out
}

// Pending returns the pending outputs in zone.
func (s *Set) Pending(zone types.Zone) []UTXO {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UTXO
	for _, e := range s.entries {
		if e.Status == StatusPending && e.Address.InZone(zone) {
			out = append(out, e.UTXO)
		}
	}
	SortDescending(out)
	return out
}

// ByAddress returns every entry owned by addr.
func (s *Set) ByAddress(addr types.Address) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.Address == addr {
			out = append(out, *e)
		}
	}
	sortEntries(out)
	return out
}

// All returns every entry, ordered by outpoint.
func (s *Set) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sortEntries(out)
	return out
}

// Balance sums a zone's outputs at height.
func (s *Set) Balance(zone types.Zone, height uint64) Balance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var b Balance
	for _, e := range s.entries {
		if !e.Address.InZone(zone) {
			continue
		}
		switch {
		case e.Status == StatusPending:
			b.Pending += e.Denomination
		case e.Locked(height):
			b.Locked += e.Denomination
		default:
			b.Spendable += e.Denomination
		}
	}
	return b
}

// Reconcile replaces the outputs tracked for addr with current. Outputs no
// longer reported are removed and returned; a removed pending output means
// the transaction spending it confirmed.
func (s *Set) Reconcile(addr types.Address, current []UTXO) (removed []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[types.Outpoint]bool, len(current))
	for _, u := range current {
		keep[u.Outpoint] = true
		if e, ok := s.entries[u.Outpoint]; ok {
			e.UTXO = u
			continue
		}
		s.entries[u.Outpoint] = &Entry{UTXO: u}
	}
	for op, e := range s.entries {
		if e.Address == addr && !keep[op] {
			removed = append(removed, *e)
			delete(s.entries, op)
		}
	}
	sortEntries(removed)
	return removed
}

// ResetZone drops every available output in zone. Pending outputs stay so
// in-flight transactions can still be abandoned or confirmed.
func (s *Set) ResetZone(zone types.Zone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for op, e := range s.entries {
		if e.Status == StatusAvailable && e.Address.InZone(zone) {
			delete(s.entries, op)
		}
	}
}

// SortDescending orders outputs by denomination descending, then outpoint.
func SortDescending(us []UTXO) {
	sort.Slice(us, func(i, j int) bool {
		if us[i].Denomination != us[j].Denomination {
			return us[i].Denomination > us[j].Denomination
		}
		return lessOutpoint(us[i].Outpoint, us[j].Outpoint)
	})
}

// Total sums the denominations of us.
func Total(us []UTXO) uint64 {
	var total uint64
	for _, u := range us {
		total += u.Denomination
	}
	return total
}

// Outpoints returns the outpoints of us in order.
func Outpoints(us []UTXO) []types.Outpoint {
	ops := make([]types.Outpoint, len(us))
	for i, u := range us {
		ops[i] = u.Outpoint
	}
	return ops
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		return lessOutpoint(es[i].Outpoint, es[j].Outpoint)
	})
}

func lessOutpoint(a, b types.Outpoint) bool {
	if c := bytes.Compare(a.TxID[:], b.TxID[:]); c != 0 {
		return c < 0
	}
	return a.Index < b.Index
}
