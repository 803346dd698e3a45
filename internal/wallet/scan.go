package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/qiwallet/internal/utxo"
	"github.com/Klingon-tech/qiwallet/pkg/types"
	"golang.org/x/sync/errgroup"
)

// ScanResult summarises one Scan or Sync of a zone.
type ScanResult struct {
	Zone types.Zone
	Tip  types.BlockRef
	// Queried counts provider lookups; Skipped counts addresses already
	// synced at Tip.
	Queried int
	Skipped int
	// Derived counts addresses created during discovery.
	Derived int
	// Used counts queried addresses holding outputs.
	Used      int
	Outpoints int
	// Spent counts pending outputs that disappeared, i.e. confirmed spends.
	Spent int
	// Dropped counts available outputs that disappeared.
	Dropped int
	// Exhausted names the branches that ended on the gap limit.
	Exhausted []string
}

// scanBranch is one derivation sequence walked by discovery.
type scanBranch struct {
	name  string
	known []*DerivedAddress
	// derive extends the branch; nil for pools without a derivation order.
	derive func() (*DerivedAddress, error)
}

// Scan rebuilds the zone's outputs from the chain. Available outputs are
// dropped first; pending outputs are kept until the chain shows them spent.
// Every known address is queried and each branch is extended until
// GapLimit consecutive addresses are empty.
func (w *Wallet) Scan(ctx context.Context, zone types.Zone) (*ScanResult, error) {
	return w.discover(ctx, zone, false)
}

// Sync refreshes the zone's outputs. Addresses already synced at the
// current tip are not queried again; branches are still extended up to the
// gap limit.
func (w *Wallet) Sync(ctx context.Context, zone types.Zone) (*ScanResult, error) {
	return w.discover(ctx, zone, true)
}

func (w *Wallet) discover(ctx context.Context, zone types.Zone, incremental bool) (*ScanResult, error) {
	if !zone.IsValid() {
		return nil, fmt.Errorf("%w: zone %d", ErrInvalidArgument, uint8(zone))
	}
	if w.cfg.Provider == nil {
		return nil, errNoProvider
	}

	w.writer.Lock()
	defer w.writer.Unlock()

	tip, err := w.cfg.Provider.GetBlock(ctx, zone, BlockLatest)
	if err != nil {
		return nil, fmt.Errorf("tip of %s: %w", zone, err)
	}

	res := &ScanResult{Zone: zone, Tip: tip}
	l := w.scanLog.With().Str("zone", zone.String()).Uint64("tip", tip.Number).Logger()
	l.Info().Bool("incremental", incremental).Msg("discovery started")

	// Query results are held back until every branch has been walked, so
	// a failed query leaves the wallet untouched.
	var hits []scanHit
	for _, b := range w.scanBranches(zone) {
		found, err := w.walkBranch(ctx, b, tip, incremental, res)
		if err != nil {
			l.Error().Err(err).Str("branch", b.name).Msg("discovery aborted")
			return nil, err
		}
		hits = append(hits, found...)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !incremental {
		w.utxos.ResetZone(zone)
	}
	for _, h := range hits {
		if err := w.applyOutpoints(h, tip, res); err != nil {
			return nil, err
		}
	}
	if tip.Number >= w.tips[zone].Number {
		w.tips[zone] = tip
	}
	w.prunePending(zone)

	l.Info().
		Int("queried", res.Queried).
		Int("skipped", res.Skipped).
		Int("derived", res.Derived).
		Int("used", res.Used).
		Int("outpoints", res.Outpoints).
		Int("spent", res.Spent).
		Msg("discovery finished")
	return res, nil
}

// scanHit is the query result of one address, waiting to be applied.
type scanHit struct {
	addr    *DerivedAddress
	current []utxo.UTXO
	// reported is the sum of every denomination the provider returned,
	// including entries that were ignored.
	reported uint64
	// balance is the provider's own balance of addr; only fetched for
	// addresses holding outputs.
	balance    uint64
	hasBalance bool
}

// scanBranches lists every branch of zone: both BIP-44 chains of each
// account, imported keys and each payment channel's self sub-tree.
func (w *Wallet) scanBranches(zone types.Zone) []scanBranch {
	w.mu.RLock()
	defer w.mu.RUnlock()

	accounts := w.book.Accounts()
	if !w.book.hd.accounts[w.cfg.Account] {
		accounts = append(accounts, w.cfg.Account)
	}

	var out []scanBranch
	for _, account := range accounts {
		for _, change := range []bool{false, true} {
			name := fmt.Sprintf("account %d external", account)
			if change {
				name = fmt.Sprintf("account %d change", account)
			}
			out = append(out, scanBranch{
				name:  name,
				known: w.book.hd.branchAddresses(account, zone, change),
				derive: func() (*DerivedAddress, error) {
					return w.book.DeriveNextAddress(account, zone, change)
				},
			})
		}
	}

	var imported []*DerivedAddress
	for _, da := range w.book.imported.Addresses() {
		if da.Zone == zone {
			imported = append(imported, da)
		}
	}
	if len(imported) > 0 {
		out = append(out, scanBranch{name: "imported", known: imported})
	}

	for _, code := range w.book.channelOrder {
		cs := w.book.channels[code]
		out = append(out, scanBranch{
			name:  "channel " + code,
			known: cs.zoneAddresses(zone),
			derive: func() (*DerivedAddress, error) {
				return cs.deriveSelf(zone)
			},
		})
	}
	return out
}

// walkBranch queries b window by window. A window holds GapLimit-gap
// addresses: known ones first, then newly derived ones while the gap is
// open. Queries in a window run concurrently; the results are returned in
// index order for the caller to apply.
func (w *Wallet) walkBranch(ctx context.Context, b scanBranch, tip types.BlockRef, incremental bool, res *ScanResult) ([]scanHit, error) {
	limit := w.cfg.GapLimit
	gap, pos := 0, 0
	derive := b.derive
	var hits []scanHit

	for {
		size := limit - gap
		if size <= 0 {
			if pos >= len(b.known) {
				break
			}
			size = limit
		}

		window := make([]*DerivedAddress, 0, size)
		for pos < len(b.known) && len(window) < size {
			window = append(window, b.known[pos])
			pos++
		}
		if len(window) < size && gap < limit && derive != nil {
			w.mu.Lock()
			for len(window) < size {
				da, err := derive()
				if errors.Is(err, ErrWalletLocked) {
					w.scanLog.Warn().Str("branch", b.name).Msg("wallet locked; branch not extended")
					derive = nil
					break
				}
				if err != nil {
					w.mu.Unlock()
					return nil, fmt.Errorf("derive on %s: %w", b.name, err)
				}
				window = append(window, da)
				res.Derived++
			}
			w.mu.Unlock()
		}
		if len(window) == 0 {
			break
		}

		skip := make([]bool, len(window))
		if incremental {
			w.mu.RLock()
			for i, da := range window {
				skip[i] = da.Status != StatusUnused && da.LastSyncedBlock.Number >= tip.Number
			}
			w.mu.RUnlock()
		}
		found, err := w.queryWindow(ctx, window, skip)
		if err != nil {
			return nil, err
		}

		for i, da := range window {
			if skip[i] {
				res.Skipped++
				w.mu.RLock()
				used := da.Status == StatusUsed
				w.mu.RUnlock()
				if used {
					gap = 0
				} else {
					gap++
				}
				continue
			}
			res.Queried++
			hits = append(hits, found[i])
			if len(found[i].current) > 0 {
				gap = 0
			} else {
				gap++
			}
		}

		if derive == nil && pos >= len(b.known) {
			break
		}
	}

	if b.derive != nil && gap >= limit {
		res.Exhausted = append(res.Exhausted, b.name)
		w.scanLog.Debug().
			Err(ErrGapLimitExceeded).
			Str("branch", b.name).
			Int("gap", gap).
			Msg("branch ended")
	}
	return hits, nil
}

// queryWindow fetches the outputs of every address not skipped, and the
// balance of each one that holds any. Any outpoint query error fails the
// whole window.
func (w *Wallet) queryWindow(ctx context.Context, window []*DerivedAddress, skip []bool) ([]scanHit, error) {
	found := make([]scanHit, len(window))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.ScanConcurrency)
	for i, da := range window {
		if skip[i] {
			continue
		}
		g.Go(func() error {
			entries, err := w.cfg.Provider.GetOutpointsByAddress(gctx, da.Address)
			if err != nil {
				return fmt.Errorf("outpoints of %s: %w", da.Address, err)
			}
			hit := w.toHit(da, entries)
			if len(entries) > 0 {
				bal, err := w.cfg.Provider.GetBalance(gctx, da.Address, BlockLatest)
				if err != nil {
					w.scanLog.Warn().Err(err).Str("address", da.Address.String()).Msg("balance query failed")
				} else {
					hit.balance, hit.hasBalance = bal, true
				}
			}
			found[i] = hit
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return found, nil
}

// toHit converts provider entries for da into outputs. Entries that are not
// valid outputs are logged and left out.
func (w *Wallet) toHit(da *DerivedAddress, entries []types.OutpointEntry) scanHit {
	hit := scanHit{addr: da, current: make([]utxo.UTXO, 0, len(entries))}
	for _, e := range entries {
		hit.reported += e.Denomination
		u, err := utxo.New(e.Outpoint, da.Address, e.Denomination, e.Lock)
		if err != nil {
			w.scanLog.Warn().
				Err(err).
				Str("address", da.Address.String()).
				Str("outpoint", e.Outpoint.String()).
				Msg("ignoring outpoint")
			continue
		}
		hit.current = append(hit.current, u)
	}
	return hit
}

// applyOutpoints records the query result of one address through the
// address book. Called with mu held.
func (w *Wallet) applyOutpoints(h scanHit, tip types.BlockRef, res *ScanResult) error {
	addr := h.addr.Address
	if h.hasBalance && h.balance != h.reported {
		w.scanLog.Warn().
			Str("address", addr.String()).
			Uint64("balance", h.balance).
			Uint64("outpoints", h.reported).
			Msg("provider balance disagrees with outpoints")
	}

	for _, gone := range w.utxos.Reconcile(addr, h.current) {
		if gone.Status == utxo.StatusPending {
			res.Spent++
		} else {
			res.Dropped++
		}
	}

	var err error
	if len(h.current) > 0 {
		err = w.book.MarkUsed(addr)
		res.Used++
		res.Outpoints += len(h.current)
	} else {
		err = w.book.MarkAttempted(addr)
	}
	if err != nil {
		return err
	}
	return w.book.SetSynced(addr, tip)
}

// prunePending forgets pending transactions of zone whose inputs are all
// gone from the set. Called with mu held.
func (w *Wallet) prunePending(zone types.Zone) {
	for h, p := range w.pending {
		if p.Zone != zone {
			continue
		}
		live := false
		for _, op := range p.Inputs {
			if w.utxos.Has(op) {
				live = true
				break
			}
		}
		if !live {
			delete(w.pending, h)
			w.scanLog.Info().Str("tx", h.String()).Msg("pending transaction confirmed by chain state")
		}
	}
}
