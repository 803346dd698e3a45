package wallet

import (
	"fmt"

	"github.com/Klingon-tech/qiwallet/internal/log"
	"github.com/Klingon-tech/qiwallet/internal/utxo"
	"github.com/Klingon-tech/qiwallet/pkg/denom"
	"github.com/Klingon-tech/qiwallet/pkg/tx"
)

// DefaultMaxSubsetSums bounds the number of partial sums the reaggregation
// search keeps per tier.
const DefaultMaxSubsetSums = 1 << 16

// AggregateCoinSelector consolidates every eligible output into the fewest
// denominations paying the target address. It never produces change.
type AggregateCoinSelector struct{}

// ReaggregationCoinSelector combines smaller outputs into exact outputs of
// a higher tier, largest tier first. Outputs that fit no exact combination
// are left alone. It never produces change and requires a zero fee.
type ReaggregationCoinSelector struct {
	// MaxSubsetSums caps the partial sums explored per tier search;
	// zero means DefaultMaxSubsetSums.
	MaxSubsetSums int
}

var (
	_ CoinSelector = AggregateCoinSelector{}
	_ CoinSelector = ReaggregationCoinSelector{}
)

func (AggregateCoinSelector) coinSelector()     {}
func (ReaggregationCoinSelector) coinSelector() {}

// Select implements CoinSelector. The target value is ignored.
func (AggregateCoinSelector) Select(available []utxo.UTXO, req SelectionRequest) (*CoinSelection, error) {
	if req.Target.Address.IsZero() {
		return nil, fmt.Errorf("%w: consolidation address is zero", ErrInvalidArgument)
	}
	all, err := eligible(available, req)
	if err != nil {
		return nil, err
	}
	candidates := all[:0]
	for _, u := range all {
		if req.MaxDenomination == 0 || u.Denomination <= req.MaxDenomination {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoUTXOs
	}

	total := utxo.Total(candidates)
	if total <= req.Fee {
		return nil, fmt.Errorf("%w: total %d does not cover fee %d", ErrInsufficientFunds, total, req.Fee)
	}
	spend, err := denominate(total-req.Fee, denom.Max(), req.Target.Address)
	if err != nil {
		return nil, err
	}
	if len(spend) >= len(candidates) {
		return nil, fmt.Errorf("%w: %d inputs would become %d outputs", ErrNothingToAggregate, len(candidates), len(spend))
	}

	log.Select.Debug().
		Int("inputs", len(candidates)).
		Int("outputs", len(spend)).
		Uint64("fee", req.Fee).
		Msg("aggregate selection")

	return &CoinSelection{
		Inputs:       candidates,
		SpendOutputs: spend,
		Fee:          req.Fee,
	}, nil
}

// Select implements CoinSelector. The target value is ignored.
func (r ReaggregationCoinSelector) Select(available []utxo.UTXO, req SelectionRequest) (*CoinSelection, error) {
	if req.Fee != 0 {
		return nil, fmt.Errorf("%w: reaggregation takes no fee", ErrInvalidArgument)
	}
	if req.Target.Address.IsZero() {
		return nil, fmt.Errorf("%w: consolidation address is zero", ErrInvalidArgument)
	}
	all, err := eligible(available, req)
	if err != nil {
		return nil, err
	}

	// The top tier has nothing above it to combine into.
	remaining := make([]utxo.UTXO, 0, len(all))
	for _, u := range all {
		if u.Denomination != denom.Max() {
			remaining = append(remaining, u)
		}
	}
	if len(remaining) == 0 {
		return nil, ErrNoUTXOs
	}

	limit := r.MaxSubsetSums
	if limit <= 0 {
		limit = DefaultMaxSubsetSums
	}

	sel := &CoinSelection{}
	tiers := denom.All()
	for ti := len(tiers) - 1; ti > 0; ti-- {
		tier := tiers[ti]
		for {
			var smaller []utxo.UTXO
			for _, u := range remaining {
				if u.Denomination < tier {
					smaller = append(smaller, u)
				}
			}
			if utxo.Total(smaller) < tier {
				break
			}
			picked := exactSubset(smaller, tier, limit)
			if picked == nil {
				break
			}

			group := make([]utxo.UTXO, len(picked))
			used := make(map[int]bool, len(picked))
			for i, idx := range picked {
				group[i] = smaller[idx]
				used[idx] = true
			}
			rest := remaining[:0]
			for _, u := range remaining {
				if u.Denomination >= tier {
					rest = append(rest, u)
				}
			}
			for i, u := range smaller {
				if !used[i] {
					rest = append(rest, u)
				}
			}
			remaining = rest
			utxo.SortDescending(remaining)

			sel.Inputs = append(sel.Inputs, group...)
			sel.SpendOutputs = append(sel.SpendOutputs, tx.Output{Denomination: tier, Address: req.Target.Address})
			sel.Groups = append(sel.Groups, group)
		}
	}

	if len(sel.SpendOutputs) == 0 {
		return nil, ErrNothingToAggregate
	}

	log.Select.Debug().
		Int("inputs", len(sel.Inputs)).
		Int("outputs", len(sel.SpendOutputs)).
		Int("untouched", len(remaining)).
		Msg("reaggregation selection")

	return sel, nil
}

// exactSubset searches for items whose denominations sum to exactly target
// and returns their indices, or nil. It is a 0/1 subset-sum over reachable
// sums, pruning sums above target and keeping at most limit partial sums.
func exactSubset(items []utxo.UTXO, target uint64, limit int) []int {
	type step struct {
		prev uint64
		item int
	}
	reach := map[uint64]step{0: {item: -1}}
	sums := []uint64{0}

	for i, it := range items {
		n := len(sums)
		for j := 0; j < n; j++ {
			s := sums[j] + it.Denomination
			if s > target {
				continue
			}
			if _, seen := reach[s]; seen {
				continue
			}
			if s != target && len(sums) >= limit {
				continue
			}
			reach[s] = step{prev: sums[j], item: i}
			if s == target {
				var picked []int
				for cur := s; cur != 0; {
					st := reach[cur]
					picked = append(picked, st.item)
					cur = st.prev
				}
				return picked
			}
			sums = append(sums, s)
		}
	}
	return nil
}
