package wallet

import (
	"fmt"
	"math"
	"sort"

	"github.com/Klingon-tech/qiwallet/internal/log"
	"github.com/Klingon-tech/qiwallet/internal/utxo"
	"github.com/Klingon-tech/qiwallet/pkg/denom"
	"github.com/Klingon-tech/qiwallet/pkg/tx"
	"github.com/Klingon-tech/qiwallet/pkg/types"
)

// SpendTarget is a requested payment.
type SpendTarget struct {
	Address types.Address
	Value   uint64
}

// SelectionRequest parameterises a coin selector.
type SelectionRequest struct {
	Target SpendTarget
	Fee    uint64
	// IncludeLocked admits outputs still locked at Height.
	IncludeLocked bool
	Height        uint64
	// MaxDenomination, when non-zero, restricts aggregation to outputs at
	// or below this denomination.
	MaxDenomination uint64
}

// CoinSelection holds the result of coin selection.
// Inputs sum to SpendOutputs + ChangeOutputs + Fee.
type CoinSelection struct {
	Inputs       []utxo.UTXO
	SpendOutputs []tx.Output
	// ChangeOutputs have no address; the caller assigns a fresh change
	// address to each.
	ChangeOutputs []tx.Output
	Fee           uint64
	// Groups lists, per spend output, the inputs combined into it. Only
	// reaggregation fills it.
	Groups [][]utxo.UTXO
}

// InputTotal returns the sum of the selected inputs.
func (c *CoinSelection) InputTotal() uint64 {
	return utxo.Total(c.Inputs)
}

// SpendTotal returns the sum of the spend outputs.
func (c *CoinSelection) SpendTotal() uint64 {
	return outputTotal(c.SpendOutputs)
}

// ChangeTotal returns the sum of the change outputs.
func (c *CoinSelection) ChangeTotal() uint64 {
	return outputTotal(c.ChangeOutputs)
}

// CoinSelector turns the available outputs and a request into a selection.
// The set of selectors is closed: FewestCoinSelector, ConversionCoinSelector,
// AggregateCoinSelector and ReaggregationCoinSelector.
type CoinSelector interface {
	Select(available []utxo.UTXO, req SelectionRequest) (*CoinSelection, error)

	coinSelector()
}

// FewestCoinSelector is the default spend strategy. It prefers the smallest
// single output covering the target, otherwise accumulates outputs that keep
// the running total closest to the target, then drops inputs that are not
// needed.
type FewestCoinSelector struct{}

// ConversionCoinSelector selects like FewestCoinSelector for a transfer to
// the other ledger. Spend outputs are not capped by the largest input.
type ConversionCoinSelector struct{}

var (
	_ CoinSelector = FewestCoinSelector{}
	_ CoinSelector = ConversionCoinSelector{}
)

func (FewestCoinSelector) coinSelector()     {}
func (ConversionCoinSelector) coinSelector() {}

// Select implements CoinSelector.
func (FewestCoinSelector) Select(available []utxo.UTXO, req SelectionRequest) (*CoinSelection, error) {
	return selectFewest(available, req, true)
}

// Select implements CoinSelector.
func (ConversionCoinSelector) Select(available []utxo.UTXO, req SelectionRequest) (*CoinSelection, error) {
	return selectFewest(available, req, false)
}

func selectFewest(available []utxo.UTXO, req SelectionRequest, bounded bool) (*CoinSelection, error) {
	if req.Target.Value == 0 {
		return nil, fmt.Errorf("%w: target value must be positive", ErrInvalidArgument)
	}
	if req.Target.Address.IsZero() {
		return nil, fmt.Errorf("%w: target address is zero", ErrInvalidArgument)
	}
	if req.Target.Value > math.MaxUint64-req.Fee {
		return nil, fmt.Errorf("%w: target plus fee overflows", ErrInvalidArgument)
	}
	need := req.Target.Value + req.Fee

	candidates, err := eligible(available, req)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrInsufficientFunds, ErrNoUTXOs)
	}
	if have := utxo.Total(candidates); have < need {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, have, need)
	}

	inputs := pickFewest(candidates, need)
	total := utxo.Total(inputs)

	maxDenom := denom.Max()
	if bounded {
		maxDenom = inputs[0].Denomination
	}

	spend, err := denominate(req.Target.Value, maxDenom, req.Target.Address)
	if err != nil {
		return nil, err
	}
	var change []tx.Output
	if rest := total - need; rest > 0 {
		change, err = denominate(rest, inputs[0].Denomination, types.Address{})
		if err != nil {
			return nil, err
		}
	}

	log.Select.Debug().
		Int("candidates", len(candidates)).
		Int("inputs", len(inputs)).
		Uint64("target", req.Target.Value).
		Uint64("change", total-need).
		Msg("fewest-coin selection")

	return &CoinSelection{
		Inputs:        inputs,
		SpendOutputs:  spend,
		ChangeOutputs: change,
		Fee:           req.Fee,
	}, nil
}

// pickFewest chooses inputs covering need from candidates sorted by
// denomination descending. The result is sorted the same way.
func pickFewest(candidates []utxo.UTXO, need uint64) []utxo.UTXO {
	// The last candidate at or above need is the smallest single cover.
	best := -1
	for i, c := range candidates {
		if c.Denomination < need {
			break
		}
		best = i
	}
	if best >= 0 {
		return []utxo.UTXO{candidates[best]}
	}

	// Candidates differ only by denomination, so the closest-total choice is
	// made per denomination bucket.
	var buckets [][]utxo.UTXO
	for _, c := range candidates {
		n := len(buckets)
		if n > 0 && buckets[n-1][0].Denomination == c.Denomination {
			buckets[n-1] = append(buckets[n-1], c)
			continue
		}
		buckets = append(buckets, []utxo.UTXO{c})
	}

	var selected []utxo.UTXO
	var sum uint64
	for sum < need {
		pick := -1
		var pickDiff uint64
		for i, b := range buckets {
			if len(b) == 0 {
				continue
			}
			d := absDiff(sum+b[0].Denomination, need)
			if pick < 0 || d < pickDiff {
				pick, pickDiff = i, d
			}
		}
		if pick < 0 {
			break
		}
		selected = append(selected, buckets[pick][0])
		sum += buckets[pick][0].Denomination
		buckets[pick] = buckets[pick][1:]
	}

	return prune(selected, need)
}

// prune drops inputs, smallest first, whose removal still leaves need covered.
func prune(selected []utxo.UTXO, need uint64) []utxo.UTXO {
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Denomination < selected[j].Denomination
	})
	sum := utxo.Total(selected)
	kept := selected[:0]
	for _, u := range selected {
		if sum-u.Denomination >= need {
			sum -= u.Denomination
			continue
		}
		kept = append(kept, u)
	}
	utxo.SortDescending(kept)
	return kept
}

// eligible validates every candidate and returns the spendable ones sorted
// by denomination descending.
func eligible(available []utxo.UTXO, req SelectionRequest) ([]utxo.UTXO, error) {
	out := make([]utxo.UTXO, 0, len(available))
	for _, u := range available {
		if u.Address.IsZero() {
			return nil, fmt.Errorf("%w: %s has no address", ErrInvalidUTXO, u.Outpoint)
		}
		if !denom.IsValid(u.Denomination) {
			return nil, fmt.Errorf("%w: %s has denomination %d", ErrInvalidUTXO, u.Outpoint, u.Denomination)
		}
		if !req.IncludeLocked && u.Locked(req.Height) {
			continue
		}
		out = append(out, u)
	}
	utxo.SortDescending(out)
	return out, nil
}

// denominate decomposes value into outputs to addr, none above max.
func denominate(value, max uint64, addr types.Address) ([]tx.Output, error) {
	parts, err := denom.DecomposeMax(value, max)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	outs := make([]tx.Output, len(parts))
	for i, p := range parts {
		outs[i] = tx.Output{Denomination: p, Address: addr}
	}
	return outs, nil
}

func outputTotal(outs []tx.Output) uint64 {
	var total uint64
	for _, o := range outs {
		total += o.Denomination
	}
	return total
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
