package wallet

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/qiwallet/internal/utxo"
	"github.com/Klingon-tech/qiwallet/pkg/tx"
	"github.com/Klingon-tech/qiwallet/pkg/types"
	"github.com/lightningnetwork/lnd/ticker"
)

// SelectAndBuildTransaction selects outputs in zone paying target, signs
// the transaction and reserves its inputs. Nothing is reserved on failure.
func (w *Wallet) SelectAndBuildTransaction(target SpendTarget, zone types.Zone, fee uint64) (*tx.Transaction, error) {
	if err := checkDestination(target.Address, zone, types.LedgerQi); err != nil {
		return nil, err
	}
	w.writer.Lock()
	defer w.writer.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.buildLocked(zone, FewestCoinSelector{}, SelectionRequest{Target: target, Fee: fee})
}

// BuildPaymentCodeTransaction pays value to the next counterparty address
// of an open payment channel.
func (w *Wallet) BuildPaymentCodeTransaction(code string, value uint64, zone types.Zone, fee uint64) (*tx.Transaction, error) {
	w.writer.Lock()
	defer w.writer.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()

	addr, idx, err := w.book.NextSendAddress(code, zone)
	if err != nil {
		return nil, err
	}
	req := SelectionRequest{Target: SpendTarget{Address: addr, Value: value}, Fee: fee}
	t, err := w.buildLocked(zone, FewestCoinSelector{}, req)
	if err != nil {
		return nil, err
	}
	if err := w.book.CommitSendIndex(code, zone, idx); err != nil {
		return nil, err
	}
	return t, nil
}

// BuildConversionTransaction moves value from zone's Qi outputs to a Quai
// ledger address in the same zone.
func (w *Wallet) BuildConversionTransaction(target SpendTarget, zone types.Zone, fee uint64) (*tx.Transaction, error) {
	if err := checkDestination(target.Address, zone, types.LedgerQuai); err != nil {
		return nil, err
	}
	w.writer.Lock()
	defer w.writer.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.buildLocked(zone, ConversionCoinSelector{}, SelectionRequest{Target: target, Fee: fee})
}

// BuildConsolidationTransaction merges every spendable output in zone at or
// below maxDenomination (zero for all) into a fresh change address.
func (w *Wallet) BuildConsolidationTransaction(zone types.Zone, fee, maxDenomination uint64) (*tx.Transaction, error) {
	w.writer.Lock()
	defer w.writer.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()

	req := SelectionRequest{
		Target:          SpendTarget{Address: selfPayment},
		Fee:             fee,
		MaxDenomination: maxDenomination,
	}
	return w.buildLocked(zone, AggregateCoinSelector{}, req)
}

// BuildReaggregationTransaction combines small outputs in zone into exact
// higher denominations paid to a fresh change address.
func (w *Wallet) BuildReaggregationTransaction(zone types.Zone) (*tx.Transaction, error) {
	w.writer.Lock()
	defer w.writer.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()

	req := SelectionRequest{Target: SpendTarget{Address: selfPayment}}
	return w.buildLocked(zone, ReaggregationCoinSelector{}, req)
}

// selfPayment stands in for the wallet's own change address while a
// consolidation is selected. buildLocked derives the real address only once
// selection succeeds.
var selfPayment = types.Address{0xff}

// buildLocked runs selection and assembly with both locks held. Inputs are
// marked pending only once the transaction is signed.
func (w *Wallet) buildLocked(zone types.Zone, selector CoinSelector, req SelectionRequest) (*tx.Transaction, error) {
	if !zone.IsValid() {
		return nil, fmt.Errorf("%w: zone %d", ErrInvalidArgument, uint8(zone))
	}
	height := w.tips[zone].Number
	req.Height = height

	available := w.utxos.Available(zone, height, req.IncludeLocked)
	sel, err := selector.Select(available, req)
	if err != nil {
		return nil, err
	}
	if req.Target.Address == selfPayment {
		da, err := w.book.DeriveNextAddress(w.cfg.Account, zone, true)
		if err != nil {
			return nil, fmt.Errorf("change address: %w", err)
		}
		for i := range sel.SpendOutputs {
			if sel.SpendOutputs[i].Address == selfPayment {
				sel.SpendOutputs[i].Address = da.Address
			}
		}
	}

	a := NewAssembler(w.cfg.Crypto, w.book, height)
	for _, in := range sel.Inputs {
		if err := a.AddInput(in); err != nil {
			return nil, err
		}
	}
	for _, out := range sel.SpendOutputs {
		if err := a.AddOutput(out); err != nil {
			return nil, err
		}
	}
	for _, out := range sel.ChangeOutputs {
		da, err := w.book.DeriveNextAddress(w.cfg.Account, zone, true)
		if err != nil {
			return nil, fmt.Errorf("change address: %w", err)
		}
		out.Address = da.Address
		if err := a.AddOutput(out); err != nil {
			return nil, err
		}
	}

	t, err := a.Sign()
	if err != nil {
		return nil, err
	}

	ops := utxo.Outpoints(sel.Inputs)
	if err := w.utxos.MarkPending(ops); err != nil {
		return nil, err
	}
	hash := t.Hash()
	w.pending[hash] = &pendingTx{Hash: hash, Zone: zone, Inputs: ops}

	w.log.Info().
		Str("tx", hash.String()).
		Str("zone", zone.String()).
		Int("inputs", len(t.Inputs)).
		Int("outputs", len(t.Outputs)).
		Uint64("fee", sel.Fee).
		Msg("transaction built")
	return t, nil
}

// checkDestination requires addr to be on ledger and in zone.
func checkDestination(addr types.Address, zone types.Zone, ledger types.Ledger) error {
	if !zone.IsValid() {
		return fmt.Errorf("%w: zone %d", ErrInvalidArgument, uint8(zone))
	}
	if addr.IsZero() {
		return fmt.Errorf("%w: destination address is zero", ErrInvalidArgument)
	}
	if addr.Ledger() != ledger {
		return fmt.Errorf("%w: destination %s is not on the %s ledger", ErrInvalidArgument, addr, ledger)
	}
	if !addr.InZone(zone) {
		return fmt.Errorf("%w: destination %s is not in zone %s", ErrInvalidArgument, addr, zone)
	}
	return nil
}

// Send builds a payment in zone and broadcasts it.
func (w *Wallet) Send(ctx context.Context, target SpendTarget, zone types.Zone, fee uint64) (types.Hash, error) {
	t, err := w.SelectAndBuildTransaction(target, zone, fee)
	if err != nil {
		return types.Hash{}, err
	}
	return w.broadcast(ctx, t)
}

// SendToPaymentCode pays value to a payment channel counterparty.
func (w *Wallet) SendToPaymentCode(ctx context.Context, code string, value uint64, zone types.Zone, fee uint64) (types.Hash, error) {
	t, err := w.BuildPaymentCodeTransaction(code, value, zone, fee)
	if err != nil {
		return types.Hash{}, err
	}
	return w.broadcast(ctx, t)
}

// Convert moves value to a Quai ledger address and broadcasts.
func (w *Wallet) Convert(ctx context.Context, target SpendTarget, zone types.Zone, fee uint64) (types.Hash, error) {
	t, err := w.BuildConversionTransaction(target, zone, fee)
	if err != nil {
		return types.Hash{}, err
	}
	return w.broadcast(ctx, t)
}

// Consolidate merges zone's outputs and broadcasts.
func (w *Wallet) Consolidate(ctx context.Context, zone types.Zone, fee, maxDenomination uint64) (types.Hash, error) {
	t, err := w.BuildConsolidationTransaction(zone, fee, maxDenomination)
	if err != nil {
		return types.Hash{}, err
	}
	return w.broadcast(ctx, t)
}

// Reaggregate combines zone's small outputs and broadcasts.
func (w *Wallet) Reaggregate(ctx context.Context, zone types.Zone) (types.Hash, error) {
	t, err := w.BuildReaggregationTransaction(zone)
	if err != nil {
		return types.Hash{}, err
	}
	return w.broadcast(ctx, t)
}

// broadcast submits t. On failure the inputs stay reserved, since the
// transaction may have reached the network; AbandonTransaction frees them.
func (w *Wallet) broadcast(ctx context.Context, t *tx.Transaction) (types.Hash, error) {
	hash := t.Hash()
	if w.cfg.Provider == nil {
		return hash, errNoProvider
	}
	got, err := w.cfg.Provider.BroadcastTransaction(ctx, t)
	if err != nil {
		w.log.Warn().Err(err).Str("tx", hash.String()).Msg("broadcast failed; inputs stay pending")
		return hash, fmt.Errorf("broadcast %s: %w", hash, err)
	}
	if got != hash {
		w.log.Warn().Str("tx", hash.String()).Str("node", got.String()).Msg("node reported a different transaction hash")
	}
	return hash, nil
}

// WaitForTransaction polls for the receipt of a broadcast transaction. On
// success the reserved inputs are dropped; a failed transaction releases
// them.
func (w *Wallet) WaitForTransaction(ctx context.Context, hash types.Hash) (*types.Receipt, error) {
	if w.cfg.Provider == nil {
		return nil, errNoProvider
	}
	t := ticker.New(w.cfg.ConfirmPollInterval)
	t.Resume()
	defer t.Stop()

	for {
		r, err := w.cfg.Provider.GetTransactionReceipt(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("receipt %s: %w", hash, err)
		}
		if r != nil {
			w.settle(hash, r.Succeeded())
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.Ticks():
		}
	}
}

func (w *Wallet) settle(hash types.Hash, succeeded bool) {
	w.writer.Lock()
	defer w.writer.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.pending[hash]
	if !ok {
		return
	}
	delete(w.pending, hash)
	if succeeded {
		n := w.utxos.Spend(p.Inputs)
		w.log.Info().Str("tx", hash.String()).Int("spent", n).Msg("transaction confirmed")
		return
	}
	n := w.utxos.Release(p.Inputs)
	w.log.Warn().Str("tx", hash.String()).Int("released", n).Msg("transaction failed; inputs released")
}

// AbandonTransaction releases the inputs reserved by a transaction that
// will not confirm.
func (w *Wallet) AbandonTransaction(hash types.Hash) error {
	w.writer.Lock()
	defer w.writer.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.pending[hash]
	if !ok {
		return fmt.Errorf("%w: no pending transaction %s", ErrInvalidArgument, hash)
	}
	delete(w.pending, hash)
	n := w.utxos.Release(p.Inputs)
	w.log.Info().Str("tx", hash.String()).Int("released", n).Msg("transaction abandoned")
	return nil
}
