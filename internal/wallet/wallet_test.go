package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/qiwallet/pkg/crypto"
	"github.com/Klingon-tech/qiwallet/pkg/tx"
	"github.com/Klingon-tech/qiwallet/pkg/types"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"
)

// fakeProvider is an in-memory ChainProvider.
type fakeProvider struct {
	mu        sync.Mutex
	tip       types.BlockRef
	outpoints map[types.Address][]types.OutpointEntry
	queries   map[types.Address]int
	failAll   error
	sent      []*tx.Transaction
	sendErr   error
	receipts  map[types.Hash]*types.Receipt
}

func newFakeProvider(height uint64) *fakeProvider {
	return &fakeProvider{
		tip:       types.BlockRef{Number: height, Hash: types.Hash{byte(height)}},
		outpoints: make(map[types.Address][]types.OutpointEntry),
		queries:   make(map[types.Address]int),
		receipts:  make(map[types.Hash]*types.Receipt),
	}
}

func (p *fakeProvider) fund(addr types.Address, txid byte, values ...uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, v := range values {
		p.outpoints[addr] = append(p.outpoints[addr], types.OutpointEntry{
			Outpoint:     types.Outpoint{TxID: types.Hash{txid}, Index: uint32(i)},
			Denomination: v,
		})
	}
}

func (p *fakeProvider) setTip(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tip = types.BlockRef{Number: n, Hash: types.Hash{byte(n)}}
}

func (p *fakeProvider) queryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.queries {
		n += c
	}
	return n
}

func (p *fakeProvider) GetOutpointsByAddress(_ context.Context, addr types.Address) ([]types.OutpointEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll != nil {
		return nil, p.failAll
	}
	p.queries[addr]++
	return append([]types.OutpointEntry(nil), p.outpoints[addr]...), nil
}

func (p *fakeProvider) GetBalance(_ context.Context, addr types.Address, _ string) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total uint64
	for _, e := range p.outpoints[addr] {
		total += e.Denomination
	}
	return total, nil
}

func (p *fakeProvider) GetBlock(_ context.Context, _ types.Zone, _ string) (types.BlockRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tip, nil
}

func (p *fakeProvider) BroadcastTransaction(_ context.Context, t *tx.Transaction) (types.Hash, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return types.Hash{}, p.sendErr
	}
	p.sent = append(p.sent, t)
	return t.Hash(), nil
}

func (p *fakeProvider) GetTransactionReceipt(_ context.Context, hash types.Hash) (*types.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.receipts[hash], nil
}

func (p *fakeProvider) confirm(hash types.Hash, status uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receipts[hash] = &types.Receipt{TxHash: hash, BlockNumber: p.tip.Number + 1, Status: status}
}

func testWallet(t *testing.T, p *fakeProvider) *Wallet {
	t.Helper()
	cfg := Config{ConfirmPollInterval: time.Millisecond}
	if p != nil {
		cfg.Provider = p
	}
	w, err := New(testSeedBytes(t), cfg)
	require.NoError(t, err)
	return w
}

// peerAddresses derives the first n external Cyprus1 addresses of the test
// seed on a separate wallet, matching what discovery will derive.
func peerAddresses(t *testing.T, n int) []*DerivedAddress {
	t.Helper()
	peer := testWallet(t, nil)
	out := make([]*DerivedAddress, n)
	for i := range out {
		da, err := peer.DeriveNextAddress(0, types.Cyprus1, false)
		require.NoError(t, err)
		out[i] = da
	}
	return out
}

// fundedWallet scans a wallet whose fourth external address holds values.
func fundedWallet(t *testing.T, values ...uint64) (*Wallet, *fakeProvider, types.Address) {
	t.Helper()
	addrs := peerAddresses(t, 4)
	p := newFakeProvider(100)
	p.fund(addrs[3].Address, 0xaa, values...)
	w := testWallet(t, p)
	_, err := w.Scan(context.Background(), types.Cyprus1)
	require.NoError(t, err)
	return w, p, addrs[3].Address
}

// randomImportKey returns a raw key whose address is a Qi address in zone.
func randomImportKey(t *testing.T, zone types.Zone) []byte {
	t.Helper()
	for {
		priv, err := secp256k1.GeneratePrivateKey()
		require.NoError(t, err)
		addr := crypto.AddressFromPubKey(priv.PubKey().SerializeCompressed())
		if addr.IsQi() && addr.InZone(zone) {
			return priv.Serialize()
		}
	}
}

func countBranch(addrs []*DerivedAddress, change bool) int {
	n := 0
	for _, da := range addrs {
		if da.Source == SourceBIP44 && da.Change == change {
			n++
		}
	}
	return n
}

func TestNew_InvalidSeed(t *testing.T) {
	_, err := New([]byte{1, 2, 3}, Config{})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDeriveNextAddress_ZoneAndLedger(t *testing.T) {
	w := testWallet(t, nil)
	for _, zone := range []types.Zone{types.Cyprus1, types.Paxos2, types.Hydra3} {
		prev := int64(-1)
		for i := 0; i < 3; i++ {
			da, err := w.DeriveNextAddress(0, zone, i%2 == 1)
			require.NoError(t, err)
			require.True(t, da.Address.IsQi(), "address %s not on Qi ledger", da.Address)
			require.True(t, da.Address.InZone(zone), "address %s not in %s", da.Address, zone)
			if !da.Change {
				require.Greater(t, int64(da.Index), prev)
				prev = int64(da.Index)
			}
		}
	}

	_, err := w.DeriveNextAddress(0, types.Zone(3), false)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestScan_GapLimitDerivations(t *testing.T) {
	p := newFakeProvider(10)
	w := testWallet(t, p)

	res, err := w.Scan(context.Background(), types.Cyprus1)
	require.NoError(t, err)
	require.Equal(t, 2*DefaultGapLimit, res.Derived)
	require.Equal(t, 2*DefaultGapLimit, res.Queried)
	require.Zero(t, res.Used)
	require.Len(t, res.Exhausted, 2)

	addrs := w.Addresses(types.Cyprus1)
	require.Equal(t, DefaultGapLimit, countBranch(addrs, false))
	require.Equal(t, DefaultGapLimit, countBranch(addrs, true))
	for _, da := range addrs {
		require.Equal(t, StatusAttempted, da.Status)
		require.Equal(t, uint64(10), da.LastSyncedBlock.Number)
	}
	require.Equal(t, uint64(10), w.Tip(types.Cyprus1).Number)
}

func TestScan_FindsOutputsAndExtends(t *testing.T) {
	w, _, funded := fundedWallet(t, 1000, 5)

	addrs := w.Addresses(types.Cyprus1)
	// The used address at position 3 reopens the gap: 4 + 20 external.
	require.Equal(t, 4+DefaultGapLimit, countBranch(addrs, false))
	require.Equal(t, DefaultGapLimit, countBranch(addrs, true))

	for _, da := range addrs {
		if da.Address == funded {
			require.Equal(t, StatusUsed, da.Status)
		} else {
			require.Equal(t, StatusAttempted, da.Status)
		}
	}
	require.Equal(t, uint64(1005), w.SpendableBalance(types.Cyprus1))
	require.Len(t, w.Outpoints(types.Cyprus1), 2)
	require.Zero(t, w.SpendableBalance(types.Paxos2))
}

func TestScan_ProviderErrorAppliesNothing(t *testing.T) {
	p := newFakeProvider(10)
	p.failAll = errors.New("node unreachable")
	w := testWallet(t, p)

	_, err := w.Scan(context.Background(), types.Cyprus1)
	require.Error(t, err)
	require.Empty(t, w.Outpoints(types.Cyprus1))
	for _, da := range w.Addresses(types.Cyprus1) {
		require.Equal(t, StatusUnused, da.Status)
	}
}

func TestScan_FailedRescanKeepsOutputs(t *testing.T) {
	w, p, funded := fundedWallet(t, 1000, 5)
	before := w.Addresses(types.Cyprus1)

	p.setTip(101)
	p.mu.Lock()
	p.failAll = errors.New("node unreachable")
	p.mu.Unlock()

	_, err := w.Scan(context.Background(), types.Cyprus1)
	require.Error(t, err)
	require.Equal(t, uint64(1005), w.SpendableBalance(types.Cyprus1))
	require.Len(t, w.Outpoints(types.Cyprus1), 2)
	require.Equal(t, uint64(100), w.Tip(types.Cyprus1).Number)

	da, ok := w.book.Lookup(funded)
	require.True(t, ok)
	require.Equal(t, StatusUsed, da.Status)
	for _, da := range before {
		require.Equal(t, uint64(100), da.LastSyncedBlock.Number)
	}

	p.mu.Lock()
	p.failAll = nil
	p.mu.Unlock()
	_, err = w.Sync(context.Background(), types.Cyprus1)
	require.NoError(t, err)
	require.Equal(t, uint64(1005), w.SpendableBalance(types.Cyprus1))
	require.Equal(t, uint64(101), w.Tip(types.Cyprus1).Number)
}

// skewedBalance reports a balance that disagrees with the outpoints.
type skewedBalance struct{ *fakeProvider }

func (s skewedBalance) GetBalance(ctx context.Context, addr types.Address, tag string) (uint64, error) {
	bal, err := s.fakeProvider.GetBalance(ctx, addr, tag)
	return bal + 1, err
}

func TestScan_BalanceMismatchUsesOutpoints(t *testing.T) {
	addrs := peerAddresses(t, 1)
	p := newFakeProvider(10)
	p.fund(addrs[0].Address, 0x21, 500)
	w, err := New(testSeedBytes(t), Config{Provider: skewedBalance{p}})
	require.NoError(t, err)

	res, err := w.Scan(context.Background(), types.Cyprus1)
	require.NoError(t, err)
	require.Equal(t, 1, res.Used)
	require.Equal(t, uint64(500), w.SpendableBalance(types.Cyprus1))
}

func TestScan_LockedOutputs(t *testing.T) {
	addrs := peerAddresses(t, 1)
	p := newFakeProvider(100)
	p.outpoints[addrs[0].Address] = []types.OutpointEntry{
		{Outpoint: types.Outpoint{TxID: types.Hash{1}}, Denomination: 500, Lock: 150},
		{Outpoint: types.Outpoint{TxID: types.Hash{2}}, Denomination: 100},
		// Not a denomination; ignored.
		{Outpoint: types.Outpoint{TxID: types.Hash{3}}, Denomination: 7},
	}
	w := testWallet(t, p)

	_, err := w.Scan(context.Background(), types.Cyprus1)
	require.NoError(t, err)
	require.Equal(t, uint64(100), w.SpendableBalance(types.Cyprus1))
	require.Equal(t, uint64(500), w.LockedBalance(types.Cyprus1))
}

func TestScan_ImportedAddressesQueried(t *testing.T) {
	p := newFakeProvider(10)
	w := testWallet(t, p)
	da, err := w.ImportPrivateKey(randomImportKey(t, types.Cyprus1))
	require.NoError(t, err)
	p.fund(da.Address, 0x11, 250)

	_, err = w.Scan(context.Background(), types.Cyprus1)
	require.NoError(t, err)
	require.Equal(t, uint64(250), w.SpendableBalance(types.Cyprus1))
}

func TestSync_SkipsSyncedAddresses(t *testing.T) {
	p := newFakeProvider(10)
	w := testWallet(t, p)
	ctx := context.Background()

	_, err := w.Scan(ctx, types.Cyprus1)
	require.NoError(t, err)
	before := p.queryCount()

	res, err := w.Sync(ctx, types.Cyprus1)
	require.NoError(t, err)
	require.Zero(t, res.Queried)
	require.Zero(t, res.Derived)
	require.Equal(t, 2*DefaultGapLimit, res.Skipped)
	require.Equal(t, before, p.queryCount())

	p.setTip(11)
	res, err = w.Sync(ctx, types.Cyprus1)
	require.NoError(t, err)
	require.Equal(t, 2*DefaultGapLimit, res.Queried)
}

func TestSync_DropsSpentOutputs(t *testing.T) {
	w, p, funded := fundedWallet(t, 1000)
	ctx := context.Background()

	p.mu.Lock()
	delete(p.outpoints, funded)
	p.mu.Unlock()
	p.setTip(101)

	res, err := w.Sync(ctx, types.Cyprus1)
	require.NoError(t, err)
	require.Equal(t, 1, res.Dropped)
	require.Zero(t, w.SpendableBalance(types.Cyprus1))
}

func TestSelectAndBuild_ReservesInputs(t *testing.T) {
	w, _, _ := fundedWallet(t, 1000)
	dest := qiAddr(types.Cyprus1, 9)

	txn, err := w.SelectAndBuildTransaction(SpendTarget{Address: dest, Value: 600}, types.Cyprus1, 0)
	require.NoError(t, err)
	require.NoError(t, txn.VerifySignature())
	require.Len(t, txn.Inputs, 1)

	var paid, change uint64
	for _, out := range txn.Outputs {
		if out.Address == dest {
			paid += out.Denomination
			continue
		}
		_, owned := w.book.Lookup(out.Address)
		require.True(t, owned, "change output to foreign address %s", out.Address)
		change += out.Denomination
	}
	require.Equal(t, uint64(600), paid)
	require.Equal(t, uint64(400), change)

	b := w.Balance(types.Cyprus1)
	require.Zero(t, b.Spendable)
	require.Equal(t, uint64(1000), b.Pending)

	_, err = w.SelectAndBuildTransaction(SpendTarget{Address: dest, Value: 1}, types.Cyprus1, 0)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	require.Len(t, w.PendingTransactions(), 1)
	require.NoError(t, w.AbandonTransaction(txn.Hash()))
	require.Equal(t, uint64(1000), w.SpendableBalance(types.Cyprus1))
	require.Empty(t, w.PendingTransactions())
	require.ErrorIs(t, w.AbandonTransaction(txn.Hash()), ErrInvalidArgument)
}

func TestSelectAndBuild_BadDestination(t *testing.T) {
	w, _, _ := fundedWallet(t, 1000)

	quai := qiAddr(types.Cyprus1, 9)
	quai[1] = 0
	_, err := w.SelectAndBuildTransaction(SpendTarget{Address: quai, Value: 10}, types.Cyprus1, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = w.SelectAndBuildTransaction(SpendTarget{Address: qiAddr(types.Paxos2, 9), Value: 10}, types.Cyprus1, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)

	require.Equal(t, uint64(1000), w.SpendableBalance(types.Cyprus1))
}

func TestSendAndWait(t *testing.T) {
	w, p, _ := fundedWallet(t, 1000, 500)
	ctx := context.Background()

	hash, err := w.Send(ctx, SpendTarget{Address: qiAddr(types.Cyprus1, 9), Value: 1500}, types.Cyprus1, 0)
	require.NoError(t, err)
	require.Len(t, p.sent, 1)
	require.Equal(t, hash, p.sent[0].Hash())

	go func() {
		time.Sleep(5 * time.Millisecond)
		p.confirm(hash, 1)
	}()
	r, err := w.WaitForTransaction(ctx, hash)
	require.NoError(t, err)
	require.True(t, r.Succeeded())

	require.Empty(t, w.Outpoints(types.Cyprus1))
	require.Empty(t, w.PendingTransactions())
}

func TestWaitForTransaction_FailedReleases(t *testing.T) {
	w, p, _ := fundedWallet(t, 1000)
	ctx := context.Background()

	hash, err := w.Send(ctx, SpendTarget{Address: qiAddr(types.Cyprus1, 9), Value: 100}, types.Cyprus1, 0)
	require.NoError(t, err)
	p.confirm(hash, 0)

	r, err := w.WaitForTransaction(ctx, hash)
	require.NoError(t, err)
	require.False(t, r.Succeeded())
	require.Equal(t, uint64(1000), w.SpendableBalance(types.Cyprus1))
}

func TestWaitForTransaction_Cancelled(t *testing.T) {
	w, p, _ := fundedWallet(t, 1000)
	hash, err := w.Send(context.Background(), SpendTarget{Address: qiAddr(types.Cyprus1, 9), Value: 100}, types.Cyprus1, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = w.WaitForTransaction(ctx, hash)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, p.sent, 1)
	require.Equal(t, uint64(1000), w.Balance(types.Cyprus1).Pending)
}

func TestSend_BroadcastFailureKeepsReservation(t *testing.T) {
	w, p, _ := fundedWallet(t, 1000)
	p.sendErr = errors.New("rejected")

	_, err := w.Send(context.Background(), SpendTarget{Address: qiAddr(types.Cyprus1, 9), Value: 100}, types.Cyprus1, 0)
	require.Error(t, err)
	require.Equal(t, uint64(1000), w.Balance(types.Cyprus1).Pending)
	require.Len(t, w.PendingTransactions(), 1)
}

func TestScan_KeepsPendingUntilSpent(t *testing.T) {
	w, p, funded := fundedWallet(t, 1000)
	ctx := context.Background()

	_, err := w.SelectAndBuildTransaction(SpendTarget{Address: qiAddr(types.Cyprus1, 9), Value: 100}, types.Cyprus1, 0)
	require.NoError(t, err)

	_, err = w.Scan(ctx, types.Cyprus1)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), w.Balance(types.Cyprus1).Pending)
	require.Len(t, w.PendingTransactions(), 1)

	p.mu.Lock()
	delete(p.outpoints, funded)
	p.mu.Unlock()
	res, err := w.Scan(ctx, types.Cyprus1)
	require.NoError(t, err)
	require.Equal(t, 1, res.Spent)
	require.Empty(t, w.PendingTransactions())
}

func TestConvert(t *testing.T) {
	w, p, _ := fundedWallet(t, 1000)
	quai := qiAddr(types.Cyprus1, 9)
	quai[1] = 0

	_, err := w.Convert(context.Background(), SpendTarget{Address: qiAddr(types.Cyprus1, 9), Value: 100}, types.Cyprus1, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = w.Convert(context.Background(), SpendTarget{Address: quai, Value: 1000}, types.Cyprus1, 0)
	require.NoError(t, err)
	require.Len(t, p.sent, 1)
	require.Len(t, p.sent[0].Outputs, 1)
	require.Equal(t, quai, p.sent[0].Outputs[0].Address)
}

func TestConsolidate(t *testing.T) {
	w, p, _ := fundedWallet(t, 500, 250, 250, 5)

	_, err := w.Consolidate(context.Background(), types.Cyprus1, 5, 0)
	require.NoError(t, err)
	require.Len(t, p.sent, 1)
	sent := p.sent[0]
	require.Len(t, sent.Inputs, 4)
	require.Len(t, sent.Outputs, 1)
	require.Equal(t, uint64(1000), sent.Outputs[0].Denomination)
	_, owned := w.book.Lookup(sent.Outputs[0].Address)
	require.True(t, owned)
}

func TestConsolidate_FailureDerivesNothing(t *testing.T) {
	w, _, _ := fundedWallet(t, 1000)
	changeBefore := countBranch(w.Addresses(types.Cyprus1), true)

	_, err := w.BuildConsolidationTransaction(types.Cyprus1, 0, 0)
	require.ErrorIs(t, err, ErrNothingToAggregate)
	_, err = w.BuildReaggregationTransaction(types.Cyprus1)
	require.Error(t, err)
	_, err = w.BuildConsolidationTransaction(types.Cyprus1, 0, 1)
	require.ErrorIs(t, err, ErrNoUTXOs)

	require.Equal(t, changeBefore, countBranch(w.Addresses(types.Cyprus1), true))
	require.Len(t, w.Outpoints(types.Cyprus1), 1)
}

func TestReaggregate(t *testing.T) {
	w, p, _ := fundedWallet(t, 100, 100, 100, 100, 100, 1)

	_, err := w.Reaggregate(context.Background(), types.Cyprus1)
	require.NoError(t, err)
	require.Len(t, p.sent, 1)
	require.Len(t, p.sent[0].Inputs, 5)
	require.Equal(t, uint64(500), p.sent[0].Outputs[0].Denomination)
	require.Equal(t, uint64(1), w.SpendableBalance(types.Cyprus1))
}

func TestOfflineWallet(t *testing.T) {
	w := testWallet(t, nil)
	_, err := w.Scan(context.Background(), types.Cyprus1)
	require.ErrorIs(t, err, errNoProvider)
}

func TestLock(t *testing.T) {
	w, _, _ := fundedWallet(t, 1000)
	w.Lock()

	_, err := w.DeriveNextAddress(0, types.Cyprus1, false)
	require.ErrorIs(t, err, ErrWalletLocked)
	// An exact spend needs no change address, so the failure is at signing.
	_, err = w.SelectAndBuildTransaction(SpendTarget{Address: qiAddr(types.Cyprus1, 9), Value: 1000}, types.Cyprus1, 0)
	require.ErrorIs(t, err, ErrMissingKey)
	require.Equal(t, uint64(1000), w.SpendableBalance(types.Cyprus1))

	// Known addresses still refresh.
	_, err = w.Sync(context.Background(), types.Cyprus1)
	require.NoError(t, err)
}
