package wallet

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Klingon-tech/qiwallet/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestSerialize_RoundTrip(t *testing.T) {
	w, _, funded := fundedWallet(t, 1000, 250)
	bobCode := mustPaymentCode(t, otherWallet(t, nil))
	_, err := w.OpenPaymentChannel(bobCode)
	require.NoError(t, err)
	self, err := w.NextPaymentAddress(bobCode, types.Cyprus1)
	require.NoError(t, err)
	imp, err := w.ImportPrivateKey(randomImportKey(t, types.Cyprus1))
	require.NoError(t, err)
	pending, err := w.SelectAndBuildTransaction(SpendTarget{Address: qiAddr(types.Cyprus1, 9), Value: 100}, types.Cyprus1, 0)
	require.NoError(t, err)

	data, err := w.Serialize()
	require.NoError(t, err)

	restored, err := Deserialize(testSeedBytes(t), data, Config{})
	require.NoError(t, err)

	require.ElementsMatch(t, w.Addresses(types.Cyprus1), restored.Addresses(types.Cyprus1))
	require.Equal(t, w.Outpoints(types.Cyprus1), restored.Outpoints(types.Cyprus1))
	require.Equal(t, w.Balance(types.Cyprus1), restored.Balance(types.Cyprus1))
	require.Equal(t, w.Tip(types.Cyprus1), restored.Tip(types.Cyprus1))
	require.Equal(t, []types.Hash{pending.Hash()}, restored.PendingTransactions())

	got, ok := restored.book.Lookup(funded)
	require.True(t, ok)
	require.Equal(t, StatusUsed, got.Status)

	chans := restored.Channels()
	require.Len(t, chans, 1)
	require.Equal(t, bobCode, chans[0].Counterparty.String())
	require.Equal(t, self.Index+1, chans[0].NextSelf[types.Cyprus1])

	// Keys are usable after restore.
	priv, err := restored.book.PrivateKey(imp.Address)
	require.NoError(t, err)
	priv.Zero()
	priv, err = restored.book.PrivateKey(self.Address)
	require.NoError(t, err)
	priv.Zero()

	// Derivation resumes past the restored indices.
	next, err := restored.DeriveNextAddress(0, types.Cyprus1, false)
	require.NoError(t, err)
	for _, da := range w.Addresses(types.Cyprus1) {
		require.NotEqual(t, da.Address, next.Address)
	}

	// Pending reservations survive and can be abandoned.
	require.NoError(t, restored.AbandonTransaction(pending.Hash()))
	require.Equal(t, uint64(1250), restored.SpendableBalance(types.Cyprus1))
}

func TestDeserialize_Locked(t *testing.T) {
	w, _, _ := fundedWallet(t, 1000)
	data, err := w.Serialize()
	require.NoError(t, err)

	p := newFakeProvider(100)
	restored, err := Deserialize(nil, data, Config{Provider: p})
	require.NoError(t, err)
	require.Equal(t, uint64(1000), restored.SpendableBalance(types.Cyprus1))

	_, err = restored.DeriveNextAddress(0, types.Cyprus1, false)
	require.ErrorIs(t, err, ErrWalletLocked)
	_, err = restored.Sync(context.Background(), types.Cyprus1)
	require.NoError(t, err)
}

func TestDeserialize_DeduplicatesAddresses(t *testing.T) {
	w := testWallet(t, nil)
	da, err := w.DeriveNextAddress(0, types.Cyprus1, false)
	require.NoError(t, err)
	data, err := w.Serialize()
	require.NoError(t, err)

	var rec stateRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	dup := rec.Addresses[0]
	dup.Status = StatusUsed
	rec.Addresses = append(rec.Addresses, dup)
	data, err = json.Marshal(rec)
	require.NoError(t, err)

	restored, err := Deserialize(testSeedBytes(t), data, Config{})
	require.NoError(t, err)
	addrs := restored.Addresses(types.Cyprus1)
	require.Len(t, addrs, 1)
	require.Equal(t, da.Address, addrs[0].Address)
	require.Equal(t, StatusUsed, addrs[0].Status)
}

func TestDeserialize_Rejects(t *testing.T) {
	w := testWallet(t, nil)
	_, err := w.DeriveNextAddress(0, types.Cyprus1, false)
	require.NoError(t, err)
	data, err := w.Serialize()
	require.NoError(t, err)

	mutate := func(fn func(*stateRecord)) []byte {
		var rec stateRecord
		require.NoError(t, json.Unmarshal(data, &rec))
		fn(&rec)
		out, err := json.Marshal(rec)
		require.NoError(t, err)
		return out
	}

	tests := map[string][]byte{
		"not json":     []byte("{"),
		"version":      mutate(func(r *stateRecord) { r.Version = 99 }),
		"coin type":    mutate(func(r *stateRecord) { r.CoinType = 994 }),
		"wrong pubkey": mutate(func(r *stateRecord) { r.Addresses[0].Address = qiAddr(types.Cyprus1, 3) }),
		"bad source":   mutate(func(r *stateRecord) { r.Addresses[0].Source = "other" }),
		"foreign outpoint": mutate(func(r *stateRecord) {
			r.Outpoints = append(r.Outpoints, outpointRecord{})
			r.Outpoints[0].Address = qiAddr(types.Cyprus1, 3)
			r.Outpoints[0].Denomination = 100
		}),
		"bad denomination": mutate(func(r *stateRecord) {
			r.Outpoints = append(r.Outpoints, outpointRecord{})
			r.Outpoints[0].Address = r.Addresses[0].Address
			r.Outpoints[0].Denomination = 3
		}),
	}
	for name, in := range tests {
		_, err := Deserialize(testSeedBytes(t), in, Config{})
		require.ErrorIs(t, err, ErrInvalidArgument, name)
	}
}
