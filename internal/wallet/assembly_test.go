package wallet

import (
	"testing"

	"github.com/Klingon-tech/qiwallet/internal/utxo"
	"github.com/Klingon-tech/qiwallet/pkg/crypto"
	"github.com/Klingon-tech/qiwallet/pkg/tx"
	"github.com/Klingon-tech/qiwallet/pkg/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/stretchr/testify/require"
)

// importedInputs imports n random keys into w and returns one UTXO per key.
func importedInputs(t *testing.T, w *Wallet, n int) []utxo.UTXO {
	t.Helper()
	var out []utxo.UTXO
	for i := 0; i < n; i++ {
		da, err := w.ImportPrivateKey(randomImportKey(t, types.Cyprus1))
		require.NoError(t, err)
		u, err := utxo.New(types.Outpoint{TxID: types.Hash{0x50, byte(i)}, Index: uint32(i)}, da.Address, 100, 0)
		require.NoError(t, err)
		out = append(out, u)
	}
	return out
}

func TestAssembler_SingleSigner(t *testing.T) {
	w := testWallet(t, nil)
	ins := importedInputs(t, w, 1)

	a := NewAssembler(crypto.Secp256k1{}, w.book, 0)
	require.NoError(t, a.AddInput(ins[0]))
	require.NoError(t, a.AddOutput(tx.Output{Denomination: 100, Address: qiAddr(types.Cyprus1, 1)}))

	signed, err := a.Sign()
	require.NoError(t, err)
	require.Equal(t, StateSigned, a.State())
	require.Len(t, signed.Signature, crypto.SignatureSize)

	// One key signs with plain BIP-340 under its own public key.
	hash := signed.Hash()
	require.True(t, crypto.VerifySignature(hash[:], signed.Signature, signed.Inputs[0].PubKey))
}

func TestAssembler_ThreeSignerMuSig(t *testing.T) {
	w := testWallet(t, nil)
	ins := importedInputs(t, w, 3)

	a := NewAssembler(crypto.Secp256k1{}, w.book, 0)
	for _, u := range ins {
		require.NoError(t, a.AddInput(u))
	}
	require.NoError(t, a.AddOutput(tx.Output{Denomination: 250, Address: qiAddr(types.Cyprus1, 1)}))
	require.NoError(t, a.AddOutput(tx.Output{Denomination: 50, Address: qiAddr(types.Cyprus1, 2)}))

	_, err := a.ComputeDigest()
	require.NoError(t, err)
	require.Equal(t, StateDigestComputed, a.State())

	require.NoError(t, a.AggregateNonces())
	require.Equal(t, StateNoncesAggregated, a.State())

	for i := 1; i <= 3; i++ {
		done, err := a.SignNext()
		require.NoError(t, err)
		signed, required := a.Progress()
		require.Equal(t, i, signed)
		require.Equal(t, 3, required)
		require.Equal(t, i == 3, done)
	}
	require.Equal(t, StatePartiallySigned, a.State())

	signed, err := a.Finalize()
	require.NoError(t, err)
	require.Equal(t, StateSigned, a.State())
	require.NoError(t, signed.VerifySignature())

	// Recompute the aggregate key straight from the inputs, in input order.
	var keys []*btcec.PublicKey
	for _, in := range signed.Inputs {
		k, err := btcec.ParsePubKey(in.PubKey)
		require.NoError(t, err)
		keys = append(keys, k)
	}
	agg, _, _, err := musig2.AggregateKeys(keys, false)
	require.NoError(t, err)
	sig, err := schnorr.ParseSignature(signed.Signature)
	require.NoError(t, err)
	hash := signed.Hash()
	require.True(t, sig.Verify(hash[:], agg.FinalKey))

	// Any change to the transaction invalidates the signature.
	signed.Outputs[1].Denomination = 10
	require.ErrorIs(t, signed.VerifySignature(), tx.ErrInvalidSig)
}

func TestAssembler_SharedKeySignsOnce(t *testing.T) {
	w := testWallet(t, nil)
	ins := importedInputs(t, w, 1)
	second, err := utxo.New(types.Outpoint{TxID: types.Hash{0x51}}, ins[0].Address, 500, 0)
	require.NoError(t, err)

	a := NewAssembler(crypto.Secp256k1{}, w.book, 0)
	require.NoError(t, a.AddInput(ins[0]))
	require.NoError(t, a.AddInput(second))
	require.NoError(t, a.AddOutput(tx.Output{Denomination: 500, Address: qiAddr(types.Cyprus1, 1)}))

	signed, err := a.Sign()
	require.NoError(t, err)
	_, required := a.Progress()
	require.Equal(t, 1, required)
	require.NoError(t, signed.VerifySignature())
}

func TestAssembler_Errors(t *testing.T) {
	w := testWallet(t, nil)
	ins := importedInputs(t, w, 2)

	t.Run("foreign input", func(t *testing.T) {
		a := NewAssembler(crypto.Secp256k1{}, w.book, 0)
		foreign := ins[0]
		foreign.Address = qiAddr(types.Cyprus1, 7)
		require.ErrorIs(t, a.AddInput(foreign), ErrAddressNotOwned)
	})

	t.Run("duplicate input", func(t *testing.T) {
		a := NewAssembler(crypto.Secp256k1{}, w.book, 0)
		require.NoError(t, a.AddInput(ins[0]))
		require.ErrorIs(t, a.AddInput(ins[0]), ErrInvalidArgument)
	})

	t.Run("outputs exceed inputs", func(t *testing.T) {
		a := NewAssembler(crypto.Secp256k1{}, w.book, 0)
		require.NoError(t, a.AddInput(ins[0]))
		require.NoError(t, a.AddOutput(tx.Output{Denomination: 1000, Address: qiAddr(types.Cyprus1, 1)}))
		_, err := a.Sign()
		require.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("locked input", func(t *testing.T) {
		locked, err := utxo.New(types.Outpoint{TxID: types.Hash{0x52}}, ins[0].Address, 100, 50)
		require.NoError(t, err)
		a := NewAssembler(crypto.Secp256k1{}, w.book, 10)
		require.NoError(t, a.AddInput(locked))
		require.NoError(t, a.AddOutput(tx.Output{Denomination: 100, Address: qiAddr(types.Cyprus1, 1)}))
		_, err = a.Sign()
		require.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("out of order", func(t *testing.T) {
		a := NewAssembler(crypto.Secp256k1{}, w.book, 0)
		require.Error(t, a.AggregateNonces())
		_, err := a.Finalize()
		require.Error(t, err)
	})

	t.Run("missing key", func(t *testing.T) {
		a := NewAssembler(crypto.Secp256k1{}, w.book, 0)
		require.NoError(t, a.AddInput(ins[0]))
		require.NoError(t, a.AddInput(ins[1]))
		require.NoError(t, a.AddOutput(tx.Output{Denomination: 100, Address: qiAddr(types.Cyprus1, 1)}))
		w.Lock()
		_, err := a.Sign()
		require.ErrorIs(t, err, ErrMissingKey)
		require.ErrorIs(t, err, ErrWalletLocked)
	})
}
