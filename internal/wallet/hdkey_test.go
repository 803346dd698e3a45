package wallet

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/Klingon-tech/qiwallet/pkg/crypto"
	"github.com/Klingon-tech/qiwallet/pkg/types"
	"github.com/tyler-smith/go-bip32"
)

func testMaster(t *testing.T) *HDKey {
	t.Helper()
	master, err := NewMasterKey(testSeedBytes(t))
	if err != nil {
		t.Fatalf("NewMasterKey() error: %v", err)
	}
	return master
}

func TestNewMasterKey(t *testing.T) {
	// BIP-39 vector: "abandon" x11 + "about" with passphrase "TREZOR".
	seed, err := SeedFromMnemonic(testMnemonic, "TREZOR")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error: %v", err)
	}
	const wantSeed = "c55257c360c07c72029aebc1b53c05ed0362ada38ead3e3e9efa3708e53495531f09a6987599d18264c1e1c92f2cf141630c7a3c4ab7c81b2f001698e7463b04"
	if got := hex.EncodeToString(seed); got != wantSeed {
		t.Fatalf("seed = %s", got)
	}

	master, err := NewMasterKey(seed)
	if err != nil {
		t.Fatalf("NewMasterKey() error: %v", err)
	}
	if !master.IsPrivate() || master.Depth() != 0 {
		t.Errorf("master: private=%v depth=%d", master.IsPrivate(), master.Depth())
	}
	if len(master.PrivateKeyBytes()) != 32 || len(master.PublicKeyBytes()) != crypto.PublicKeySize {
		t.Error("unexpected master key sizes")
	}

	again, _ := NewMasterKey(seed)
	if !bytes.Equal(master.PrivateKeyBytes(), again.PrivateKeyBytes()) {
		t.Error("master key derivation is not deterministic")
	}

	for _, n := range []int{0, 16, 32, 63, 65} {
		if _, err := NewMasterKey(make([]byte, n)); err == nil {
			t.Errorf("NewMasterKey(%d bytes) succeeded", n)
		}
	}
}

func TestDeriveAddress_MatchesPath(t *testing.T) {
	master := testMaster(t)

	viaAddress, err := master.DeriveAddress(2, ChangeInternal, 7)
	if err != nil {
		t.Fatalf("DeriveAddress() error: %v", err)
	}
	viaPath, err := master.DerivePath(PurposeBIP44, CoinTypeQi, bip32.FirstHardenedChild+2, ChangeInternal, 7)
	if err != nil {
		t.Fatalf("DerivePath() error: %v", err)
	}
	if !bytes.Equal(viaAddress.PublicKeyBytes(), viaPath.PublicKeyBytes()) {
		t.Error("DeriveAddress and DerivePath disagree")
	}
	if viaAddress.Depth() != 5 {
		t.Errorf("depth = %d, want 5", viaAddress.Depth())
	}

	other, _ := master.DeriveAddress(2, ChangeExternal, 7)
	if bytes.Equal(other.PublicKeyBytes(), viaAddress.PublicKeyBytes()) {
		t.Error("external and change branches share a key")
	}

	if got := bip44Path(2, ChangeInternal, 7); got != "m/44'/969'/2'/1/7" {
		t.Errorf("bip44Path() = %s", got)
	}
	if got := bip47Path(0, 3); got != "m/47'/969'/0'/3" {
		t.Errorf("bip47Path() = %s", got)
	}
}

func TestNextZoneChild(t *testing.T) {
	branch, err := testMaster(t).DeriveBranch(0, ChangeExternal)
	if err != nil {
		t.Fatalf("DeriveBranch() error: %v", err)
	}

	for _, zone := range []types.Zone{types.Cyprus1, types.Paxos2, types.Hydra3} {
		child, idx, err := branch.NextZoneChild(0, zone)
		if err != nil {
			t.Fatalf("NextZoneChild(%s) error: %v", zone, err)
		}
		addr := child.Address()
		if !addr.IsQi() || !addr.InZone(zone) {
			t.Errorf("%s: child %d address %x is not a Qi address in zone", zone, idx, addr[:2])
		}

		// Every index before the match belongs elsewhere.
		for i := uint32(0); i < idx; i++ {
			c, err := branch.DeriveChild(i)
			if err != nil {
				continue
			}
			if a := c.Address(); a.IsQi() && a.InZone(zone) {
				t.Fatalf("%s: index %d matches before %d", zone, i, idx)
			}
		}

		next, idx2, err := branch.NextZoneChild(idx+1, zone)
		if err != nil {
			t.Fatalf("NextZoneChild(after %d) error: %v", idx, err)
		}
		if idx2 <= idx || next.Address() == addr {
			t.Errorf("%s: search from %d returned %d", zone, idx+1, idx2)
		}
	}
}

func TestPublicHDKey_MatchesPrivateDerivation(t *testing.T) {
	node, err := testMaster(t).DerivePaymentCodeNode(0)
	if err != nil {
		t.Fatalf("DerivePaymentCodeNode() error: %v", err)
	}
	pub, err := NewPublicHDKey(node.PublicKeyBytes(), node.ChainCode())
	if err != nil {
		t.Fatalf("NewPublicHDKey() error: %v", err)
	}
	if pub.IsPrivate() || pub.PrivateKeyBytes() != nil {
		t.Fatal("public node exposes a private key")
	}

	for _, i := range []uint32{0, 1, 42} {
		priv, err := node.DeriveChild(i)
		if err != nil {
			t.Fatalf("DeriveChild(%d) error: %v", i, err)
		}
		public, err := pub.DeriveChild(i)
		if err != nil {
			t.Fatalf("public DeriveChild(%d) error: %v", i, err)
		}
		if priv.Address() != public.Address() {
			t.Errorf("child %d: private and public derivation disagree", i)
		}
	}

	if _, err := pub.DeriveChild(bip32.FirstHardenedChild); err == nil {
		t.Error("hardened derivation from a public node succeeded")
	}
	if _, err := NewPublicHDKey(node.PublicKeyBytes(), make([]byte, 31)); err == nil {
		t.Error("31-byte chain code accepted")
	}
	if _, err := NewPublicHDKey(make([]byte, 33), node.ChainCode()); err == nil {
		t.Error("invalid public key accepted")
	}
}

func TestSigner(t *testing.T) {
	key, err := testMaster(t).DeriveAddress(0, ChangeExternal, 0)
	if err != nil {
		t.Fatalf("DeriveAddress() error: %v", err)
	}
	signer, err := key.Signer()
	if err != nil {
		t.Fatalf("Signer() error: %v", err)
	}
	if signer.Address() != key.Address() {
		t.Error("signer address differs from HD key address")
	}

	digest := crypto.Hash([]byte("qi"))
	sig, err := signer.Sign(digest[:])
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if !crypto.VerifySignature(digest[:], sig, key.PublicKeyBytes()) {
		t.Error("signature does not verify under the HD public key")
	}

	if _, err := key.Neuter().Signer(); err == nil {
		t.Error("Signer() on a neutered key succeeded")
	}
	if key.Neuter().Address() != key.Address() {
		t.Error("Neuter() changed the address")
	}
}
