package wallet

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/qiwallet/pkg/crypto"
	"github.com/Klingon-tech/qiwallet/pkg/types"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip32"
)

// Derivation trees:
//
//	BIP-44  m/44'/969'/account'/change/index
//	BIP-47  m/47'/969'/account'/index
const (
	PurposeBIP44 = bip32.FirstHardenedChild + 44
	PurposeBIP47 = bip32.FirstHardenedChild + 47

	// CoinTypeQi is the hardened SLIP-44 coin type of the Qi ledger.
	CoinTypeQi = bip32.FirstHardenedChild + 969

	ChangeExternal = 0 // receiving chain
	ChangeInternal = 1 // change chain
)

// errIndexSpaceExhausted means every non-hardened index after the start was
// tried without finding an address in the wanted zone.
var errIndexSpaceExhausted = errors.New("non-hardened index space exhausted")

// HDKey is a BIP-32 node, private or public.
type HDKey struct {
	key *bip32.Key
}

// NewMasterKey derives the root node from a 64-byte BIP-39 seed.
func NewMasterKey(seed []byte) (*HDKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes, want %d", ErrInvalidArgument, len(seed), SeedSize)
	}
	root, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	return &HDKey{key: root}, nil
}

// NewPublicHDKey rebuilds a public node from the key and chain code carried
// in a payment code. Only non-hardened children can be derived from it.
func NewPublicHDKey(pub, chainCode []byte) (*HDKey, error) {
	if len(chainCode) != 32 {
		return nil, fmt.Errorf("chain code is %d bytes, want 32", len(chainCode))
	}
	if len(pub) != crypto.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(pub), crypto.PublicKeySize)
	}
	if _, err := secp256k1.ParsePubKey(pub); err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	return &HDKey{key: &bip32.Key{
		Version:     bip32.PublicWalletVersion,
		Depth:       3,
		ChildNumber: make([]byte, 4),
		FingerPrint: make([]byte, 4),
		ChainCode:   append([]byte(nil), chainCode...),
		Key:         append([]byte(nil), pub...),
	}}, nil
}

// DeriveChild returns child i. Indices from bip32.FirstHardenedChild up are
// hardened and need a private node.
func (k *HDKey) DeriveChild(i uint32) (*HDKey, error) {
	child, err := k.key.NewChildKey(i)
	if err != nil {
		return nil, fmt.Errorf("child %d: %w", i, err)
	}
	return &HDKey{key: child}, nil
}

// DerivePath walks the given child indices from k.
func (k *HDKey) DerivePath(path ...uint32) (node *HDKey, err error) {
	node = k
	for _, i := range path {
		if node, err = node.DeriveChild(i); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// DeriveBranch returns the chain node m/44'/969'/account'/change.
func (k *HDKey) DeriveBranch(account, change uint32) (*HDKey, error) {
	return k.DerivePath(PurposeBIP44, CoinTypeQi, bip32.FirstHardenedChild+account, change)
}

// DeriveAddress returns the leaf m/44'/969'/account'/change/index.
func (k *HDKey) DeriveAddress(account, change, index uint32) (*HDKey, error) {
	return k.DerivePath(PurposeBIP44, CoinTypeQi, bip32.FirstHardenedChild+account, change, index)
}

// DerivePaymentCodeNode returns the payment code root m/47'/969'/account'.
func (k *HDKey) DerivePaymentCodeNode(account uint32) (*HDKey, error) {
	return k.DerivePath(PurposeBIP47, CoinTypeQi, bip32.FirstHardenedChild+account)
}

// NextZoneChild returns the first non-hardened child at or after start
// whose address is a Qi address in zone, with its index. Indices that do
// not produce a valid key are skipped.
func (k *HDKey) NextZoneChild(start uint32, zone types.Zone) (*HDKey, uint32, error) {
	for i := start; i < bip32.FirstHardenedChild; i++ {
		child, err := k.DeriveChild(i)
		if err != nil {
			continue
		}
		if a := child.Address(); a.IsQi() && a.InZone(zone) {
			return child, i, nil
		}
	}
	return nil, 0, errIndexSpaceExhausted
}

// PrivateKeyBytes returns the 32-byte secret, or nil for a public node.
func (k *HDKey) PrivateKeyBytes() []byte {
	if !k.key.IsPrivate {
		return nil
	}
	raw := k.key.Key
	if len(raw) > crypto.PrivateKeySize {
		raw = raw[len(raw)-crypto.PrivateKeySize:]
	}
	out := make([]byte, crypto.PrivateKeySize)
	copy(out[crypto.PrivateKeySize-len(raw):], raw)
	return out
}

// PublicKeyBytes returns the compressed public key.
func (k *HDKey) PublicKeyBytes() []byte {
	if k.key.IsPrivate {
		return k.key.PublicKey().Key
	}
	return k.key.Key
}

func (k *HDKey) ChainCode() []byte {
	return k.key.ChainCode
}

// Signer returns the node's private key. Public nodes cannot sign.
func (k *HDKey) Signer() (*crypto.PrivateKey, error) {
	if !k.key.IsPrivate {
		return nil, fmt.Errorf("%w: public derivation node", ErrMissingKey)
	}
	return crypto.PrivateKeyFromBytes(k.PrivateKeyBytes())
}

// Address returns the address of the node's public key.
func (k *HDKey) Address() types.Address {
	return crypto.AddressFromPubKey(k.PublicKeyBytes())
}

func (k *HDKey) IsPrivate() bool { return k.key.IsPrivate }

// Depth is 0 for the master node.
func (k *HDKey) Depth() uint8 { return k.key.Depth }

// Neuter drops the private half.
func (k *HDKey) Neuter() *HDKey {
	return &HDKey{key: k.key.PublicKey()}
}

func bip44Path(account, change, index uint32) string {
	return fmt.Sprintf("m/44'/969'/%d'/%d/%d", account, change, index)
}

func bip47Path(account, index uint32) string {
	return fmt.Sprintf("m/47'/969'/%d'/%d", account, index)
}
