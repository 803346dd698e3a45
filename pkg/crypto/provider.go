package crypto

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/qiwallet/pkg/types"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ErrInvalidTweak is returned when a tweak overflows the curve order or
// produces the point at infinity / a zero scalar.
var ErrInvalidTweak = errors.New("invalid key tweak")

// Provider is the curve capability the wallet consumes. It is passed to the
// wallet explicitly so tests and alternative backends can swap it.
type Provider interface {
	// Hash is the transaction/address hash function.
	Hash(data []byte) types.Hash
	// TaggedHash is a domain-separated hash.
	TaggedHash(tag string, msgs ...[]byte) types.Hash

	// ParsePrivateKey validates and wraps a 32-byte scalar.
	ParsePrivateKey(b []byte) (*PrivateKey, error)
	// SharedSecret returns the ECDH x-coordinate of priv * pub.
	SharedSecret(priv *PrivateKey, pub []byte) ([]byte, error)
	// TweakPrivateKey returns priv + tweak (mod n).
	TweakPrivateKey(priv *PrivateKey, tweak types.Hash) (*PrivateKey, error)
	// TweakPublicKey returns pub + tweak*G, compressed.
	TweakPublicKey(pub []byte, tweak types.Hash) ([]byte, error)

	// AggregatePublicKeys returns the key a signature produced by
	// NewSigningSession over the same ordered keys verifies against.
	AggregatePublicKeys(pubs [][]byte) ([]byte, error)
	// NewSigningSession starts a signing session for priv among the ordered
	// signer set.
	NewSigningSession(priv *PrivateKey, signers [][]byte) (SigningSession, error)
	// Verify checks a Schnorr signature.
	Verify(digest, sig, pub []byte) bool
}

// Secp256k1 is the default Provider backed by secp256k1, BIP-340 and MuSig2.
type Secp256k1 struct{}

var _ Provider = Secp256k1{}

// Hash implements Provider.
func (Secp256k1) Hash(data []byte) types.Hash {
	return Hash(data)
}

// TaggedHash implements Provider.
func (Secp256k1) TaggedHash(tag string, msgs ...[]byte) types.Hash {
	return TaggedHash(tag, msgs...)
}

// ParsePrivateKey implements Provider.
func (Secp256k1) ParsePrivateKey(b []byte) (*PrivateKey, error) {
	return PrivateKeyFromBytes(b)
}

// SharedSecret implements Provider.
func (Secp256k1) SharedSecret(priv *PrivateKey, pub []byte) ([]byte, error) {
	pubKey, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return secp256k1.GenerateSharedSecret(priv.key, pubKey), nil
}

// TweakPrivateKey implements Provider.
func (Secp256k1) TweakPrivateKey(priv *PrivateKey, tweak types.Hash) (*PrivateKey, error) {
	var t secp256k1.ModNScalar
	if overflow := t.SetBytes((*[32]byte)(&tweak)); overflow != 0 {
		return nil, ErrInvalidTweak
	}
	var sum secp256k1.ModNScalar
	sum.Set(&priv.key.Key).Add(&t)
	if sum.IsZero() {
		return nil, ErrInvalidTweak
	}
	return &PrivateKey{key: secp256k1.NewPrivateKey(&sum)}, nil
}

// TweakPublicKey implements Provider.
func (Secp256k1) TweakPublicKey(pub []byte, tweak types.Hash) ([]byte, error) {
	pubKey, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	var t secp256k1.ModNScalar
	if overflow := t.SetBytes((*[32]byte)(&tweak)); overflow != 0 {
		return nil, ErrInvalidTweak
	}

	var p, tg, r secp256k1.JacobianPoint
	pubKey.AsJacobian(&p)
	secp256k1.ScalarBaseMultNonConst(&t, &tg)
	secp256k1.AddNonConst(&p, &tg, &r)
	if (r.X.IsZero() && r.Y.IsZero()) || r.Z.IsZero() {
		return nil, ErrInvalidTweak
	}
	r.ToAffine()
	return secp256k1.NewPublicKey(&r.X, &r.Y).SerializeCompressed(), nil
}

// AggregatePublicKeys implements Provider. A single key is returned as is.
func (Secp256k1) AggregatePublicKeys(pubs [][]byte) ([]byte, error) {
	if len(pubs) == 0 {
		return nil, ErrNoSigners
	}
	if len(pubs) == 1 {
		if _, err := secp256k1.ParsePubKey(pubs[0]); err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		return append([]byte(nil), pubs[0]...), nil
	}
	agg, err := aggregateKeys(pubs)
	if err != nil {
		return nil, err
	}
	return agg.SerializeCompressed(), nil
}

// NewSigningSession implements Provider.
func (Secp256k1) NewSigningSession(priv *PrivateKey, signers [][]byte) (SigningSession, error) {
	return newSession(priv, signers)
}

// Verify implements Provider.
func (Secp256k1) Verify(digest, sig, pub []byte) bool {
	return VerifySignature(digest, sig, pub)
}
