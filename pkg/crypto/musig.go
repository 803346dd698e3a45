package crypto

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
)

// NonceSize is the size of a serialized public nonce.
const NonceSize = musig2.PubNonceSize

var (
	// ErrNoSigners is returned when a session or aggregate key is requested
	// for an empty signer set.
	ErrNoSigners = errors.New("no signers")
	// ErrSignerNotInSet is returned when the session key is not part of
	// the signer set.
	ErrSignerNotInSet = errors.New("signing key not in signer set")
	// ErrDuplicateSigner is returned when the signer set repeats a key.
	ErrDuplicateSigner = errors.New("duplicate signer key")
	// ErrSessionIncomplete is returned when the final signature is
	// requested before every partial signature was combined.
	ErrSessionIncomplete = errors.New("signing session incomplete")
)

// PartialSignature is one signer's contribution to an aggregate signature.
type PartialSignature struct {
	sig *musig2.PartialSignature
}

// SigningSession drives one signer through a single aggregate signature.
// The session created for the first signer in the set acts as combiner.
type SigningSession interface {
	// PublicNonce returns the nonce to share with the other signers.
	PublicNonce() [NonceSize]byte
	// RegisterNonce records another signer's nonce and reports whether all
	// nonces are now known.
	RegisterNonce(nonce [NonceSize]byte) (bool, error)
	// Sign produces this signer's partial signature over digest. For a
	// single-signer session it produces the final signature directly.
	Sign(digest [32]byte) (*PartialSignature, error)
	// Combine adds another signer's partial signature and reports whether
	// the final signature is available.
	Combine(partial *PartialSignature) (bool, error)
	// FinalSignature returns the 64-byte Schnorr signature.
	FinalSignature() ([]byte, error)
}

// parseSigners parses the ordered signer set and rejects duplicates.
func parseSigners(signers [][]byte) ([]*btcec.PublicKey, error) {
	if len(signers) == 0 {
		return nil, ErrNoSigners
	}
	keys := make([]*btcec.PublicKey, 0, len(signers))
	for i, raw := range signers {
		for _, prev := range signers[:i] {
			if bytes.Equal(prev, raw) {
				return nil, ErrDuplicateSigner
			}
		}
		k, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("signer %d: %w", i, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// aggregateKeys runs MuSig2 key aggregation in the given (unsorted) order.
func aggregateKeys(signers [][]byte) (*btcec.PublicKey, error) {
	keys, err := parseSigners(signers)
	if err != nil {
		return nil, err
	}
	agg, _, _, err := musig2.AggregateKeys(keys, false)
	if err != nil {
		return nil, fmt.Errorf("aggregate keys: %w", err)
	}
	return agg.FinalKey, nil
}

func newSession(priv *PrivateKey, signers [][]byte) (SigningSession, error) {
	keys, err := parseSigners(signers)
	if err != nil {
		return nil, err
	}
	own := priv.PublicKey()
	found := false
	for _, s := range signers {
		if bytes.Equal(s, own) {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrSignerNotInSet
	}

	if len(keys) == 1 {
		return &singleSession{priv: priv}, nil
	}

	ctx, err := musig2.NewContext(priv.key, false, musig2.WithKnownSigners(keys))
	if err != nil {
		return nil, fmt.Errorf("musig2 context: %w", err)
	}
	sess, err := ctx.NewSession()
	if err != nil {
		return nil, fmt.Errorf("musig2 session: %w", err)
	}
	return &musigSession{session: sess}, nil
}

// musigSession adapts a musig2.Session.
type musigSession struct {
	session *musig2.Session
}

func (m *musigSession) PublicNonce() [NonceSize]byte {
	return m.session.PublicNonce()
}

func (m *musigSession) RegisterNonce(nonce [NonceSize]byte) (bool, error) {
	return m.session.RegisterPubNonce(nonce)
}

func (m *musigSession) Sign(digest [32]byte) (*PartialSignature, error) {
	sig, err := m.session.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("musig2 sign: %w", err)
	}
	return &PartialSignature{sig: sig}, nil
}

func (m *musigSession) Combine(partial *PartialSignature) (bool, error) {
	if partial == nil || partial.sig == nil {
		return false, errors.New("nil partial signature")
	}
	return m.session.CombineSig(partial.sig)
}

func (m *musigSession) FinalSignature() ([]byte, error) {
	sig := m.session.FinalSig()
	if sig == nil {
		return nil, ErrSessionIncomplete
	}
	return sig.Serialize(), nil
}

// singleSession signs with plain BIP-340 when only one key is involved.
type singleSession struct {
	priv *PrivateKey
	sig  *schnorr.Signature
}

func (s *singleSession) PublicNonce() [NonceSize]byte {
	return [NonceSize]byte{}
}

func (s *singleSession) RegisterNonce([NonceSize]byte) (bool, error) {
	return false, errors.New("single-signer session takes no nonces")
}

func (s *singleSession) Sign(digest [32]byte) (*PartialSignature, error) {
	sig, err := schnorr.Sign(s.priv.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	s.sig = sig
	return nil, nil
}

func (s *singleSession) Combine(*PartialSignature) (bool, error) {
	return false, errors.New("single-signer session takes no partial signatures")
}

func (s *singleSession) FinalSignature() ([]byte, error) {
	if s.sig == nil {
		return nil, ErrSessionIncomplete
	}
	return s.sig.Serialize(), nil
}
