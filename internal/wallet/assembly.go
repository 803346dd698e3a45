package wallet

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/Klingon-tech/qiwallet/internal/log"
	"github.com/Klingon-tech/qiwallet/internal/utxo"
	"github.com/Klingon-tech/qiwallet/pkg/crypto"
	"github.com/Klingon-tech/qiwallet/pkg/tx"
	"github.com/Klingon-tech/qiwallet/pkg/types"
	"github.com/rs/zerolog"
)

// AssemblyState is the progress of one transaction through signing.
type AssemblyState uint8

// Assembly states, in order.
const (
	StateBuilding AssemblyState = iota
	StateDigestComputed
	StateNoncesAggregated
	StatePartiallySigned
	StateSigned
)

func (s AssemblyState) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateDigestComputed:
		return "digest-computed"
	case StateNoncesAggregated:
		return "nonces-aggregated"
	case StatePartiallySigned:
		return "partially-signed"
	case StateSigned:
		return "signed"
	default:
		return fmt.Sprintf("AssemblyState(%d)", uint8(s))
	}
}

// Keyring resolves owned addresses to their public and private keys.
// AddressBook implements it.
type Keyring interface {
	Lookup(addr types.Address) (*DerivedAddress, bool)
	PrivateKey(addr types.Address) (*crypto.PrivateKey, error)
}

var _ Keyring = (*AddressBook)(nil)

// Assembler builds one transaction and produces its single aggregate
// signature. Every distinct input key takes part; the first one combines.
type Assembler struct {
	provider crypto.Provider
	keys     Keyring
	height   uint64
	log      zerolog.Logger

	state   AssemblyState
	builder *tx.Builder
	inputs  map[types.Outpoint]utxo.UTXO
	owners  map[string]types.Address // hex pubkey -> address

	tx       *tx.Transaction
	digest   types.Hash
	signers  [][]byte
	privs    []*crypto.PrivateKey
	sessions []crypto.SigningSession
	partials []*crypto.PartialSignature
	signed   int
}

// NewAssembler starts a transaction whose inputs are checked against
// height.
func NewAssembler(provider crypto.Provider, keys Keyring, height uint64) *Assembler {
	return &Assembler{
		provider: provider,
		keys:     keys,
		height:   height,
		log:      log.Signer,
		builder:  tx.NewBuilder(),
		inputs:   make(map[types.Outpoint]utxo.UTXO),
		owners:   make(map[string]types.Address),
	}
}

// State returns the current assembly state.
func (a *Assembler) State() AssemblyState {
	return a.state
}

// Progress returns how many of the required signers have signed.
func (a *Assembler) Progress() (signed, required int) {
	return a.signed, len(a.signers)
}

func (a *Assembler) expect(s AssemblyState) error {
	if a.state != s {
		return fmt.Errorf("assembly is %s, want %s", a.state, s)
	}
	return nil
}

// AddInput spends u. Its address must be owned by the keyring.
func (a *Assembler) AddInput(u utxo.UTXO) error {
	if err := a.expect(StateBuilding); err != nil {
		return err
	}
	da, ok := a.keys.Lookup(u.Address)
	if !ok {
		return fmt.Errorf("%w: input %s pays %s", ErrAddressNotOwned, u.Outpoint, u.Address)
	}
	if _, dup := a.inputs[u.Outpoint]; dup {
		return fmt.Errorf("%w: duplicate input %s", ErrInvalidArgument, u.Outpoint)
	}
	a.inputs[u.Outpoint] = u
	a.owners[hex.EncodeToString(da.PublicKey)] = u.Address
	a.builder.AddInput(u.Outpoint, da.PublicKey)
	return nil
}

// AddOutput appends an output.
func (a *Assembler) AddOutput(out tx.Output) error {
	if err := a.expect(StateBuilding); err != nil {
		return err
	}
	a.builder.AddLockedOutput(out.Denomination, out.Address, out.Lock)
	return nil
}

// LookupUTXO implements tx.UTXOProvider over the assembler's own inputs.
func (a *Assembler) LookupUTXO(op types.Outpoint) (uint64, types.Address, uint64, bool) {
	u, ok := a.inputs[op]
	if !ok {
		return 0, types.Address{}, 0, false
	}
	return u.Denomination, u.Address, u.Lock, true
}

// ComputeDigest freezes the transaction, checks it against its inputs and
// computes the digest to sign.
func (a *Assembler) ComputeDigest() (types.Hash, error) {
	if err := a.expect(StateBuilding); err != nil {
		return types.Hash{}, err
	}
	t := a.builder.Build()
	if _, err := t.ValidateWithUTXOs(a, a.height); err != nil {
		return types.Hash{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	a.tx = t
	a.digest = t.Hash()
	a.signers = t.SignerKeys()
	a.state = StateDigestComputed
	return a.digest, nil
}

// AggregateNonces resolves every signer's private key, opens a signing
// session per signer and exchanges their nonces. A key the keyring cannot
// produce fails the whole assembly with ErrMissingKey.
func (a *Assembler) AggregateNonces() error {
	if err := a.expect(StateDigestComputed); err != nil {
		return err
	}
	privs := make([]*crypto.PrivateKey, 0, len(a.signers))
	fail := func(err error) error {
		for _, p := range privs {
			p.Zero()
		}
		return err
	}

	for _, pub := range a.signers {
		addr := a.owners[hex.EncodeToString(pub)]
		priv, err := a.keys.PrivateKey(addr)
		if err != nil {
			return fail(fmt.Errorf("%w: %s: %w", ErrMissingKey, addr, err))
		}
		if !bytes.Equal(priv.PublicKey(), pub) {
			priv.Zero()
			return fail(fmt.Errorf("%w: key for %s does not match input", ErrMissingKey, addr))
		}
		privs = append(privs, priv)
	}

	sessions := make([]crypto.SigningSession, len(privs))
	for i, priv := range privs {
		s, err := a.provider.NewSigningSession(priv, a.signers)
		if err != nil {
			return fail(fmt.Errorf("signing session %d: %w", i, err))
		}
		sessions[i] = s
	}

	if len(sessions) > 1 {
		for i, s := range sessions {
			for j, other := range sessions {
				if i == j {
					continue
				}
				if _, err := s.RegisterNonce(other.PublicNonce()); err != nil {
					return fail(fmt.Errorf("register nonce %d->%d: %w", j, i, err))
				}
			}
		}
	}

	a.privs = privs
	a.sessions = sessions
	a.partials = make([]*crypto.PartialSignature, len(sessions))
	a.state = StateNoncesAggregated
	a.log.Debug().
		Str("tx", a.digest.String()).
		Int("signers", len(sessions)).
		Msg("nonces aggregated")
	return nil
}

// SignNext produces the next signer's partial signature. It reports whether
// every signer has signed.
func (a *Assembler) SignNext() (bool, error) {
	if a.state != StateNoncesAggregated && a.state != StatePartiallySigned {
		return false, fmt.Errorf("assembly is %s, want %s", a.state, StateNoncesAggregated)
	}
	if a.signed == len(a.sessions) {
		return true, nil
	}
	i := a.signed
	ps, err := a.sessions[i].Sign(a.digest)
	if err != nil {
		return false, fmt.Errorf("partial signature %d: %w", i, err)
	}
	a.partials[i] = ps
	a.signed++
	a.state = StatePartiallySigned
	return a.signed == len(a.sessions), nil
}

// Finalize combines the partial signatures, verifies the result under the
// aggregate key and returns the signed transaction.
func (a *Assembler) Finalize() (*tx.Transaction, error) {
	if err := a.expect(StatePartiallySigned); err != nil {
		return nil, err
	}
	if a.signed != len(a.sessions) {
		return nil, fmt.Errorf("%w: %d of %d signers", crypto.ErrSessionIncomplete, a.signed, len(a.sessions))
	}
	defer a.release()

	combiner := a.sessions[0]
	for i := 1; i < len(a.partials); i++ {
		if _, err := combiner.Combine(a.partials[i]); err != nil {
			return nil, fmt.Errorf("combine partial %d: %w", i, err)
		}
	}
	sig, err := combiner.FinalSignature()
	if err != nil {
		return nil, err
	}
	a.tx.Signature = sig
	if err := a.tx.VerifySignatureWith(a.provider); err != nil {
		a.tx.Signature = nil
		return nil, fmt.Errorf("aggregate signature: %w", err)
	}
	a.state = StateSigned
	a.log.Debug().
		Str("tx", a.digest.String()).
		Int("inputs", len(a.tx.Inputs)).
		Int("outputs", len(a.tx.Outputs)).
		Msg("transaction signed")
	return a.tx, nil
}

// release zeroes the signers' private keys.
func (a *Assembler) release() {
	for _, p := range a.privs {
		p.Zero()
	}
	a.privs = nil
}

// Sign drives the assembly from building to signed.
func (a *Assembler) Sign() (*tx.Transaction, error) {
	defer a.release()
	if _, err := a.ComputeDigest(); err != nil {
		return nil, err
	}
	if err := a.AggregateNonces(); err != nil {
		return nil, err
	}
	for {
		done, err := a.SignNext()
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	return a.Finalize()
}
