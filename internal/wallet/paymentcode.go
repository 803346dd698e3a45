package wallet

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Klingon-tech/qiwallet/pkg/crypto"
	"github.com/Klingon-tech/qiwallet/pkg/types"
	"github.com/btcsuite/btcd/btcutil/base58"
)

// Payment code encoding. The payload follows BIP-47 version 1:
// version(1) | features(1) | pubkey(33) | chain code(32) | reserved(13).
const (
	PaymentCodeVersionByte = 0x47
	paymentCodeVersion     = 0x01
	paymentCodePayloadSize = 80

	// channelTweakTag domain-separates the ECDH tweak of channel keys.
	channelTweakTag = "QiPaymentChannel"
)

// PaymentCode is a static, shareable identifier from which both parties of
// a payment channel derive one-time addresses.
type PaymentCode struct {
	PublicKey []byte
	ChainCode []byte
}

// NewPaymentCode builds the payment code of a BIP-47 account node.
func NewPaymentCode(node *HDKey) PaymentCode {
	return PaymentCode{
		PublicKey: append([]byte(nil), node.PublicKeyBytes()...),
		ChainCode: append([]byte(nil), node.ChainCode()...),
	}
}

// String returns the base58check form.
func (pc PaymentCode) String() string {
	payload := make([]byte, paymentCodePayloadSize)
	payload[0] = paymentCodeVersion
	copy(payload[2:35], pc.PublicKey)
	copy(payload[35:67], pc.ChainCode)
	return base58.CheckEncode(payload, PaymentCodeVersionByte)
}

// Equal reports whether two payment codes are the same.
func (pc PaymentCode) Equal(other PaymentCode) bool {
	return bytes.Equal(pc.PublicKey, other.PublicKey) && bytes.Equal(pc.ChainCode, other.ChainCode)
}

// node returns the public BIP-32 node the code encodes.
func (pc PaymentCode) node() (*HDKey, error) {
	return NewPublicHDKey(pc.PublicKey, pc.ChainCode)
}

// ParsePaymentCode decodes and validates a base58check payment code.
func ParsePaymentCode(s string) (PaymentCode, error) {
	payload, version, err := base58.CheckDecode(s)
	if err != nil {
		return PaymentCode{}, fmt.Errorf("%w: payment code: %v", ErrInvalidArgument, err)
	}
	if version != PaymentCodeVersionByte {
		return PaymentCode{}, fmt.Errorf("%w: payment code version byte 0x%02x", ErrInvalidArgument, version)
	}
	if len(payload) != paymentCodePayloadSize {
		return PaymentCode{}, fmt.Errorf("%w: payment code payload is %d bytes", ErrInvalidArgument, len(payload))
	}
	if payload[0] != paymentCodeVersion {
		return PaymentCode{}, fmt.Errorf("%w: unsupported payment code version %d", ErrInvalidArgument, payload[0])
	}
	pc := PaymentCode{
		PublicKey: append([]byte(nil), payload[2:35]...),
		ChainCode: append([]byte(nil), payload[35:67]...),
	}
	if _, err := pc.node(); err != nil {
		return PaymentCode{}, fmt.Errorf("%w: payment code: %v", ErrInvalidArgument, err)
	}
	return pc, nil
}

// PaymentChannel pairs the wallet's payment code with a counterparty's.
// The self sub-tree holds addresses the counterparty pays to; the
// counterparty sub-tree holds addresses the wallet pays to. Next indices
// are tracked per zone.
type PaymentChannel struct {
	Counterparty PaymentCode
	Account      uint32
	NextSelf     map[types.Zone]uint32
	NextSend     map[types.Zone]uint32
}

func (c *PaymentChannel) clone() *PaymentChannel {
	cp := &PaymentChannel{
		Counterparty: c.Counterparty,
		Account:      c.Account,
		NextSelf:     make(map[types.Zone]uint32, len(c.NextSelf)),
		NextSend:     make(map[types.Zone]uint32, len(c.NextSend)),
	}
	for z, i := range c.NextSelf {
		cp.NextSelf[z] = i
	}
	for z, i := range c.NextSend {
		cp.NextSend[z] = i
	}
	return cp
}

// channelKeys derives channel addresses for one side of a channel.
//
// For index i on the local node b and remote node A:
//
//	S   = ECDH(b_i, A_0)
//	s   = TaggedHash(channelTweakTag, S)
//	key = b_i + s, pub = B_i + s*G
//
// The remote side computes the same point as ECDH(a_0, B_i), so both
// parties agree on every address without exchanging anything but codes.
type channelKeys struct {
	provider crypto.Provider
	local    *HDKey // private BIP-47 account node, nil when locked
	local0   *HDKey
	remote   *HDKey // public node of the counterparty
	remote0  []byte
}

func newChannelKeys(provider crypto.Provider, local *HDKey, remote PaymentCode) (*channelKeys, error) {
	node, err := remote.node()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	r0, err := node.DeriveChild(0)
	if err != nil {
		return nil, err
	}
	ck := &channelKeys{provider: provider, remote: node, remote0: r0.PublicKeyBytes()}
	if local != nil {
		ck.local = local
		if ck.local0, err = local.DeriveChild(0); err != nil {
			return nil, err
		}
	}
	return ck, nil
}

// selfKey derives the private key of self index i.
func (ck *channelKeys) selfKey(i uint32) (*crypto.PrivateKey, error) {
	if ck.local == nil {
		return nil, ErrWalletLocked
	}
	child, err := ck.local.DeriveChild(i)
	if err != nil {
		return nil, err
	}
	priv, err := child.Signer()
	if err != nil {
		return nil, err
	}
	defer priv.Zero()

	tweak, err := ck.tweak(priv, ck.remote0)
	if err != nil {
		return nil, err
	}
	return ck.provider.TweakPrivateKey(priv, tweak)
}

// sendPubKey derives the public key of counterparty index i.
func (ck *channelKeys) sendPubKey(i uint32) ([]byte, error) {
	if ck.local0 == nil {
		return nil, ErrWalletLocked
	}
	priv, err := ck.local0.Signer()
	if err != nil {
		return nil, err
	}
	defer priv.Zero()

	remoteI, err := ck.remote.DeriveChild(i)
	if err != nil {
		return nil, err
	}
	tweak, err := ck.tweak(priv, remoteI.PublicKeyBytes())
	if err != nil {
		return nil, err
	}
	return ck.provider.TweakPublicKey(remoteI.PublicKeyBytes(), tweak)
}

func (ck *channelKeys) tweak(priv *crypto.PrivateKey, pub []byte) (types.Hash, error) {
	secret, err := ck.provider.SharedSecret(priv, pub)
	if err != nil {
		return types.Hash{}, err
	}
	defer zeroBytes(secret)
	return ck.provider.TaggedHash(channelTweakTag, secret), nil
}

// nextSelf searches self indices from start for a Qi address in zone.
func (ck *channelKeys) nextSelf(start uint32, zone types.Zone) (*crypto.PrivateKey, uint32, error) {
	for i := start; i < maxChannelIndex; i++ {
		priv, err := ck.selfKey(i)
		if err != nil {
			if errors.Is(err, ErrWalletLocked) {
				return nil, 0, err
			}
			continue
		}
		addr := priv.Address()
		if addr.IsQi() && addr.InZone(zone) {
			return priv, i, nil
		}
		priv.Zero()
	}
	return nil, 0, errIndexSpaceExhausted
}

// nextSend searches counterparty indices from start for a Qi address in zone.
func (ck *channelKeys) nextSend(start uint32, zone types.Zone) ([]byte, uint32, error) {
	for i := start; i < maxChannelIndex; i++ {
		pub, err := ck.sendPubKey(i)
		if err != nil {
			if errors.Is(err, ErrWalletLocked) {
				return nil, 0, err
			}
			continue
		}
		addr := crypto.AddressFromPubKey(pub)
		if addr.IsQi() && addr.InZone(zone) {
			return pub, i, nil
		}
	}
	return nil, 0, errIndexSpaceExhausted
}

// maxChannelIndex keeps channel children non-hardened.
const maxChannelIndex = 1 << 31
