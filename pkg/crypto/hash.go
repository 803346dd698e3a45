// Package crypto provides the cryptographic primitives used by the Qi wallet:
// hashing, Schnorr keys, key tweaks, ECDH and MuSig2 aggregate signing.
package crypto

import (
	"github.com/Klingon-tech/qiwallet/pkg/types"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/zeebo/blake3"
)

// Hash returns the BLAKE3-256 digest of the concatenated parts.
func Hash(parts ...[]byte) types.Hash {
	if len(parts) == 1 {
		return blake3.Sum256(parts[0])
	}
	h := blake3.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out types.Hash
	h.Sum(out[:0])
	return out
}

// TaggedHash is the BIP-340 domain separated SHA-256 used for key tweaks.
func TaggedHash(tag string, msgs ...[]byte) types.Hash {
	return types.Hash(*chainhash.TaggedHash([]byte(tag), msgs...))
}

// AddressFromPubKey maps a compressed public key to its 20-byte address,
// the leading bytes of its BLAKE3 digest. The zone and ledger bits live in
// those same bytes, which is why wallets grind child indices per zone.
func AddressFromPubKey(pubKey []byte) (addr types.Address) {
	digest := Hash(pubKey)
	copy(addr[:], digest[:])
	return addr
}
