// Package wallet implements the Qi wallet engine: HD and payment code key
// derivation, the address book, gap-limit discovery, denomination-aware coin
// selection and aggregate-signed transaction assembly.
package wallet

import (
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

const (
	// SeedSize is the length of a BIP-39 seed in bytes.
	SeedSize = 64

	// New wallets get 24 words. Imports accept any length BIP-39 allows.
	mnemonicWords = 24
)

// GenerateMnemonic returns a fresh 24-word recovery phrase.
func GenerateMnemonic() (string, error) {
	// 32 bits of entropy per three words.
	entropy, err := bip39.NewEntropy(mnemonicWords / 3 * 32)
	if err != nil {
		return "", fmt.Errorf("mnemonic entropy: %w", err)
	}
	defer zeroBytes(entropy)

	phrase, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("encode mnemonic: %w", err)
	}
	return phrase, nil
}

// ValidateMnemonic reports whether phrase is a well-formed BIP-39 mnemonic.
// Runs of whitespace between words are tolerated.
func ValidateMnemonic(phrase string) bool {
	return bip39.IsMnemonicValid(normalizeMnemonic(phrase))
}

// SeedFromMnemonic stretches a recovery phrase and optional passphrase into
// the 64-byte wallet seed.
func SeedFromMnemonic(phrase, passphrase string) ([]byte, error) {
	phrase = normalizeMnemonic(phrase)
	if !bip39.IsMnemonicValid(phrase) {
		return nil, fmt.Errorf("%w: invalid mnemonic", ErrInvalidArgument)
	}
	seed, err := bip39.NewSeedWithErrorChecking(phrase, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return seed, nil
}

func normalizeMnemonic(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}

// zeroBytes wipes secret material in place.
func zeroBytes(b []byte) {
	clear(b)
}
