package wallet

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecrypt is returned when a sealed record fails authentication. A
// wrong password and a tampered record are indistinguishable.
var ErrDecrypt = errors.New("wrong password or corrupted data")

// Sealed record layout:
//
//	version(1) | salt(16) | memory(4) | time(4) | threads(1) | nonce(24) | ciphertext+tag
//
// Everything before the nonce is authenticated as associated data, so the
// key derivation parameters cannot be downgraded without detection.
const (
	sealVersion = 1
	saltLen     = 16
	kdfLen      = 1 + saltLen + 4 + 4 + 1
	sealedMin   = kdfLen + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

	// Bounds on parameters read back from disk.
	maxMemoryKiB  = 4 << 20
	maxIterations = 64
)

// EncryptionParams are the Argon2id cost parameters.
type EncryptionParams struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
}

// DefaultParams returns the cost used for on-disk wallets.
func DefaultParams() EncryptionParams {
	return EncryptionParams{Memory: 64 << 10, Iterations: 3, Parallelism: 4}
}

func (p EncryptionParams) validate() error {
	switch {
	case p.Iterations == 0 || p.Iterations > maxIterations:
		return fmt.Errorf("argon2 iterations %d out of range", p.Iterations)
	case p.Parallelism == 0:
		return errors.New("argon2 parallelism must be positive")
	case p.Memory < 8*uint32(p.Parallelism) || p.Memory > maxMemoryKiB:
		return fmt.Errorf("argon2 memory %d KiB out of range", p.Memory)
	}
	return nil
}

func (p EncryptionParams) key(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, p.Iterations, p.Memory, p.Parallelism, chacha20poly1305.KeySize)
}

// Encrypt seals data under password with XChaCha20-Poly1305 and an
// Argon2id-stretched key. The cost parameters are stored in the record.
func Encrypt(data, password []byte, params EncryptionParams) ([]byte, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	head := make([]byte, kdfLen)
	head[0] = sealVersion
	salt := head[1 : 1+saltLen]
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	binary.BigEndian.PutUint32(head[1+saltLen:], params.Memory)
	binary.BigEndian.PutUint32(head[5+saltLen:], params.Iterations)
	head[kdfLen-1] = params.Parallelism

	key := params.key(password, salt)
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	out := make([]byte, 0, sealedMin+len(data))
	out = append(append(out, head...), nonce...)
	return append(out, aead.Seal(nil, nonce, data, head)...), nil
}

// Decrypt opens a record produced by Encrypt.
func Decrypt(sealed, password []byte) ([]byte, error) {
	if len(sealed) < sealedMin {
		return nil, fmt.Errorf("%w: record is %d bytes", ErrDecrypt, len(sealed))
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("%w: unknown record version %d", ErrDecrypt, sealed[0])
	}

	head := sealed[:kdfLen]
	params := EncryptionParams{
		Memory:      binary.BigEndian.Uint32(head[1+saltLen:]),
		Iterations:  binary.BigEndian.Uint32(head[5+saltLen:]),
		Parallelism: head[kdfLen-1],
	}
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	key := params.key(password, head[1:1+saltLen])
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce := sealed[kdfLen : kdfLen+aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, sealed[kdfLen+aead.NonceSize():], head)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}
