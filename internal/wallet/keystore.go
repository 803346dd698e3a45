package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Klingon-tech/qiwallet/internal/log"
	"github.com/Klingon-tech/qiwallet/internal/storage"
)

// Keystore errors.
var (
	ErrWalletExists   = errors.New("wallet already exists")
	ErrWalletNotFound = errors.New("wallet not found")
)

// keystoreVersion is the version of the per-wallet metadata record.
const keystoreVersion = 1

// Record keys inside a wallet namespace.
var (
	keyMeta     = []byte("meta")
	keySeed     = []byte("seed")
	keyMnemonic = []byte("mnemonic")
	keyState    = []byte("state")
)

// walletNamespace prefixes every wallet's records: w/<name>/<key>.
const walletNamespace = "w/"

// keystoreMeta is stored in clear next to the encrypted records.
type keystoreMeta struct {
	Version   int       `json:"version"`
	CoinType  uint32    `json:"coin_type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Keystore keeps encrypted wallets in a key-value store. Each wallet lives
// in its own namespace holding the encrypted seed, the encrypted mnemonic
// and the encrypted wallet state.
type Keystore struct {
	db     storage.DB
	params EncryptionParams
}

// NewKeystore creates a keystore over db encrypting with params.
func NewKeystore(db storage.DB, params EncryptionParams) *Keystore {
	return &Keystore{db: db, params: params}
}

func (ks *Keystore) namespace(name string) *storage.PrefixDB {
	return storage.NewPrefixDB(ks.db, []byte(walletNamespace+name+"/"))
}

func validWalletName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%w: invalid wallet name %q", ErrInvalidArgument, name)
	}
	return nil
}

// Exists reports whether a wallet called name is stored.
func (ks *Keystore) Exists(name string) (bool, error) {
	if err := validWalletName(name); err != nil {
		return false, err
	}
	return ks.namespace(name).Has(keyMeta)
}

// Create stores a new wallet from a BIP-39 mnemonic. The seed is derived
// with passphrase; both seed and mnemonic are encrypted with password.
func (ks *Keystore) Create(name, mnemonic, passphrase string, password []byte) error {
	ok, err := ks.Exists(name)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %q", ErrWalletExists, name)
	}

	seed, err := SeedFromMnemonic(mnemonic, passphrase)
	if err != nil {
		return err
	}
	defer zeroBytes(seed)

	encSeed, err := Encrypt(seed, password, ks.params)
	if err != nil {
		return fmt.Errorf("encrypt seed: %w", err)
	}
	encMnemonic, err := Encrypt([]byte(normalizeMnemonic(mnemonic)), password, ks.params)
	if err != nil {
		return fmt.Errorf("encrypt mnemonic: %w", err)
	}
	meta, err := json.Marshal(keystoreMeta{
		Version:   keystoreVersion,
		CoinType:  coinTypeQi,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal wallet meta: %w", err)
	}

	b := ks.namespace(name).NewBatch()
	if err := b.Put(keySeed, encSeed); err != nil {
		return err
	}
	if err := b.Put(keyMnemonic, encMnemonic); err != nil {
		return err
	}
	if err := b.Put(keyMeta, meta); err != nil {
		return err
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("store wallet %q: %w", name, err)
	}
	log.Storage.Info().Str("wallet", name).Msg("wallet created")
	return nil
}

// Open decrypts and returns the seed of a stored wallet.
func (ks *Keystore) Open(name string, password []byte) ([]byte, error) {
	return ks.decryptRecord(name, keySeed, password)
}

// Mnemonic decrypts and returns the recovery phrase of a stored wallet.
func (ks *Keystore) Mnemonic(name string, password []byte) (string, error) {
	b, err := ks.decryptRecord(name, keyMnemonic, password)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SaveState encrypts and stores the serialized state of w.
func (ks *Keystore) SaveState(name string, w *Wallet, password []byte) error {
	meta, err := ks.meta(name)
	if err != nil {
		return err
	}
	state, err := w.Serialize()
	if err != nil {
		return fmt.Errorf("serialize wallet: %w", err)
	}
	enc, err := Encrypt(state, password, ks.params)
	zeroBytes(state)
	if err != nil {
		return fmt.Errorf("encrypt state: %w", err)
	}

	meta.UpdatedAt = time.Now().UTC()
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal wallet meta: %w", err)
	}

	b := ks.namespace(name).NewBatch()
	if err := b.Put(keyState, enc); err != nil {
		return err
	}
	if err := b.Put(keyMeta, metaBytes); err != nil {
		return err
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("store wallet state %q: %w", name, err)
	}
	log.Storage.Debug().Str("wallet", name).Int("bytes", len(enc)).Msg("wallet state saved")
	return nil
}

// Load opens a stored wallet and restores its state. A wallet that never
// saved state starts empty.
func (ks *Keystore) Load(name string, password []byte, cfg Config) (*Wallet, error) {
	seed, err := ks.Open(name, password)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(seed)

	state, err := ks.decryptRecord(name, keyState, password)
	if errors.Is(err, storage.ErrNotFound) {
		return New(seed, cfg)
	}
	if err != nil {
		return nil, err
	}
	defer zeroBytes(state)
	return Deserialize(seed, state, cfg)
}

// List returns the names of the stored wallets in order.
func (ks *Keystore) List() ([]string, error) {
	var names []string
	suffix := "/" + string(keyMeta)
	err := ks.db.ForEach([]byte(walletNamespace), func(key, _ []byte) error {
		k := strings.TrimPrefix(string(key), walletNamespace)
		if name, ok := strings.CutSuffix(k, suffix); ok && !strings.Contains(name, "/") {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes every record of a stored wallet.
func (ks *Keystore) Delete(name string) error {
	ok, err := ks.Exists(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrWalletNotFound, name)
	}
	if err := ks.namespace(name).DeleteAll(); err != nil {
		return fmt.Errorf("delete wallet %q: %w", name, err)
	}
	log.Storage.Info().Str("wallet", name).Msg("wallet deleted")
	return nil
}

func (ks *Keystore) meta(name string) (*keystoreMeta, error) {
	if err := validWalletName(name); err != nil {
		return nil, err
	}
	raw, err := ks.namespace(name).Get(keyMeta)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrWalletNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read wallet %q: %w", name, err)
	}
	var m keystoreMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse wallet %q: %w", name, err)
	}
	if m.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported wallet version: %d", m.Version)
	}
	return &m, nil
}

// decryptRecord reads and decrypts one record. A missing record returns
// storage.ErrNotFound.
func (ks *Keystore) decryptRecord(name string, key, password []byte) ([]byte, error) {
	if _, err := ks.meta(name); err != nil {
		return nil, err
	}
	enc, err := ks.namespace(name).Get(key)
	if err != nil {
		return nil, fmt.Errorf("read %s of wallet %q: %w", key, name, err)
	}
	plain, err := Decrypt(enc, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt wallet %q: %w", name, err)
	}
	return plain, nil
}
