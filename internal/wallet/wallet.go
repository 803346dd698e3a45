package wallet

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/qiwallet/internal/log"
	"github.com/Klingon-tech/qiwallet/internal/utxo"
	"github.com/Klingon-tech/qiwallet/pkg/crypto"
	"github.com/Klingon-tech/qiwallet/pkg/types"
	"github.com/rs/zerolog"
)

// Wallet defaults.
const (
	DefaultGapLimit            = 20
	DefaultScanConcurrency     = 8
	DefaultConfirmPollInterval = 5 * time.Second
)

// errNoProvider is returned by network operations on a wallet built
// without a chain provider.
var errNoProvider = errors.New("no chain provider configured")

// Config configures a Wallet.
type Config struct {
	// Provider is the chain data source. Offline wallets may leave it nil.
	Provider ChainProvider
	// Crypto is the curve backend. Defaults to crypto.Secp256k1.
	Crypto crypto.Provider
	// Account is the BIP-44 account change addresses are drawn from.
	Account uint32
	// GapLimit is the run of empty addresses that ends a discovery branch.
	GapLimit int
	// ScanConcurrency bounds the provider queries in flight per window.
	ScanConcurrency int
	// ConfirmPollInterval is the receipt polling period of
	// WaitForTransaction.
	ConfirmPollInterval time.Duration
	// Logger overrides the wallet component logger.
	Logger *zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.Crypto == nil {
		c.Crypto = crypto.Secp256k1{}
	}
	if c.GapLimit <= 0 {
		c.GapLimit = DefaultGapLimit
	}
	if c.ScanConcurrency <= 0 {
		c.ScanConcurrency = DefaultScanConcurrency
	}
	if c.ConfirmPollInterval <= 0 {
		c.ConfirmPollInterval = DefaultConfirmPollInterval
	}
}

// pendingTx is a signed transaction whose inputs are reserved.
type pendingTx struct {
	Hash   types.Hash
	Zone   types.Zone
	Inputs []types.Outpoint
}

// Wallet is the Qi wallet engine.
//
// Mutating operations (derivation, import, scan, sync, selection and
// assembly, confirmation) are serialised by writer. State reads take mu
// shared, so balances stay readable while a scan waits on the network.
type Wallet struct {
	cfg     Config
	log     zerolog.Logger
	scanLog zerolog.Logger

	writer sync.Mutex

	mu      sync.RWMutex
	book    *AddressBook
	utxos   *utxo.Set
	tips    map[types.Zone]types.BlockRef
	pending map[types.Hash]*pendingTx
}

// New creates a wallet from a BIP-39 seed.
func New(seed []byte, cfg Config) (*Wallet, error) {
	master, err := NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return newWallet(master, cfg), nil
}

func newWallet(master *HDKey, cfg Config) *Wallet {
	cfg.applyDefaults()
	l, sl := log.Wallet, log.Scan
	if cfg.Logger != nil {
		l = *cfg.Logger
		sl = l.With().Str("component", "scan").Logger()
	}
	return &Wallet{
		cfg:     cfg,
		log:     l,
		scanLog: sl,
		book:    NewAddressBook(master, cfg.Crypto),
		utxos:   utxo.NewSet(),
		tips:    make(map[types.Zone]types.BlockRef),
		pending: make(map[types.Hash]*pendingTx),
	}
}

// DeriveNextAddress derives a fresh external or change address.
func (w *Wallet) DeriveNextAddress(account uint32, zone types.Zone, change bool) (*DerivedAddress, error) {
	w.writer.Lock()
	defer w.writer.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()

	da, err := w.book.DeriveNextAddress(account, zone, change)
	if err != nil {
		return nil, err
	}
	return da.clone(), nil
}

// ImportPrivateKey adds a raw private key to the wallet.
func (w *Wallet) ImportPrivateKey(key []byte) (*DerivedAddress, error) {
	w.writer.Lock()
	defer w.writer.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()

	da, err := w.book.ImportPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return da.clone(), nil
}

// PaymentCode returns the wallet's payment code for the configured account.
func (w *Wallet) PaymentCode() (PaymentCode, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.book.PaymentCode(w.cfg.Account)
}

// OpenPaymentChannel opens a payment channel with a counterparty code.
func (w *Wallet) OpenPaymentChannel(code string) (*PaymentChannel, error) {
	w.writer.Lock()
	defer w.writer.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.book.OpenPaymentChannel(code, w.cfg.Account)
}

// NextPaymentAddress derives the next address the counterparty of an open
// channel will pay to in zone.
func (w *Wallet) NextPaymentAddress(code string, zone types.Zone) (*DerivedAddress, error) {
	w.writer.Lock()
	defer w.writer.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()

	da, err := w.book.DeriveChannelAddress(code, zone)
	if err != nil {
		return nil, err
	}
	return da.clone(), nil
}

// Channels returns the open payment channels.
func (w *Wallet) Channels() []*PaymentChannel {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.book.Channels()
}

// Addresses returns the wallet's addresses in zone.
func (w *Wallet) Addresses(zone types.Zone) []*DerivedAddress {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.book.Addresses(zone)
}

// Outpoints returns the tracked outputs in zone, pending ones included.
func (w *Wallet) Outpoints(zone types.Zone) []utxo.Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []utxo.Entry
	for _, e := range w.utxos.All() {
		if e.Address.InZone(zone) {
			out = append(out, e)
		}
	}
	return out
}

// Tip returns the last block a scan or sync of zone was stamped with.
func (w *Wallet) Tip(zone types.Zone) types.BlockRef {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tips[zone]
}

// PendingTransactions returns the hashes of transactions whose inputs are
// reserved.
func (w *Wallet) PendingTransactions() []types.Hash {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]types.Hash, 0, len(w.pending))
	for h := range w.pending {
		out = append(out, h)
	}
	return out
}

// Lock drops all private key material. Reads and discovery of already
// known addresses keep working; signing and derivation fail with
// ErrWalletLocked.
func (w *Wallet) Lock() {
	w.writer.Lock()
	defer w.writer.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.book.Lock()
	w.log.Info().Msg("wallet locked")
}
