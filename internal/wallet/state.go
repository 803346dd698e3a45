package wallet

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/qiwallet/internal/utxo"
	"github.com/Klingon-tech/qiwallet/pkg/crypto"
	"github.com/Klingon-tech/qiwallet/pkg/types"
	"github.com/tyler-smith/go-bip32"
)

// StateVersion is the version of the serialized wallet record.
const StateVersion = 1

// coinTypeQi is the unhardened SLIP-44 coin type stored in the record.
const coinTypeQi = CoinTypeQi - bip32.FirstHardenedChild

type stateRecord struct {
	Version      int                           `json:"version"`
	CoinType     uint32                        `json:"coin_type"`
	Account      uint32                        `json:"account"`
	Addresses    []addressRecord               `json:"addresses"`
	ImportedKeys []importedKeyRecord           `json:"imported_keys,omitempty"`
	Outpoints    []outpointRecord              `json:"outpoints"`
	Channels     []channelRecord               `json:"channels,omitempty"`
	SyncedBlocks map[types.Zone]types.BlockRef `json:"synced_blocks,omitempty"`
	PendingTxs   []pendingRecord               `json:"pending_txs,omitempty"`
}

type addressRecord struct {
	PublicKey       string         `json:"public_key"`
	Address         types.Address  `json:"address"`
	Account         uint32         `json:"account"`
	Index           uint32         `json:"index"`
	Change          bool           `json:"change,omitempty"`
	Zone            types.Zone     `json:"zone"`
	Status          AddressStatus  `json:"status"`
	DerivationPath  string         `json:"derivation_path,omitempty"`
	LastSyncedBlock types.BlockRef `json:"last_synced_block"`
	Source          Source         `json:"source"`
	Channel         string         `json:"channel,omitempty"`
}

type importedKeyRecord struct {
	Address    types.Address `json:"address"`
	PrivateKey string        `json:"private_key"`
}

type outpointRecord struct {
	utxo.UTXO
	Pending bool `json:"pending,omitempty"`
}

type channelRecord struct {
	Counterparty string                `json:"counterparty"`
	Account      uint32                `json:"account"`
	NextSelf     map[types.Zone]uint32 `json:"next_self,omitempty"`
	NextSend     map[types.Zone]uint32 `json:"next_send,omitempty"`
}

type pendingRecord struct {
	Hash   types.Hash       `json:"hash"`
	Zone   types.Zone       `json:"zone"`
	Inputs []types.Outpoint `json:"inputs"`
}

// Serialize encodes the wallet state: addresses, imported keys, tracked
// outputs, payment channels, zone tips and pending transactions. The seed
// is not included. Imported keys are included unless the wallet is locked,
// so the record must be stored encrypted.
func (w *Wallet) Serialize() ([]byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	rec := stateRecord{
		Version:      StateVersion,
		CoinType:     coinTypeQi,
		Account:      w.cfg.Account,
		SyncedBlocks: make(map[types.Zone]types.BlockRef, len(w.tips)),
	}
	for _, da := range w.book.All() {
		rec.Addresses = append(rec.Addresses, addressRecord{
			PublicKey:       hex.EncodeToString(da.PublicKey),
			Address:         da.Address,
			Account:         da.Account,
			Index:           da.Index,
			Change:          da.Change,
			Zone:            da.Zone,
			Status:          da.Status,
			DerivationPath:  da.DerivationPath,
			LastSyncedBlock: da.LastSyncedBlock,
			Source:          da.Source,
			Channel:         da.Channel,
		})
	}
	for _, da := range w.book.imported.order {
		if key, ok := w.book.imported.keys[da.Address]; ok {
			rec.ImportedKeys = append(rec.ImportedKeys, importedKeyRecord{
				Address:    da.Address,
				PrivateKey: hex.EncodeToString(key),
			})
		}
	}
	for _, e := range w.utxos.All() {
		rec.Outpoints = append(rec.Outpoints, outpointRecord{
			UTXO:    e.UTXO,
			Pending: e.Status == utxo.StatusPending,
		})
	}
	for _, ch := range w.book.Channels() {
		rec.Channels = append(rec.Channels, channelRecord{
			Counterparty: ch.Counterparty.String(),
			Account:      ch.Account,
			NextSelf:     ch.NextSelf,
			NextSend:     ch.NextSend,
		})
	}
	for z, ref := range w.tips {
		rec.SyncedBlocks[z] = ref
	}
	for _, p := range w.pending {
		rec.PendingTxs = append(rec.PendingTxs, pendingRecord{Hash: p.Hash, Zone: p.Zone, Inputs: p.Inputs})
	}
	return json.Marshal(rec)
}

// Deserialize rebuilds a wallet from seed and a record produced by
// Serialize. A nil seed yields a locked wallet that can scan and report
// balances but not sign or derive. Duplicate address entries collapse to
// the one with the furthest status.
func Deserialize(seed, data []byte, cfg Config) (*Wallet, error) {
	var rec stateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode wallet state: %v", ErrInvalidArgument, err)
	}
	if rec.Version != StateVersion {
		return nil, fmt.Errorf("%w: unsupported wallet state version %d", ErrInvalidArgument, rec.Version)
	}
	if rec.CoinType != coinTypeQi {
		return nil, fmt.Errorf("%w: coin type %d is not Qi", ErrInvalidArgument, rec.CoinType)
	}

	var master *HDKey
	if seed != nil {
		var err error
		if master, err = NewMasterKey(seed); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	}
	if cfg.Account == 0 {
		cfg.Account = rec.Account
	}
	w := newWallet(master, cfg)
	book := w.book

	for _, cr := range rec.Channels {
		if err := restoreChannel(book, cr); err != nil {
			return nil, err
		}
	}

	keys := make(map[types.Address][]byte, len(rec.ImportedKeys))
	for _, kr := range rec.ImportedKeys {
		key, err := hex.DecodeString(kr.PrivateKey)
		if err != nil || len(key) != crypto.PrivateKeySize {
			return nil, fmt.Errorf("%w: imported key for %s", ErrInvalidArgument, kr.Address)
		}
		keys[kr.Address] = key
	}

	for _, da := range dedupeAddresses(rec.Addresses) {
		if err := restoreAddress(book, da, keys); err != nil {
			return nil, err
		}
	}
	for _, k := range keys {
		zeroBytes(k)
	}

	for _, or := range rec.Outpoints {
		if _, ok := book.Lookup(or.Address); !ok {
			return nil, fmt.Errorf("%w: outpoint %s pays unknown address %s", ErrInvalidArgument, or.Outpoint, or.Address)
		}
		u, err := utxo.New(or.Outpoint, or.Address, or.Denomination, or.Lock)
		if err != nil {
			return nil, fmt.Errorf("%w: outpoint %s: %v", ErrInvalidArgument, or.Outpoint, err)
		}
		e := utxo.Entry{UTXO: u}
		if or.Pending {
			e.Status = utxo.StatusPending
		}
		w.utxos.PutEntry(e)
	}

	for z, ref := range rec.SyncedBlocks {
		w.tips[z] = ref
	}
	for _, pr := range rec.PendingTxs {
		w.pending[pr.Hash] = &pendingTx{Hash: pr.Hash, Zone: pr.Zone, Inputs: pr.Inputs}
	}

	w.log.Info().
		Int("addresses", len(book.All())).
		Int("outpoints", w.utxos.Len()).
		Int("channels", len(rec.Channels)).
		Bool("locked", master == nil).
		Msg("wallet state restored")
	return w, nil
}

func restoreChannel(book *AddressBook, cr channelRecord) error {
	pc, err := ParsePaymentCode(cr.Counterparty)
	if err != nil {
		return err
	}
	if _, dup := book.channels[pc.String()]; dup {
		return nil
	}
	var local *HDKey
	if book.hd.master != nil {
		if local, err = book.paymentCodeNode(cr.Account); err != nil {
			return err
		}
	}
	ch := &PaymentChannel{
		Counterparty: pc,
		Account:      cr.Account,
		NextSelf:     make(map[types.Zone]uint32, len(cr.NextSelf)),
		NextSend:     make(map[types.Zone]uint32, len(cr.NextSend)),
	}
	for z, n := range cr.NextSelf {
		ch.NextSelf[z] = n
	}
	for z, n := range cr.NextSend {
		ch.NextSend[z] = n
	}
	return book.addChannel(ch, local)
}

// dedupeAddresses collapses records of the same address, keeping the
// furthest status and the latest sync stamp. First-seen order is kept.
func dedupeAddresses(recs []addressRecord) []addressRecord {
	idx := make(map[types.Address]int, len(recs))
	var out []addressRecord
	for _, r := range recs {
		i, ok := idx[r.Address]
		if !ok {
			idx[r.Address] = len(out)
			out = append(out, r)
			continue
		}
		if r.Status > out[i].Status {
			out[i].Status = r.Status
		}
		if r.LastSyncedBlock.Number > out[i].LastSyncedBlock.Number {
			out[i].LastSyncedBlock = r.LastSyncedBlock
		}
	}
	return out
}

func restoreAddress(book *AddressBook, r addressRecord, keys map[types.Address][]byte) error {
	pub, err := hex.DecodeString(r.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: public key of %s: %v", ErrInvalidArgument, r.Address, err)
	}
	if got := crypto.AddressFromPubKey(pub); got != r.Address {
		return fmt.Errorf("%w: public key does not hash to %s", ErrInvalidArgument, r.Address)
	}
	if !r.Zone.IsValid() || !r.Address.InZone(r.Zone) {
		return fmt.Errorf("%w: address %s is not in zone %s", ErrInvalidArgument, r.Address, r.Zone)
	}
	da := &DerivedAddress{
		PublicKey:       pub,
		Address:         r.Address,
		Account:         r.Account,
		Index:           r.Index,
		Change:          r.Change,
		Zone:            r.Zone,
		Status:          r.Status,
		DerivationPath:  r.DerivationPath,
		LastSyncedBlock: r.LastSyncedBlock,
		Source:          r.Source,
		Channel:         r.Channel,
	}

	switch r.Source {
	case SourceBIP44:
		if da.DerivationPath == "" {
			da.DerivationPath = bip44Path(da.Account, da.branch(), da.Index)
		}
		book.hd.restore(da)
	case SourceImported:
		book.restoreImported(da, keys[r.Address])
	case SourceChannel:
		pc, err := ParsePaymentCode(r.Channel)
		if err != nil {
			return err
		}
		cs, ok := book.channels[pc.String()]
		if !ok {
			return fmt.Errorf("%w: address %s belongs to unknown channel", ErrInvalidArgument, r.Address)
		}
		cs.restore(da)
	default:
		return fmt.Errorf("%w: address %s has unknown source %q", ErrInvalidArgument, r.Address, r.Source)
	}
	return nil
}
