package wallet

import (
	"fmt"
	"sort"

	"github.com/Klingon-tech/qiwallet/internal/log"
	"github.com/Klingon-tech/qiwallet/pkg/crypto"
	"github.com/Klingon-tech/qiwallet/pkg/types"
)

// AddressSource is one pool of wallet addresses. The address book holds one
// source per pool and delegates lookups and key access to them.
type AddressSource interface {
	// Kind names the pool.
	Kind() Source
	// Lookup finds an address in the pool.
	Lookup(addr types.Address) (*DerivedAddress, bool)
	// Addresses returns the pool's addresses in derivation order.
	Addresses() []*DerivedAddress
	// PrivateKey returns the signing key of an address in the pool.
	PrivateKey(addr types.Address) (*crypto.PrivateKey, error)
}

// pool is the address collection shared by every source.
type pool struct {
	byAddr map[types.Address]*DerivedAddress
	order  []*DerivedAddress
}

func newPool() pool {
	return pool{byAddr: make(map[types.Address]*DerivedAddress)}
}

func (p *pool) add(da *DerivedAddress) {
	p.byAddr[da.Address] = da
	p.order = append(p.order, da)
}

func (p *pool) Lookup(addr types.Address) (*DerivedAddress, bool) {
	da, ok := p.byAddr[addr]
	return da, ok
}

func (p *pool) Addresses() []*DerivedAddress {
	return p.order
}

// hdSource derives BIP-44 external and change addresses.
type hdSource struct {
	pool
	master   *HDKey
	branches map[branchKey]branchNode
	next     map[cursorKey]uint32
	accounts map[uint32]bool
}

type branchKey struct {
	account, change uint32
}

type branchNode struct {
	priv, pub *HDKey
}

type cursorKey struct {
	account, change uint32
	zone            types.Zone
}

func newHDSource(master *HDKey) *hdSource {
	return &hdSource{
		pool:     newPool(),
		master:   master,
		branches: make(map[branchKey]branchNode),
		next:     make(map[cursorKey]uint32),
		accounts: map[uint32]bool{0: true},
	}
}

func (s *hdSource) Kind() Source { return SourceBIP44 }

func (s *hdSource) branch(account, change uint32) (branchNode, error) {
	k := branchKey{account, change}
	if b, ok := s.branches[k]; ok {
		return b, nil
	}
	if s.master == nil {
		return branchNode{}, ErrWalletLocked
	}
	priv, err := s.master.DeriveBranch(account, change)
	if err != nil {
		return branchNode{}, err
	}
	b := branchNode{priv: priv, pub: priv.Neuter()}
	s.branches[k] = b
	return b, nil
}

// derive adds the next address of (account, change, zone). Indices only
// move forward, so a used index is never handed out again.
func (s *hdSource) derive(account uint32, zone types.Zone, change bool) (*DerivedAddress, error) {
	da := &DerivedAddress{Account: account, Change: change, Zone: zone, Source: SourceBIP44}
	b, err := s.branch(account, da.branch())
	if err != nil {
		return nil, err
	}
	c := cursorKey{account, da.branch(), zone}
	child, idx, err := b.pub.NextZoneChild(s.next[c], zone)
	if err != nil {
		return nil, err
	}
	da.PublicKey = child.PublicKeyBytes()
	da.Address = child.Address()
	da.Index = idx
	da.DerivationPath = bip44Path(account, da.branch(), idx)
	s.restore(da)
	return da, nil
}

// restore adds an address without deriving it.
func (s *hdSource) restore(da *DerivedAddress) {
	s.add(da)
	s.accounts[da.Account] = true
	c := cursorKey{da.Account, da.branch(), da.Zone}
	if da.Index+1 > s.next[c] {
		s.next[c] = da.Index + 1
	}
}

func (s *hdSource) PrivateKey(addr types.Address) (*crypto.PrivateKey, error) {
	da, ok := s.byAddr[addr]
	if !ok {
		return nil, ErrAddressNotOwned
	}
	b, err := s.branch(da.Account, da.branch())
	if err != nil {
		return nil, err
	}
	child, err := b.priv.DeriveChild(da.Index)
	if err != nil {
		return nil, err
	}
	priv, err := child.Signer()
	if err != nil {
		return nil, err
	}
	if priv.Address() != addr {
		priv.Zero()
		return nil, fmt.Errorf("derived key for %s does not match path %s", addr, da.DerivationPath)
	}
	return priv, nil
}

// branchAddresses returns one branch of one zone in index order.
func (s *hdSource) branchAddresses(account uint32, zone types.Zone, change bool) []*DerivedAddress {
	var out []*DerivedAddress
	for _, da := range s.order {
		if da.Account == account && da.Zone == zone && da.Change == change {
			out = append(out, da)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (s *hdSource) lock() {
	s.master = nil
	s.branches = make(map[branchKey]branchNode)
}

// importedSource holds raw private keys imported outside the HD tree.
type importedSource struct {
	pool
	keys map[types.Address][]byte
}

func newImportedSource() *importedSource {
	return &importedSource{pool: newPool(), keys: make(map[types.Address][]byte)}
}

func (s *importedSource) Kind() Source { return SourceImported }

func (s *importedSource) PrivateKey(addr types.Address) (*crypto.PrivateKey, error) {
	if _, ok := s.byAddr[addr]; !ok {
		return nil, ErrAddressNotOwned
	}
	raw, ok := s.keys[addr]
	if !ok {
		return nil, ErrWalletLocked
	}
	return crypto.PrivateKeyFromBytes(raw)
}

func (s *importedSource) lock() {
	for _, k := range s.keys {
		zeroBytes(k)
	}
	s.keys = make(map[types.Address][]byte)
}

// channelSource holds the self sub-tree of one payment channel.
type channelSource struct {
	pool
	channel *PaymentChannel
	keys    *channelKeys
}

func (s *channelSource) Kind() Source { return SourceChannel }

func (s *channelSource) PrivateKey(addr types.Address) (*crypto.PrivateKey, error) {
	da, ok := s.byAddr[addr]
	if !ok {
		return nil, ErrAddressNotOwned
	}
	priv, err := s.keys.selfKey(da.Index)
	if err != nil {
		return nil, err
	}
	if priv.Address() != addr {
		priv.Zero()
		return nil, fmt.Errorf("channel key for %s does not match index %d", addr, da.Index)
	}
	return priv, nil
}

func (s *channelSource) deriveSelf(zone types.Zone) (*DerivedAddress, error) {
	priv, idx, err := s.keys.nextSelf(s.channel.NextSelf[zone], zone)
	if err != nil {
		return nil, err
	}
	defer priv.Zero()
	da := &DerivedAddress{
		PublicKey:      priv.PublicKey(),
		Address:        priv.Address(),
		Account:        s.channel.Account,
		Index:          idx,
		Zone:           zone,
		DerivationPath: bip47Path(s.channel.Account, idx),
		Source:         SourceChannel,
		Channel:        s.channel.Counterparty.String(),
	}
	s.restore(da)
	return da, nil
}

func (s *channelSource) restore(da *DerivedAddress) {
	s.add(da)
	if da.Index+1 > s.channel.NextSelf[da.Zone] {
		s.channel.NextSelf[da.Zone] = da.Index + 1
	}
}

func (s *channelSource) zoneAddresses(zone types.Zone) []*DerivedAddress {
	var out []*DerivedAddress
	for _, da := range s.order {
		if da.Zone == zone {
			out = append(out, da)
		}
	}
	return out
}

// AddressBook owns every address the wallet controls. It is not safe for
// concurrent use; Wallet serialises access to it.
type AddressBook struct {
	provider crypto.Provider
	hd       *hdSource
	imported *importedSource
	channels map[string]*channelSource
	// channelOrder keeps channels in the order they were opened.
	channelOrder []string
}

// NewAddressBook creates an address book deriving from master. A nil
// master yields a locked book that can only be restored into.
func NewAddressBook(master *HDKey, provider crypto.Provider) *AddressBook {
	return &AddressBook{
		provider: provider,
		hd:       newHDSource(master),
		imported: newImportedSource(),
		channels: make(map[string]*channelSource),
	}
}

// Sources returns every address source.
func (b *AddressBook) Sources() []AddressSource {
	out := []AddressSource{b.hd, b.imported}
	for _, code := range b.channelOrder {
		out = append(out, b.channels[code])
	}
	return out
}

// Lookup finds an owned address.
func (b *AddressBook) Lookup(addr types.Address) (*DerivedAddress, bool) {
	for _, src := range b.Sources() {
		if da, ok := src.Lookup(addr); ok {
			return da, true
		}
	}
	return nil, false
}

// PrivateKey returns the signing key for an owned address.
func (b *AddressBook) PrivateKey(addr types.Address) (*crypto.PrivateKey, error) {
	for _, src := range b.Sources() {
		if _, ok := src.Lookup(addr); ok {
			return src.PrivateKey(addr)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrAddressNotOwned, addr)
}

// Addresses returns copies of every address in zone, grouped by source.
func (b *AddressBook) Addresses(zone types.Zone) []*DerivedAddress {
	var out []*DerivedAddress
	for _, src := range b.Sources() {
		for _, da := range src.Addresses() {
			if da.Zone == zone {
				out = append(out, da.clone())
			}
		}
	}
	return out
}

// All returns copies of every address.
func (b *AddressBook) All() []*DerivedAddress {
	var out []*DerivedAddress
	for _, src := range b.Sources() {
		for _, da := range src.Addresses() {
			out = append(out, da.clone())
		}
	}
	return out
}

// Accounts returns the BIP-44 accounts with derived addresses, ascending.
func (b *AddressBook) Accounts() []uint32 {
	out := make([]uint32, 0, len(b.hd.accounts))
	for a := range b.hd.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DeriveNextAddress derives a fresh external or change address of account
// in zone.
func (b *AddressBook) DeriveNextAddress(account uint32, zone types.Zone, change bool) (*DerivedAddress, error) {
	if !zone.IsValid() {
		return nil, fmt.Errorf("%w: zone %d", ErrInvalidArgument, uint8(zone))
	}
	if account >= maxChannelIndex {
		return nil, fmt.Errorf("%w: account %d out of range", ErrInvalidArgument, account)
	}
	da, err := b.hd.derive(account, zone, change)
	if err != nil {
		return nil, err
	}
	log.Wallet.Debug().
		Str("address", da.Address.String()).
		Str("path", da.DerivationPath).
		Str("zone", zone.String()).
		Msg("derived address")
	return da, nil
}

// ImportPrivateKey adds a raw 32-byte key to the imported pool. The key's
// address must be a Qi address in a valid zone and not already owned.
func (b *AddressBook) ImportPrivateKey(key []byte) (*DerivedAddress, error) {
	if len(key) != crypto.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes, got %d", ErrInvalidArgument, crypto.PrivateKeySize, len(key))
	}
	priv, err := b.provider.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	defer priv.Zero()

	addr := priv.Address()
	if !addr.IsQi() {
		return nil, fmt.Errorf("%w: address %s is not on the Qi ledger", ErrInvalidArgument, addr)
	}
	zone, ok := addr.Zone()
	if !ok {
		return nil, fmt.Errorf("%w: address %s has no valid zone", ErrInvalidArgument, addr)
	}
	if _, dup := b.Lookup(addr); dup {
		return nil, fmt.Errorf("%w: address %s already in wallet", ErrInvalidArgument, addr)
	}

	da := &DerivedAddress{
		PublicKey: priv.PublicKey(),
		Address:   addr,
		Index:     uint32(len(b.imported.order)),
		Zone:      zone,
		Source:    SourceImported,
	}
	b.restoreImported(da, key)
	log.Wallet.Info().Str("address", addr.String()).Msg("imported private key")
	return da, nil
}

func (b *AddressBook) restoreImported(da *DerivedAddress, key []byte) {
	b.imported.add(da)
	if key != nil {
		b.imported.keys[da.Address] = append([]byte(nil), key...)
	}
}

// PaymentCode returns the wallet's payment code for account.
func (b *AddressBook) PaymentCode(account uint32) (PaymentCode, error) {
	node, err := b.paymentCodeNode(account)
	if err != nil {
		return PaymentCode{}, err
	}
	return NewPaymentCode(node), nil
}

func (b *AddressBook) paymentCodeNode(account uint32) (*HDKey, error) {
	if b.hd.master == nil {
		return nil, ErrWalletLocked
	}
	return b.hd.master.DerivePaymentCodeNode(account)
}

// OpenPaymentChannel opens (or returns the already open) channel with the
// counterparty code.
func (b *AddressBook) OpenPaymentChannel(code string, account uint32) (*PaymentChannel, error) {
	pc, err := ParsePaymentCode(code)
	if err != nil {
		return nil, err
	}
	if cs, ok := b.channels[pc.String()]; ok {
		return cs.channel.clone(), nil
	}
	local, err := b.paymentCodeNode(account)
	if err != nil {
		return nil, err
	}
	if own := NewPaymentCode(local); own.Equal(pc) {
		return nil, fmt.Errorf("%w: cannot open a channel to the wallet's own payment code", ErrInvalidArgument)
	}
	ch := &PaymentChannel{
		Counterparty: pc,
		Account:      account,
		NextSelf:     make(map[types.Zone]uint32),
		NextSend:     make(map[types.Zone]uint32),
	}
	if err := b.addChannel(ch, local); err != nil {
		return nil, err
	}
	log.Wallet.Info().Str("counterparty", pc.String()).Uint32("account", account).Msg("opened payment channel")
	return ch.clone(), nil
}

func (b *AddressBook) addChannel(ch *PaymentChannel, local *HDKey) error {
	keys, err := newChannelKeys(b.provider, local, ch.Counterparty)
	if err != nil {
		return err
	}
	code := ch.Counterparty.String()
	b.channels[code] = &channelSource{pool: newPool(), channel: ch, keys: keys}
	b.channelOrder = append(b.channelOrder, code)
	return nil
}

func (b *AddressBook) channel(code string) (*channelSource, error) {
	pc, err := ParsePaymentCode(code)
	if err != nil {
		return nil, err
	}
	cs, ok := b.channels[pc.String()]
	if !ok {
		return nil, fmt.Errorf("%w: no open channel with %s", ErrInvalidArgument, code)
	}
	return cs, nil
}

// Channels returns copies of the open payment channels.
func (b *AddressBook) Channels() []*PaymentChannel {
	out := make([]*PaymentChannel, 0, len(b.channelOrder))
	for _, code := range b.channelOrder {
		out = append(out, b.channels[code].channel.clone())
	}
	return out
}

// DeriveChannelAddress derives the next self address of a channel in zone:
// an address the counterparty pays to.
func (b *AddressBook) DeriveChannelAddress(code string, zone types.Zone) (*DerivedAddress, error) {
	if !zone.IsValid() {
		return nil, fmt.Errorf("%w: zone %d", ErrInvalidArgument, uint8(zone))
	}
	cs, err := b.channel(code)
	if err != nil {
		return nil, err
	}
	return cs.deriveSelf(zone)
}

// NextSendAddress returns the next counterparty address of a channel in
// zone and its index. The index is consumed by CommitSendIndex.
func (b *AddressBook) NextSendAddress(code string, zone types.Zone) (types.Address, uint32, error) {
	if !zone.IsValid() {
		return types.Address{}, 0, fmt.Errorf("%w: zone %d", ErrInvalidArgument, uint8(zone))
	}
	cs, err := b.channel(code)
	if err != nil {
		return types.Address{}, 0, err
	}
	pub, idx, err := cs.keys.nextSend(cs.channel.NextSend[zone], zone)
	if err != nil {
		return types.Address{}, 0, err
	}
	return crypto.AddressFromPubKey(pub), idx, nil
}

// CommitSendIndex records that the counterparty address at idx was paid.
func (b *AddressBook) CommitSendIndex(code string, zone types.Zone, idx uint32) error {
	cs, err := b.channel(code)
	if err != nil {
		return err
	}
	if idx+1 > cs.channel.NextSend[zone] {
		cs.channel.NextSend[zone] = idx + 1
	}
	return nil
}

// MarkAttempted records that addr was queried and held nothing. It has no
// effect on a used address.
func (b *AddressBook) MarkAttempted(addr types.Address) error {
	return b.advance(addr, StatusAttempted)
}

// MarkUsed records that addr owns outputs.
func (b *AddressBook) MarkUsed(addr types.Address) error {
	return b.advance(addr, StatusUsed)
}

func (b *AddressBook) advance(addr types.Address, to AddressStatus) error {
	da, ok := b.Lookup(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAddressNotOwned, addr)
	}
	da.advance(to)
	return nil
}

// SetSynced stamps the block an address was last synced at. The stamp only
// moves forward.
func (b *AddressBook) SetSynced(addr types.Address, ref types.BlockRef) error {
	da, ok := b.Lookup(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAddressNotOwned, addr)
	}
	if ref.Number >= da.LastSyncedBlock.Number {
		da.LastSyncedBlock = ref
	}
	return nil
}

// Lock drops all private key material. Known addresses stay readable.
func (b *AddressBook) Lock() {
	b.hd.lock()
	b.imported.lock()
	for _, cs := range b.channels {
		cs.keys.local = nil
		cs.keys.local0 = nil
	}
}
