package wallet

import (
	"context"

	"github.com/Klingon-tech/qiwallet/pkg/tx"
	"github.com/Klingon-tech/qiwallet/pkg/types"
)

// Block tags accepted by ChainProvider.
const (
	BlockLatest  = "latest"
	BlockPending = "pending"
)

// ChainProvider is the chain data source the wallet scans and broadcasts
// through. Implementations handle transport, retries and timeouts.
type ChainProvider interface {
	// GetOutpointsByAddress returns the unspent outputs paying addr.
	GetOutpointsByAddress(ctx context.Context, addr types.Address) ([]types.OutpointEntry, error)
	// GetBalance returns the Qi balance of addr at blockTag.
	GetBalance(ctx context.Context, addr types.Address, blockTag string) (uint64, error)
	// GetBlock returns the block of zone at blockTag.
	GetBlock(ctx context.Context, zone types.Zone, blockTag string) (types.BlockRef, error)
	// BroadcastTransaction submits a signed transaction and returns its hash.
	BroadcastTransaction(ctx context.Context, t *tx.Transaction) (types.Hash, error)
	// GetTransactionReceipt returns the receipt of a mined transaction, or
	// nil and no error while it is still pending.
	GetTransactionReceipt(ctx context.Context, hash types.Hash) (*types.Receipt, error)
}
