package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Klingon-tech/qiwallet/internal/wallet"
	"github.com/Klingon-tech/qiwallet/pkg/crypto"
	"github.com/Klingon-tech/qiwallet/pkg/tx"
	"github.com/Klingon-tech/qiwallet/pkg/types"
)

// JSON-RPC methods served by a zone node.
const (
	MethodGetOutpointsByAddress = "qi_getOutpointsByAddress"
	MethodGetBalance            = "qi_getBalance"
	MethodGetBlockByNumber      = "qi_getBlockByNumber"
	MethodSendRawTransaction    = "qi_sendRawTransaction"
	MethodGetTransactionReceipt = "qi_getTransactionReceipt"
)

var _ wallet.ChainProvider = (*Client)(nil)

// Quantity is an unsigned integer that decodes from a JSON number or a
// 0x-prefixed hex string, and encodes as the latter.
type Quantity uint64

// MarshalJSON encodes q as a 0x-prefixed hex string.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal("0x" + strconv.FormatUint(uint64(q), 16))
}

// UnmarshalJSON accepts 123, "123" and "0x7b".
func (q *Quantity) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	var (
		n   uint64
		err error
	)
	if rest, ok := strings.CutPrefix(s, "0x"); ok {
		if rest == "" {
			return errors.New("empty hex quantity")
		}
		n, err = strconv.ParseUint(rest, 16, 64)
	} else {
		n, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return fmt.Errorf("quantity %s: %w", data, err)
	}
	*q = Quantity(n)
	return nil
}

type outpointJSON struct {
	TxHash       types.Hash `json:"txHash"`
	Index        Quantity   `json:"index"`
	Denomination Quantity   `json:"denomination"`
	Lock         Quantity   `json:"lock"`
}

type blockJSON struct {
	Number Quantity   `json:"number"`
	Hash   types.Hash `json:"hash"`
}

type receiptJSON struct {
	TxHash      types.Hash `json:"transactionHash"`
	BlockNumber Quantity   `json:"blockNumber"`
	BlockHash   types.Hash `json:"blockHash"`
	Status      Quantity   `json:"status"`
}

// GetOutpointsByAddress returns the unspent outputs paying addr.
func (c *Client) GetOutpointsByAddress(ctx context.Context, addr types.Address) ([]types.OutpointEntry, error) {
	zone, _ := addr.Zone()
	var raw []outpointJSON
	if err := c.CallZone(ctx, zone, MethodGetOutpointsByAddress, &raw, addr.String()); err != nil {
		return nil, err
	}
	out := make([]types.OutpointEntry, 0, len(raw))
	for _, o := range raw {
		if uint64(o.Index) > uint64(^uint32(0)) {
			return nil, fmt.Errorf("%s: output index %d out of range", MethodGetOutpointsByAddress, o.Index)
		}
		out = append(out, types.OutpointEntry{
			Outpoint:     types.Outpoint{TxID: o.TxHash, Index: uint32(o.Index)},
			Denomination: uint64(o.Denomination),
			Lock:         uint64(o.Lock),
		})
	}
	return out, nil
}

// GetBalance returns the Qi balance of addr at blockTag.
func (c *Client) GetBalance(ctx context.Context, addr types.Address, blockTag string) (uint64, error) {
	zone, _ := addr.Zone()
	var bal Quantity
	if err := c.CallZone(ctx, zone, MethodGetBalance, &bal, addr.String(), blockTag); err != nil {
		return 0, err
	}
	return uint64(bal), nil
}

// GetBlock returns the number and hash of zone's block at blockTag.
func (c *Client) GetBlock(ctx context.Context, zone types.Zone, blockTag string) (types.BlockRef, error) {
	var blk *blockJSON
	if err := c.CallZone(ctx, zone, MethodGetBlockByNumber, &blk, blockTag, false); err != nil {
		return types.BlockRef{}, err
	}
	if blk == nil {
		return types.BlockRef{}, fmt.Errorf("%s: block %s of %s not found", MethodGetBlockByNumber, blockTag, zone)
	}
	return types.BlockRef{Number: uint64(blk.Number), Hash: blk.Hash}, nil
}

// BroadcastTransaction submits t to the node of the zone its first input
// spends from and returns the hash the node reports.
func (c *Client) BroadcastTransaction(ctx context.Context, t *tx.Transaction) (types.Hash, error) {
	if len(t.Inputs) == 0 {
		return types.Hash{}, fmt.Errorf("%s: transaction has no inputs", MethodSendRawTransaction)
	}
	zone, _ := crypto.AddressFromPubKey(t.Inputs[0].PubKey).Zone()

	var hash types.Hash
	if err := c.CallZone(ctx, zone, MethodSendRawTransaction, &hash, t); err != nil {
		return types.Hash{}, err
	}
	c.log.Debug().
		Str("tx", hash.String()).
		Str("zone", zone.String()).
		Int("inputs", len(t.Inputs)).
		Int("outputs", len(t.Outputs)).
		Msg("transaction submitted")
	return hash, nil
}

// GetTransactionReceipt returns the receipt of a mined transaction, or nil
// while the transaction is unknown or pending.
func (c *Client) GetTransactionReceipt(ctx context.Context, hash types.Hash) (*types.Receipt, error) {
	var r *receiptJSON
	if err := c.Call(ctx, MethodGetTransactionReceipt, &r, hash); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}
	return &types.Receipt{
		TxHash:      r.TxHash,
		BlockNumber: uint64(r.BlockNumber),
		BlockHash:   r.BlockHash,
		Status:      uint64(r.Status),
	}, nil
}
