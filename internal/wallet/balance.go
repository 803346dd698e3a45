package wallet

import (
	"github.com/Klingon-tech/qiwallet/internal/utxo"
	"github.com/Klingon-tech/qiwallet/pkg/types"
)

// Balance returns the spendable, locked and pending totals of zone at the
// zone's last synced height.
func (w *Wallet) Balance(zone types.Zone) utxo.Balance {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.utxos.Balance(zone, w.tips[zone].Number)
}

// SpendableBalance returns the value selectable for spending in zone.
func (w *Wallet) SpendableBalance(zone types.Zone) uint64 {
	return w.Balance(zone).Spendable
}

// LockedBalance returns the value in zone not yet past its lock height.
func (w *Wallet) LockedBalance(zone types.Zone) uint64 {
	return w.Balance(zone).Locked
}
