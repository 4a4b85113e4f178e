package vault

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Transferer moves value out of the ledger's custody to an external account.
type Transferer interface {
	Transfer(to common.Address, amount *big.Int) error
}

// Vault tracks external account balances in wei. It stands in for the
// execution environment's native value accounts: refunds, fees, and payouts
// land here, and tests read exact balance deltas back out.
type Vault struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
}

func New() *Vault {
	return &Vault{balances: make(map[common.Address]*big.Int)}
}

func (v *Vault) Transfer(to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid transfer amount")
	}
	if to == (common.Address{}) {
		return fmt.Errorf("transfer to zero address")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	bal, ok := v.balances[to]
	if !ok {
		bal = new(big.Int)
		v.balances[to] = bal
	}
	bal.Add(bal, amount)
	return nil
}

// BalanceOf returns a copy of the account's balance; zero for unknown accounts.
func (v *Vault) BalanceOf(owner common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if bal, ok := v.balances[owner]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}
