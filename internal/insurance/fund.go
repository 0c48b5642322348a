// Package insurance holds the exchange insurance fund: per-asset pooled
// balances that absorb realized losses and collect liquidation fees.
package insurance

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bsx-exchange/clearinghouse/internal/fixedpoint"
	"github.com/bsx-exchange/clearinghouse/internal/margin"
)

var (
	ErrNonPositiveAmount = errors.New("insurance: amount must be positive")
	ErrInsufficientFund  = errors.New("insurance: withdrawal exceeds fund balance")
	ErrNothingToCover    = errors.New("insurance: account balance is not negative")
)

// Fund is the pooled insurance balance, tracked per asset. Balances never
// go negative.
// Not thread-safe — only accessed from the single-threaded dispatcher.
type Fund struct {
	balances map[common.Address]*big.Int
}

func NewFund() *Fund {
	return &Fund{balances: make(map[common.Address]*big.Int)}
}

// Balance returns the fund's balance in asset.
func (f *Fund) Balance(asset common.Address) *big.Int {
	return fixedpoint.Clone(f.balances[asset])
}

// Deposit adds to the fund. Zero and negative amounts are rejected.
func (f *Fund) Deposit(asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrNonPositiveAmount
	}
	next, err := fixedpoint.UAdd(f.Balance(asset), amount)
	if err != nil {
		return fmt.Errorf("insurance: deposit: %w", err)
	}
	f.balances[asset] = next
	return nil
}

// Withdraw removes from the fund, rejecting amounts exceeding the balance.
func (f *Fund) Withdraw(asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrNonPositiveAmount
	}
	cur := f.Balance(asset)
	if cur.Cmp(amount) < 0 {
		return ErrInsufficientFund
	}
	f.balances[asset] = cur.Sub(cur, amount)
	return nil
}

// Credit adds collected fees to the fund. Zero amounts are ignored so fee
// paths do not have to special-case them.
func (f *Fund) Credit(asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return ErrNonPositiveAmount
	}
	next, err := fixedpoint.UAdd(f.Balance(asset), amount)
	if err != nil {
		return fmt.Errorf("insurance: fee credit: %w", err)
	}
	f.balances[asset] = next
	return nil
}

// CoverLoss draws from the fund to recover an account's negative spot
// balance in asset, capped by the fund balance. Returns the amount
// transferred. Accounts at or above zero have nothing to cover.
func (f *Fund) CoverLoss(ledger *margin.Ledger, account, asset common.Address) (*big.Int, error) {
	balance := ledger.Spot(account, asset)
	if balance.Sign() >= 0 {
		return nil, ErrNothingToCover
	}
	deficit := new(big.Int).Neg(balance)
	covered := fixedpoint.Min(deficit, f.Balance(asset))
	if covered.Sign() == 0 {
		return new(big.Int), nil
	}
	if err := ledger.ApplyDeltas([]margin.Delta{{Account: account, Asset: asset, Amount: covered}}); err != nil {
		return nil, fmt.Errorf("insurance: cover loss: %w", err)
	}
	f.balances[asset] = new(big.Int).Sub(f.Balance(asset), covered)
	return covered, nil
}
