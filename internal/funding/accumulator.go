// Package funding tracks the per-market cumulative funding rate and open
// interest. Funding accrues as a running sum of premiums and is settled
// lazily by the margin ledger on each position touch.
package funding

import (
	"fmt"
	"math/big"

	"github.com/bsx-exchange/clearinghouse/internal/fixedpoint"
)

// Market holds the long-lived funding state of one market. Open interest
// is the sum of all positive position sizes, maintained incrementally on
// every position change, never recomputed from a full scan.
type Market struct {
	Cumulative   *big.Int // signed wad, running sum of premiums
	OpenInterest *big.Int // unsigned wad
}

// Accumulator owns funding state for all markets. Markets are created
// lazily at zero state on first reference.
// Not thread-safe — only accessed from the single-threaded dispatcher.
type Accumulator struct {
	markets map[uint8]*Market
}

func NewAccumulator() *Accumulator {
	return &Accumulator{markets: make(map[uint8]*Market)}
}

func (a *Accumulator) market(id uint8) *Market {
	m, ok := a.markets[id]
	if !ok {
		m = &Market{Cumulative: new(big.Int), OpenInterest: new(big.Int)}
		a.markets[id] = m
	}
	return m
}

// UpdateFundingRate accrues a premium into the market's cumulative funding
// and returns the new cumulative value.
func (a *Accumulator) UpdateFundingRate(id uint8, premium *big.Int) (*big.Int, error) {
	m := a.market(id)
	next, err := fixedpoint.Add(m.Cumulative, premium)
	if err != nil {
		return nil, fmt.Errorf("funding accrual for market %d: %w", id, err)
	}
	m.Cumulative = next
	return fixedpoint.Clone(next), nil
}

// Cumulative returns the market's cumulative funding value.
func (a *Accumulator) Cumulative(id uint8) *big.Int {
	return fixedpoint.Clone(a.market(id).Cumulative)
}

// OpenInterest returns the market's open interest.
func (a *Accumulator) OpenInterest(id uint8) *big.Int {
	return fixedpoint.Clone(a.market(id).OpenInterest)
}

// ApplyOpenInterest adjusts open interest for one position moving from
// oldSize to newSize: the old size's positive contribution is removed and
// the new size's positive contribution added.
func (a *Accumulator) ApplyOpenInterest(id uint8, oldSize, newSize *big.Int) error {
	m := a.market(id)
	next := new(big.Int).Set(m.OpenInterest)
	if oldSize.Sign() > 0 {
		next.Sub(next, oldSize)
	}
	if newSize.Sign() > 0 {
		next.Add(next, newSize)
	}
	if next.Sign() < 0 {
		return fmt.Errorf("open interest underflow for market %d: %s", id, next)
	}
	m.OpenInterest = next
	return nil
}
