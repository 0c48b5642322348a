// Package margin is the clearing ledger: per-account, per-asset spot
// balances and per-account, per-market perpetual positions. Spot balances
// are signed — a negative balance is borrowed/owed value. All balance
// mutation goes through atomic multi-entry delta application.
package margin

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/bsx-exchange/clearinghouse/internal/fixedpoint"
)

// FeePool is the system account collecting trading and sequencer fees and
// paying referral rebates.
var FeePool = common.BytesToAddress(crypto.Keccak256([]byte("clearinghouse/fee-pool"))[12:])

var ErrAccountNotEmpty = errors.New("margin: account has nonzero balances or open positions")

// Position is a perpetual position in one market. A zero-size position has
// zero quote balance at rest.
type Position struct {
	Size              *big.Int // signed wad; positive long, negative short
	Quote             *big.Int // signed wad, settlement asset
	FundingCheckpoint *big.Int // cumulative funding at last settlement
}

// IsFlat reports whether the position has no exposure.
func (p Position) IsFlat() bool {
	return p.Size == nil || p.Size.Sign() == 0
}

// Delta is one signed balance adjustment. A batch of deltas is applied
// atomically: every entry is bounds-checked before any entry commits.
type Delta struct {
	Account common.Address
	Asset   common.Address
	Amount  *big.Int
}

// PositionRef pairs an account with its position for market-wide scans.
type PositionRef struct {
	Account  common.Address
	Position Position
}

// Ledger holds all spot balances and perpetual positions. Accounts are
// created implicitly at zero state on first reference.
// Not thread-safe — only accessed from the single-threaded dispatcher.
type Ledger struct {
	spot      map[common.Address]map[common.Address]*big.Int
	positions map[common.Address]map[uint8]*Position
}

func NewLedger() *Ledger {
	return &Ledger{
		spot:      make(map[common.Address]map[common.Address]*big.Int),
		positions: make(map[common.Address]map[uint8]*Position),
	}
}

// Spot returns the account's balance in asset. Unreferenced accounts read
// as zero.
func (l *Ledger) Spot(account, asset common.Address) *big.Int {
	return fixedpoint.Clone(l.spot[account][asset])
}

// ApplyDeltas applies a batch of balance adjustments atomically. The whole
// batch is validated first; a failing entry leaves every balance untouched.
func (l *Ledger) ApplyDeltas(deltas []Delta) error {
	// Entries may touch the same (account, asset) twice; accumulate on
	// working copies so validation sees the combined effect.
	working := make(map[common.Address]map[common.Address]*big.Int)
	for i, d := range deltas {
		if d.Amount == nil {
			return fmt.Errorf("margin: delta %d has nil amount", i)
		}
		assets, ok := working[d.Account]
		if !ok {
			assets = make(map[common.Address]*big.Int)
			working[d.Account] = assets
		}
		cur, ok := assets[d.Asset]
		if !ok {
			cur = l.Spot(d.Account, d.Asset)
		}
		next, err := fixedpoint.Add(cur, d.Amount)
		if err != nil {
			return fmt.Errorf("margin: delta %d for %s: %w", i, d.Account, err)
		}
		assets[d.Asset] = next
	}

	for account, assets := range working {
		dst, ok := l.spot[account]
		if !ok {
			dst = make(map[common.Address]*big.Int)
			l.spot[account] = dst
		}
		for asset, v := range assets {
			dst[asset] = v
		}
	}
	return nil
}

// Position returns a copy of the account's position in market.
func (l *Ledger) Position(account common.Address, market uint8) Position {
	p, ok := l.positions[account][market]
	if !ok {
		return Position{Size: new(big.Int), Quote: new(big.Int), FundingCheckpoint: new(big.Int)}
	}
	return Position{
		Size:              fixedpoint.Clone(p.Size),
		Quote:             fixedpoint.Clone(p.Quote),
		FundingCheckpoint: fixedpoint.Clone(p.FundingCheckpoint),
	}
}

func (l *Ledger) position(account common.Address, market uint8) *Position {
	markets, ok := l.positions[account]
	if !ok {
		markets = make(map[uint8]*Position)
		l.positions[account] = markets
	}
	p, ok := markets[market]
	if !ok {
		p = &Position{Size: new(big.Int), Quote: new(big.Int), FundingCheckpoint: new(big.Int)}
		markets[market] = p
	}
	return p
}

// SpotBalances returns a copy of all of the account's spot balances.
func (l *Ledger) SpotBalances(account common.Address) map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int)
	for asset, v := range l.spot[account] {
		out[asset] = fixedpoint.Clone(v)
	}
	return out
}

// Positions returns a copy of all of the account's positions.
func (l *Ledger) Positions(account common.Address) map[uint8]Position {
	out := make(map[uint8]Position)
	for market := range l.positions[account] {
		out[market] = l.Position(account, market)
	}
	return out
}

// MarketPositions returns every account's position in one market.
// Used by audits that recompute open interest from full state.
func (l *Ledger) MarketPositions(market uint8) []PositionRef {
	var out []PositionRef
	for account, markets := range l.positions {
		if _, ok := markets[market]; ok {
			out = append(out, PositionRef{Account: account, Position: l.Position(account, market)})
		}
	}
	return out
}

// CloseSubaccount removes an account after verifying every spot balance is
// zero and every position is flat.
func (l *Ledger) CloseSubaccount(account common.Address) error {
	for _, v := range l.spot[account] {
		if v.Sign() != 0 {
			return ErrAccountNotEmpty
		}
	}
	for _, p := range l.positions[account] {
		if p.Size.Sign() != 0 || p.Quote.Sign() != 0 {
			return ErrAccountNotEmpty
		}
	}
	delete(l.spot, account)
	delete(l.positions, account)
	return nil
}
