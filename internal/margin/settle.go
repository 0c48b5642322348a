package margin

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bsx-exchange/clearinghouse/internal/fixedpoint"
	"github.com/bsx-exchange/clearinghouse/internal/funding"
)

// ComputeSettlement applies a position delta (deltaSize, deltaQuote) at
// execPrice against the current position, settling accrued funding first.
// Quote convention: buys debit quote by size×price, sells credit it, so a
// position closed to zero holds its full PnL in the quote balance.
//
// Funding owed is (cumulative − checkpoint) × size. PnL is realized only
// when the position closes (all remaining quote) or flips sign (the
// surviving portion is re-entered at execPrice and the rest realized). A
// position that grows or shrinks without crossing zero realizes nothing.
//
// Pure: returns the settled position and realized PnL without mutating
// anything, so a multi-leg operation can compute every leg before
// committing any.
func ComputeSettlement(p Position, cumulative, deltaSize, deltaQuote, execPrice *big.Int) (Position, *big.Int, error) {
	accrued, err := fixedpoint.Sub(cumulative, p.FundingCheckpoint)
	if err != nil {
		return Position{}, nil, fmt.Errorf("margin: funding accrual: %w", err)
	}
	owed, err := fixedpoint.Mul(accrued, p.Size)
	if err != nil {
		return Position{}, nil, fmt.Errorf("margin: funding owed: %w", err)
	}

	newQuote, err := fixedpoint.Add(p.Quote, deltaQuote)
	if err != nil {
		return Position{}, nil, fmt.Errorf("margin: quote delta: %w", err)
	}
	newQuote, err = fixedpoint.Sub(newQuote, owed)
	if err != nil {
		return Position{}, nil, fmt.Errorf("margin: funding settlement: %w", err)
	}
	newSize, err := fixedpoint.Add(p.Size, deltaSize)
	if err != nil {
		return Position{}, nil, fmt.Errorf("margin: size delta: %w", err)
	}

	realized := new(big.Int)
	switch {
	case newSize.Sign() == 0:
		realized = newQuote
		newQuote = new(big.Int)
	case p.Size.Sign()*newSize.Sign() < 0:
		// Flip: the surviving position is re-entered at execPrice with
		// quote −newSize×execPrice; everything above that is realized.
		entry, err := fixedpoint.Mul(newSize, execPrice)
		if err != nil {
			return Position{}, nil, fmt.Errorf("margin: flip entry quote: %w", err)
		}
		entry.Neg(entry)
		realized, err = fixedpoint.Sub(newQuote, entry)
		if err != nil {
			return Position{}, nil, fmt.Errorf("margin: flip realization: %w", err)
		}
		newQuote = entry
	}

	return Position{
		Size:              newSize,
		Quote:             newQuote,
		FundingCheckpoint: fixedpoint.Clone(cumulative),
	}, realized, nil
}

// CommitPosition overwrites the account's position in market with a
// settled position produced by ComputeSettlement.
func (l *Ledger) CommitPosition(account common.Address, market uint8, next Position) {
	p := l.position(account, market)
	p.Size = fixedpoint.Clone(next.Size)
	p.Quote = fixedpoint.Clone(next.Quote)
	p.FundingCheckpoint = fixedpoint.Clone(next.FundingCheckpoint)
}

// SettlePosition computes and commits a single position delta, keeping
// open interest in step. Realized PnL is returned to the caller, which is
// responsible for netting it into the account's spot balance.
func (l *Ledger) SettlePosition(acc *funding.Accumulator, account common.Address, market uint8, deltaSize, deltaQuote, execPrice *big.Int) (*big.Int, error) {
	cur := l.Position(account, market)
	next, realized, err := ComputeSettlement(cur, acc.Cumulative(market), deltaSize, deltaQuote, execPrice)
	if err != nil {
		return nil, err
	}
	if err := acc.ApplyOpenInterest(market, cur.Size, next.Size); err != nil {
		return nil, err
	}
	l.CommitPosition(account, market, next)
	return realized, nil
}
