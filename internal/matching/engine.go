package matching

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bsx-exchange/clearinghouse/internal/auth"
	"github.com/bsx-exchange/clearinghouse/internal/event"
	"github.com/bsx-exchange/clearinghouse/internal/fixedpoint"
	"github.com/bsx-exchange/clearinghouse/internal/funding"
	"github.com/bsx-exchange/clearinghouse/internal/insurance"
	"github.com/bsx-exchange/clearinghouse/internal/margin"
)

var (
	// MaxFeeRate caps declared maker/taker fees at 2% of the fill quote.
	MaxFeeRate = big.NewInt(2e16)

	// MaxSequencerFee is the absolute cap on the per-order sequencer fee,
	// one whole unit of the settlement asset.
	MaxSequencerFee = fixedpoint.FromInt(1)
)

var (
	ErrSelfMatch        = errors.New("matching: maker and taker are the same account")
	ErrMarketMismatch   = errors.New("matching: orders are for different markets")
	ErrSameSide         = errors.New("matching: orders are on the same side")
	ErrPriceCrossing    = errors.New("matching: maker price not marketable against taker")
	ErrOrderExhausted   = errors.New("matching: order has no remaining size")
	ErrOrderNonceUsed   = errors.New("matching: order nonce already consumed")
	ErrFeeTooHigh       = errors.New("matching: declared fee exceeds fill quote cap")
	ErrSequencerFee     = errors.New("matching: sequencer fee exceeds maximum")
	ErrLiquidationFlags = errors.New("matching: liquidation flags do not fit the command")
	ErrBadOrder         = errors.New("matching: order has non-positive size or price")
)

// MatchParams is one matched maker/taker pair with its fee trimmings.
type MatchParams struct {
	Maker SignedOrder
	Taker SignedOrder

	// SequencerFee is charged to the taker on the order's first touch only.
	SequencerFee *big.Int

	MakerReferral *Referral
	TakerReferral *Referral

	// LiquidationPenalty applies to liquidation matches only; credited to
	// the insurance fund on top of normal fees.
	LiquidationPenalty *big.Int
}

// Engine validates matched order pairs and settles them against the
// ledger. It holds no order book: order pairing happens upstream, the
// engine is the authority on whether a claimed match is acceptable.
type Engine struct {
	authority       *auth.Authority
	ledger          *margin.Ledger
	funding         *funding.Accumulator
	insurance       *insurance.Fund
	fills           *FillRegistry
	settlementAsset common.Address
}

func NewEngine(authority *auth.Authority, ledger *margin.Ledger, acc *funding.Accumulator, fund *insurance.Fund, settlementAsset common.Address) *Engine {
	return &Engine{
		authority:       authority,
		ledger:          ledger,
		funding:         acc,
		insurance:       fund,
		fills:           NewFillRegistry(),
		settlementAsset: settlementAsset,
	}
}

// Fills exposes the fill registry for queries and audits.
func (e *Engine) Fills() *FillRegistry { return e.fills }

// Match settles a regular maker/taker pair. Neither order may carry the
// liquidation flag.
func (e *Engine) Match(p MatchParams) (*event.OrdersMatched, error) {
	if p.Maker.IsLiquidation || p.Taker.IsLiquidation {
		return nil, ErrLiquidationFlags
	}
	return e.match(p, false)
}

// MatchLiquidation settles a liquidation match: the taker order must be
// flagged as a liquidation order, the maker must not be, and the taker's
// signature is not checked (the order is synthesized by the liquidator).
func (e *Engine) MatchLiquidation(p MatchParams) (*event.OrdersMatched, error) {
	if !p.Taker.IsLiquidation || p.Maker.IsLiquidation {
		return nil, ErrLiquidationFlags
	}
	return e.match(p, true)
}

func (e *Engine) match(p MatchParams, liquidation bool) (*event.OrdersMatched, error) {
	maker, taker := p.Maker, p.Taker
	if maker.Account == taker.Account {
		return nil, ErrSelfMatch
	}
	if maker.Market != taker.Market {
		return nil, ErrMarketMismatch
	}
	if maker.Side == taker.Side {
		return nil, ErrSameSide
	}
	for _, o := range []SignedOrder{maker, taker} {
		if o.Size == nil || o.Size.Sign() <= 0 || o.Price == nil || o.Price.Sign() <= 0 {
			return nil, ErrBadOrder
		}
	}

	makerHash := e.authority.OrderDigest(maker.Account, maker.Size, maker.Price, maker.Nonce, maker.Market, uint8(maker.Side))
	takerHash := e.authority.OrderDigest(taker.Account, taker.Size, taker.Price, taker.Nonce, taker.Market, uint8(taker.Side))

	if err := e.authority.CheckActor(makerHash, maker.Signature, maker.Signer, maker.Account); err != nil {
		return nil, fmt.Errorf("maker order: %w", err)
	}
	if !taker.IsLiquidation {
		if err := e.authority.CheckActor(takerHash, taker.Signature, taker.Signer, taker.Account); err != nil {
			return nil, fmt.Errorf("taker order: %w", err)
		}
	}

	if e.fills.NonceUsed(maker.Account, maker.Nonce) {
		return nil, fmt.Errorf("maker order: %w", ErrOrderNonceUsed)
	}
	if e.fills.NonceUsed(taker.Account, taker.Nonce) {
		return nil, fmt.Errorf("taker order: %w", ErrOrderNonceUsed)
	}

	makerRemaining := new(big.Int).Sub(maker.Size, e.fills.Filled(makerHash))
	takerRemaining := new(big.Int).Sub(taker.Size, e.fills.Filled(takerHash))
	if makerRemaining.Sign() <= 0 {
		return nil, fmt.Errorf("maker order: %w", ErrOrderExhausted)
	}
	if takerRemaining.Sign() <= 0 {
		return nil, fmt.Errorf("taker order: %w", ErrOrderExhausted)
	}
	takerFirstTouch := e.fills.Filled(takerHash).Sign() == 0

	execPrice, err := executionPrice(maker, taker)
	if err != nil {
		return nil, err
	}

	fill := fixedpoint.Min(makerRemaining, takerRemaining)
	fillQuote, err := fixedpoint.UMul(fill, execPrice)
	if err != nil {
		return nil, fmt.Errorf("fill quote: %w", err)
	}

	feeCap, err := fixedpoint.UMul(fillQuote, MaxFeeRate)
	if err != nil {
		return nil, fmt.Errorf("fee cap: %w", err)
	}
	makerFee := fixedpoint.Clone(maker.Fee)
	takerFee := fixedpoint.Clone(taker.Fee)
	// Makers may declare a negative fee down to -cap; takers always pay.
	if makerFee.CmpAbs(feeCap) > 0 {
		return nil, fmt.Errorf("maker order: %w", ErrFeeTooHigh)
	}
	if takerFee.Sign() < 0 || takerFee.Cmp(feeCap) > 0 {
		return nil, fmt.Errorf("taker order: %w", ErrFeeTooHigh)
	}

	sequencerFee := new(big.Int)
	if takerFirstTouch && p.SequencerFee != nil {
		if p.SequencerFee.Sign() < 0 || p.SequencerFee.Cmp(MaxSequencerFee) > 0 {
			return nil, ErrSequencerFee
		}
		sequencerFee.Set(p.SequencerFee)
	}

	makerRebate, err := referralRebate(p.MakerReferral, makerFee)
	if err != nil {
		return nil, fmt.Errorf("maker referral: %w", err)
	}
	takerRebate, err := referralRebate(p.TakerReferral, takerFee)
	if err != nil {
		return nil, fmt.Errorf("taker referral: %w", err)
	}

	// The maker's net fee is reduced by the maker rebate; the taker pays
	// the full declared fee and the taker rebate comes out of the pool.
	makerNetFee := new(big.Int).Sub(makerFee, makerRebate)

	penalty := new(big.Int)
	if liquidation && p.LiquidationPenalty != nil {
		if p.LiquidationPenalty.Sign() < 0 {
			return nil, fmt.Errorf("liquidation penalty: %w", fixedpoint.ErrNegative)
		}
		penalty.Set(p.LiquidationPenalty)
	}

	makerDeltaSize, makerDeltaQuote := legDeltas(maker.Side, fill, fillQuote)
	takerDeltaSize, takerDeltaQuote := legDeltas(taker.Side, fill, fillQuote)

	cumulative := e.funding.Cumulative(maker.Market)
	makerPos := e.ledger.Position(maker.Account, maker.Market)
	takerPos := e.ledger.Position(taker.Account, taker.Market)

	makerNext, makerPnL, err := margin.ComputeSettlement(makerPos, cumulative, makerDeltaSize, makerDeltaQuote, execPrice)
	if err != nil {
		return nil, fmt.Errorf("maker settlement: %w", err)
	}
	takerNext, takerPnL, err := margin.ComputeSettlement(takerPos, cumulative, takerDeltaSize, takerDeltaQuote, execPrice)
	if err != nil {
		return nil, fmt.Errorf("taker settlement: %w", err)
	}

	makerSpot := new(big.Int).Sub(makerPnL, makerNetFee)
	takerSpot := new(big.Int).Sub(takerPnL, takerFee)
	takerSpot.Sub(takerSpot, sequencerFee)
	takerSpot.Sub(takerSpot, penalty)

	poolSpot := new(big.Int).Add(makerNetFee, takerFee)
	poolSpot.Add(poolSpot, sequencerFee)
	poolSpot.Sub(poolSpot, makerRebate)
	poolSpot.Sub(poolSpot, takerRebate)

	deltas := []margin.Delta{
		{Account: maker.Account, Asset: e.settlementAsset, Amount: makerSpot},
		{Account: taker.Account, Asset: e.settlementAsset, Amount: takerSpot},
		{Account: margin.FeePool, Asset: e.settlementAsset, Amount: poolSpot},
	}
	if makerRebate.Sign() > 0 {
		deltas = append(deltas, margin.Delta{Account: p.MakerReferral.Referrer, Asset: e.settlementAsset, Amount: makerRebate})
	}
	if takerRebate.Sign() > 0 {
		deltas = append(deltas, margin.Delta{Account: p.TakerReferral.Referrer, Asset: e.settlementAsset, Amount: takerRebate})
	}
	if err := e.ledger.ApplyDeltas(deltas); err != nil {
		return nil, fmt.Errorf("fee settlement: %w", err)
	}

	if err := e.funding.ApplyOpenInterest(maker.Market, makerPos.Size, makerNext.Size); err != nil {
		return nil, err
	}
	if err := e.funding.ApplyOpenInterest(taker.Market, takerPos.Size, takerNext.Size); err != nil {
		return nil, err
	}
	e.ledger.CommitPosition(maker.Account, maker.Market, makerNext)
	e.ledger.CommitPosition(taker.Account, taker.Market, takerNext)

	if penalty.Sign() > 0 {
		if err := e.insurance.Credit(e.settlementAsset, penalty); err != nil {
			return nil, fmt.Errorf("liquidation penalty: %w", err)
		}
	}

	e.fills.addFill(makerHash, fill)
	e.fills.addFill(takerHash, fill)
	if new(big.Int).Sub(makerRemaining, fill).Sign() == 0 {
		e.fills.burnNonce(maker.Account, maker.Nonce)
	}
	if new(big.Int).Sub(takerRemaining, fill).Sign() == 0 {
		e.fills.burnNonce(taker.Account, taker.Nonce)
	}

	out := &event.OrdersMatched{
		Market:         maker.Market,
		Maker:          maker.Account,
		Taker:          taker.Account,
		MakerOrderHash: makerHash,
		TakerOrderHash: takerHash,

		FillAmount: fill,
		Price:      execPrice,
		FillQuote:  fillQuote,

		MakerNetFee:  makerNetFee,
		TakerNetFee:  new(big.Int).Add(takerFee, sequencerFee),
		SequencerFee: sequencerFee,

		MakerReferralRebate: makerRebate,
		TakerReferralRebate: takerRebate,

		MakerRealizedPnL: makerPnL,
		TakerRealizedPnL: takerPnL,

		IsLiquidation:      liquidation,
		LiquidationPenalty: penalty,
	}
	if p.MakerReferral != nil {
		out.MakerReferrer = p.MakerReferral.Referrer
	}
	if p.TakerReferral != nil {
		out.TakerReferrer = p.TakerReferral.Referrer
	}
	return out, nil
}

// executionPrice resolves the fill price. A selling taker executes at the
// higher of the two prices; a buying taker executes at the maker's price.
// Either way the maker's price must be marketable against the taker's.
func executionPrice(maker, taker SignedOrder) (*big.Int, error) {
	if taker.Side == SideSell {
		if maker.Price.Cmp(taker.Price) < 0 {
			return nil, ErrPriceCrossing
		}
		return fixedpoint.Max(maker.Price, taker.Price), nil
	}
	if maker.Price.Cmp(taker.Price) > 0 {
		return nil, ErrPriceCrossing
	}
	return fixedpoint.Clone(maker.Price), nil
}

// legDeltas converts a fill into one side's position delta: buys add size
// and pay quote, sells do the reverse.
func legDeltas(side Side, fill, fillQuote *big.Int) (deltaSize, deltaQuote *big.Int) {
	if side == SideBuy {
		return fixedpoint.Clone(fill), new(big.Int).Neg(fillQuote)
	}
	return new(big.Int).Neg(fill), fixedpoint.Clone(fillQuote)
}

// referralRebate computes the referrer's cut of one side's fee. Rebates
// only accrue on positive fees and the rate is capped at 100%.
func referralRebate(r *Referral, fee *big.Int) (*big.Int, error) {
	if r == nil || r.RebateRate == nil || fee.Sign() <= 0 {
		return new(big.Int), nil
	}
	if r.RebateRate.Sign() < 0 || r.RebateRate.Cmp(fixedpoint.Wad) > 0 {
		return nil, errors.New("matching: rebate rate outside [0, 100%]")
	}
	return fixedpoint.UMul(fee, r.RebateRate)
}
