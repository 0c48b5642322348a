// Package liquidation converts non-settlement collateral into the
// settlement asset through an external trade router, for forced
// liquidations and for user-requested collateral swaps. Batch entries are
// isolated units: one account's failure never aborts the others.
package liquidation

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bsx-exchange/clearinghouse/internal/auth"
	"github.com/bsx-exchange/clearinghouse/internal/event"
	"github.com/bsx-exchange/clearinghouse/internal/fixedpoint"
	"github.com/bsx-exchange/clearinghouse/internal/insurance"
	"github.com/bsx-exchange/clearinghouse/internal/margin"
)

// MaxFeeRate caps the declared liquidation/swap fee at 10% of proceeds.
var MaxFeeRate = big.NewInt(1e17)

var (
	ErrUnsupportedAsset = errors.New("liquidation: asset not supported")
	ErrSettlementAsset  = errors.New("liquidation: cannot liquidate the settlement asset")
	ErrNoBalance        = errors.New("liquidation: account holds no balance in asset")
	ErrOverConsumed     = errors.New("liquidation: router consumed more than committed")
)

// Router is the external trade-routing facility. Execute performs the swap
// out-of-process and moves tokens through custody as a side effect; its
// return value alone is never trusted, the caller verifies balance deltas.
type Router interface {
	Execute(ctx context.Context, commands []byte, asset common.Address, amount *big.Int) error
}

// Custody reports the system's token balances, used to measure what a
// router call actually moved.
type Custody interface {
	Balance(ctx context.Context, asset common.Address) (*big.Int, error)
}

// Execution is one per-asset leg of a batch entry. Commands is the opaque
// routing payload handed to the router untouched.
type Execution struct {
	Asset    common.Address
	Commands []byte
}

// Entry is one account's liquidation in a batch.
type Entry struct {
	Account    common.Address
	Nonce      uint64
	FeeRate    *big.Int // wad fraction of proceeds
	Executions []Execution
}

// SwapEntry is one account's collateral swap request: the signed,
// user-initiated counterpart of a liquidation entry.
type SwapEntry struct {
	Entry

	Signer    common.Address
	Signature []byte
}

// Engine runs liquidation and swap batches against the ledger.
type Engine struct {
	authority       *auth.Authority
	ledger          *margin.Ledger
	insurance       *insurance.Fund
	router          Router
	custody         Custody
	settlementAsset common.Address
	supported       map[common.Address]bool
}

func NewEngine(authority *auth.Authority, ledger *margin.Ledger, fund *insurance.Fund, router Router, custody Custody, settlementAsset common.Address, supported []common.Address) *Engine {
	set := make(map[common.Address]bool, len(supported))
	for _, a := range supported {
		set[a] = true
	}
	return &Engine{
		authority:       authority,
		ledger:          ledger,
		insurance:       fund,
		router:          router,
		custody:         custody,
		settlementAsset: settlementAsset,
		supported:       set,
	}
}

// LiquidateBatch runs forced liquidations. Entry preconditions (nonce
// reuse, fee bound, empty executions) reject the entry without touching
// state; an accepted entry consumes its nonce and degrades per asset.
func (e *Engine) LiquidateBatch(ctx context.Context, entries []Entry) []*event.CollateralLiquidated {
	out := make([]*event.CollateralLiquidated, 0, len(entries))
	for _, entry := range entries {
		rec := &event.CollateralLiquidated{Account: entry.Account, Nonce: entry.Nonce}
		if reason := e.acceptEntry(entry, auth.NonceLiquidation); reason != "" {
			rec.Status, rec.Reason = event.StatusRejected, reason
			out = append(out, rec)
			continue
		}
		rec.Assets = e.runExecutions(ctx, entry, feeToInsurance)
		rec.Status, rec.Reason = entryStatus(rec.Assets)
		out = append(out, rec)
	}
	return out
}

// SwapBatch runs user-requested collateral swaps. Same shape as
// LiquidateBatch, plus a signature check, and the fee goes to the fee pool
// instead of the insurance fund.
func (e *Engine) SwapBatch(ctx context.Context, entries []SwapEntry) []*event.CollateralSwapped {
	out := make([]*event.CollateralSwapped, 0, len(entries))
	for _, entry := range entries {
		rec := &event.CollateralSwapped{Account: entry.Account, Nonce: entry.Nonce}
		if reason := e.acceptSwap(entry); reason != "" {
			rec.Status, rec.Reason = event.StatusRejected, reason
			out = append(out, rec)
			continue
		}
		rec.Assets = e.runExecutions(ctx, entry.Entry, feeToPool)
		rec.Status, rec.Reason = entryStatus(rec.Assets)
		out = append(out, rec)
	}
	return out
}

// acceptEntry validates entry preconditions and consumes the nonce.
// Returns a rejection reason, or "" when the entry is accepted.
func (e *Engine) acceptEntry(entry Entry, purpose auth.NoncePurpose) string {
	if e.authority.Nonces().Used(purpose, entry.Account, entry.Nonce) {
		return "nonce already used"
	}
	if entry.FeeRate == nil || entry.FeeRate.Sign() < 0 || entry.FeeRate.Cmp(MaxFeeRate) > 0 {
		return "fee rate outside bounds"
	}
	if len(entry.Executions) == 0 {
		return "no executions"
	}
	if err := e.authority.Nonces().Use(purpose, entry.Account, entry.Nonce); err != nil {
		return err.Error()
	}
	return ""
}

func (e *Engine) acceptSwap(entry SwapEntry) string {
	if e.authority.Nonces().Used(auth.NonceSwap, entry.Account, entry.Nonce) {
		return "nonce already used"
	}
	assets := make([]common.Address, len(entry.Executions))
	for i, x := range entry.Executions {
		assets[i] = x.Asset
	}
	digest := e.authority.SwapDigest(entry.Account, assets, entry.Nonce)
	if err := e.authority.CheckActor(digest, entry.Signature, entry.Signer, entry.Account); err != nil {
		return fmt.Sprintf("signature: %v", err)
	}
	return e.acceptEntry(entry.Entry, auth.NonceSwap)
}

type feeSink int

const (
	feeToInsurance feeSink = iota
	feeToPool
)

// runExecutions liquidates each asset leg independently. A failing leg is
// recorded and skipped; prior successful legs stand.
func (e *Engine) runExecutions(ctx context.Context, entry Entry, sink feeSink) []event.AssetExecution {
	out := make([]event.AssetExecution, 0, len(entry.Executions))
	for _, x := range entry.Executions {
		rec := event.AssetExecution{Asset: x.Asset}
		consumed, received, fee, err := e.executeAsset(ctx, entry.Account, x, entry.FeeRate, sink)
		if err != nil {
			rec.Status, rec.Reason = event.StatusFailure, err.Error()
		} else {
			rec.Status = event.StatusSuccess
			rec.Consumed, rec.Received, rec.Fee = consumed, received, fee
		}
		out = append(out, rec)
	}
	return out
}

// executeAsset swaps one asset through the router. What actually moved is
// measured from custody balance deltas around the call, then mirrored into
// the ledger: consumed input debited, net proceeds credited in the
// settlement asset.
func (e *Engine) executeAsset(ctx context.Context, account common.Address, x Execution, feeRate *big.Int, sink feeSink) (consumed, received, fee *big.Int, err error) {
	if !e.supported[x.Asset] {
		return nil, nil, nil, ErrUnsupportedAsset
	}
	if x.Asset == e.settlementAsset {
		return nil, nil, nil, ErrSettlementAsset
	}
	committed := e.ledger.Spot(account, x.Asset)
	if committed.Sign() <= 0 {
		return nil, nil, nil, ErrNoBalance
	}

	inBefore, err := e.custody.Balance(ctx, x.Asset)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("custody read: %w", err)
	}
	outBefore, err := e.custody.Balance(ctx, e.settlementAsset)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("custody read: %w", err)
	}

	if err := e.router.Execute(ctx, x.Commands, x.Asset, committed); err != nil {
		return nil, nil, nil, fmt.Errorf("router: %w", err)
	}

	inAfter, err := e.custody.Balance(ctx, x.Asset)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("custody read: %w", err)
	}
	outAfter, err := e.custody.Balance(ctx, e.settlementAsset)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("custody read: %w", err)
	}

	consumed = new(big.Int).Sub(inBefore, inAfter)
	received = new(big.Int).Sub(outAfter, outBefore)
	if consumed.Sign() < 0 || received.Sign() < 0 {
		return nil, nil, nil, errors.New("liquidation: custody balance moved backwards")
	}
	if consumed.Cmp(committed) > 0 {
		return nil, nil, nil, ErrOverConsumed
	}

	fee, err = fixedpoint.UMul(received, feeRate)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("fee: %w", err)
	}
	net := new(big.Int).Sub(received, fee)

	deltas := []margin.Delta{
		{Account: account, Asset: x.Asset, Amount: new(big.Int).Neg(consumed)},
		{Account: account, Asset: e.settlementAsset, Amount: net},
	}
	if sink == feeToPool && fee.Sign() > 0 {
		deltas = append(deltas, margin.Delta{Account: margin.FeePool, Asset: e.settlementAsset, Amount: fee})
	}
	if err := e.ledger.ApplyDeltas(deltas); err != nil {
		return nil, nil, nil, fmt.Errorf("ledger: %w", err)
	}
	if sink == feeToInsurance {
		if err := e.insurance.Credit(e.settlementAsset, fee); err != nil {
			return nil, nil, nil, fmt.Errorf("insurance: %w", err)
		}
	}
	return consumed, received, fee, nil
}

// entryStatus folds per-asset results into the parent status: Success only
// when nothing failed, Failure only when everything did.
func entryStatus(assets []event.AssetExecution) (event.Status, string) {
	failed := 0
	reason := ""
	for _, a := range assets {
		if a.Status == event.StatusFailure {
			failed++
			if reason == "" {
				reason = fmt.Sprintf("%s: %s", a.Asset, a.Reason)
			}
		}
	}
	switch {
	case failed == 0:
		return event.StatusSuccess, ""
	case failed == len(assets):
		return event.StatusFailure, reason
	default:
		return event.StatusPartial, reason
	}
}
