package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/bsx-exchange/clearinghouse/internal/auth"
	"github.com/bsx-exchange/clearinghouse/internal/event"
	"github.com/bsx-exchange/clearinghouse/internal/funding"
	"github.com/bsx-exchange/clearinghouse/internal/insurance"
	"github.com/bsx-exchange/clearinghouse/internal/liquidation"
	"github.com/bsx-exchange/clearinghouse/internal/margin"
	"github.com/bsx-exchange/clearinghouse/internal/matching"
	"github.com/bsx-exchange/clearinghouse/internal/observability"
)

// MinWithdrawal is the smallest withdrawal the core accepts, 0.01 units.
var MinWithdrawal = big.NewInt(1e16)

var (
	ErrPaused        = errors.New("dispatch: command processing is paused")
	ErrSequenceGap   = errors.New("dispatch: command sequence does not match expected")
	ErrUnknownOpcode = errors.New("dispatch: unknown opcode")
)

// Output pairs an outcome with its audit-log envelope.
type Output struct {
	Envelope *event.Envelope
	Outcome  event.Outcome
}

// Dispatcher is the single writer over all clearing state. Commands are
// applied strictly in sequence order; queries take the read side of the
// lock and see only fully-applied commands.
//
// A command with the expected sequence number always consumes its slot:
// business failures become CommandRejected outcomes and the batch
// continues. A sequence mismatch or unknown opcode is fatal for the rest
// of the batch and leaves the counter untouched.
type Dispatcher struct {
	mu     sync.RWMutex
	seq    uint32
	paused bool

	hasher     *StateHasher
	authority  *auth.Authority
	ledger     *margin.Ledger
	funding    *funding.Accumulator
	insurance  *insurance.Fund
	matcher    *matching.Engine
	liquidator *liquidation.Engine
	vault      VaultHook
	policy     *Policy
	metrics    *observability.Metrics
	log        zerolog.Logger

	persistChan    chan<- Output
	projectionChan chan<- Output
}

func NewDispatcher(
	startSequence uint32,
	authority *auth.Authority,
	ledger *margin.Ledger,
	acc *funding.Accumulator,
	fund *insurance.Fund,
	matcher *matching.Engine,
	liquidator *liquidation.Engine,
	vault VaultHook,
	policy *Policy,
	metrics *observability.Metrics,
	persistChan, projectionChan chan<- Output,
) *Dispatcher {
	if vault == nil {
		vault = RejectingVaultHook{}
	}
	if policy == nil {
		policy = AllowAll()
	}
	return &Dispatcher{
		seq:            startSequence,
		hasher:         NewStateHasher(),
		authority:      authority,
		ledger:         ledger,
		funding:        acc,
		insurance:      fund,
		matcher:        matcher,
		liquidator:     liquidator,
		vault:          vault,
		policy:         policy,
		metrics:        metrics,
		log:            observability.NewLogger("dispatch"),
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// ApplyBatch applies a decoded batch in order. Returns the outputs of
// every command that consumed its slot; the error, when non-nil, names the
// fatal condition that aborted the remainder of the batch.
func (d *Dispatcher) ApplyBatch(ctx context.Context, commands []Command) ([]Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.paused {
		if d.metrics != nil {
			d.metrics.BatchesFatal.WithLabelValues("paused").Inc()
		}
		return nil, ErrPaused
	}

	outputs := make([]Output, 0, len(commands))
	for _, cmd := range commands {
		if !knownOpcode(cmd.Opcode) {
			if d.metrics != nil {
				d.metrics.BatchesFatal.WithLabelValues("unknown_opcode").Inc()
			}
			return outputs, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, byte(cmd.Opcode))
		}
		if cmd.Sequence != d.seq {
			if d.metrics != nil {
				d.metrics.BatchesFatal.WithLabelValues("sequence_gap").Inc()
			}
			return outputs, fmt.Errorf("%w: got %d, expected %d", ErrSequenceGap, cmd.Sequence, d.seq)
		}

		seq := d.seq
		d.seq++

		start := time.Now()
		outcomes, err := d.apply(ctx, cmd)
		if err != nil {
			d.log.Warn().
				Uint32("sequence", seq).
				Str("opcode", cmd.Opcode.String()).
				Err(err).
				Msg("command rejected")
			if d.metrics != nil {
				d.metrics.CommandsRejected.WithLabelValues(cmd.Opcode.String(), rejectReason(err)).Inc()
			}
			outcomes = []event.Outcome{&event.CommandRejected{Opcode: byte(cmd.Opcode), Reason: err.Error()}}
		}

		for i, oc := range outcomes {
			outputs = append(outputs, d.emit(seq, i, oc))
		}

		if d.metrics != nil {
			d.metrics.CommandsApplied.WithLabelValues(cmd.Opcode.String()).Inc()
			d.metrics.CommandDuration.WithLabelValues(cmd.Opcode.String()).Observe(time.Since(start).Seconds())
			d.metrics.Sequence.Set(float64(d.seq))
		}
	}
	return outputs, nil
}

func knownOpcode(op Opcode) bool {
	return op >= OpAuthorizeSigner && op <= OpSwapCollateralBatch
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrTruncated), errors.Is(err, ErrTrailing):
		return "malformed"
	case errors.Is(err, auth.ErrBadSignature), errors.Is(err, auth.ErrNotAuthorized):
		return "signature"
	case errors.Is(err, auth.ErrNonceUsed):
		return "nonce"
	case errors.Is(err, ErrNotPermitted):
		return "policy"
	default:
		return "business"
	}
}

func (d *Dispatcher) apply(ctx context.Context, cmd Command) ([]event.Outcome, error) {
	switch cmd.Opcode {
	case OpAuthorizeSigner:
		return d.applyAuthorizeSigner(cmd.Payload)
	case OpMatchOrders:
		return d.applyMatch(cmd.Payload, false)
	case OpMatchLiquidationOrders:
		if err := d.policy.Check(cmd.Opcode); err != nil {
			return nil, err
		}
		return d.applyMatch(cmd.Payload, true)
	case OpUpdateFundingRate:
		if err := d.policy.Check(cmd.Opcode); err != nil {
			return nil, err
		}
		return d.applyFunding(cmd.Payload)
	case OpCoverLossWithInsurance:
		if err := d.policy.Check(cmd.Opcode); err != nil {
			return nil, err
		}
		return d.applyCoverLoss(cmd.Payload)
	case OpWithdraw:
		return d.applyWithdraw(cmd.Payload)
	case OpStakeVault, OpUnstakeVault:
		return d.applyVault(cmd.Payload, cmd.Opcode == OpUnstakeVault)
	case OpLiquidateCollateralBatch:
		if err := d.policy.Check(cmd.Opcode); err != nil {
			return nil, err
		}
		return d.applyLiquidateBatch(ctx, cmd.Payload)
	case OpSwapCollateralBatch:
		return d.applySwapBatch(ctx, cmd.Payload)
	default:
		return nil, ErrUnknownOpcode
	}
}

func (d *Dispatcher) applyAuthorizeSigner(payload []byte) ([]event.Outcome, error) {
	p, err := decodeAuthorizeSigner(payload)
	if err != nil {
		return nil, err
	}
	if err := d.authority.AuthorizeSigner(p.Account, p.Signer, p.Nonce, p.PrincipalSig, p.SignerSig); err != nil {
		return nil, err
	}
	return []event.Outcome{&event.SignerAuthorized{
		Principal: p.Account,
		Signer:    p.Signer,
		Nonce:     p.Nonce,
	}}, nil
}

func (d *Dispatcher) applyMatch(payload []byte, liq bool) ([]event.Outcome, error) {
	p, err := decodeMatch(payload)
	if err != nil {
		return nil, err
	}
	params := matching.MatchParams{
		Maker:              p.Maker,
		Taker:              p.Taker,
		SequencerFee:       p.SequencerFee,
		MakerReferral:      p.MakerReferral,
		TakerReferral:      p.TakerReferral,
		LiquidationPenalty: p.LiquidationPenalty,
	}
	var matched *event.OrdersMatched
	if liq {
		matched, err = d.matcher.MatchLiquidation(params)
	} else {
		matched, err = d.matcher.Match(params)
	}
	if err != nil {
		return nil, err
	}
	if d.metrics != nil {
		market := fmt.Sprintf("%d", matched.Market)
		if liq {
			d.metrics.LiquidationMatches.WithLabelValues(market).Inc()
		} else {
			d.metrics.OrdersMatched.WithLabelValues(market).Inc()
		}
	}
	return []event.Outcome{matched}, nil
}

func (d *Dispatcher) applyFunding(payload []byte) ([]event.Outcome, error) {
	p, err := decodeFunding(payload)
	if err != nil {
		return nil, err
	}
	cumulative, err := d.funding.UpdateFundingRate(p.Market, p.Premium)
	if err != nil {
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.FundingUpdates.WithLabelValues(fmt.Sprintf("%d", p.Market)).Inc()
	}
	return []event.Outcome{&event.FundingRateUpdated{
		Market:     p.Market,
		Premium:    p.Premium,
		Cumulative: cumulative,
	}}, nil
}

func (d *Dispatcher) applyCoverLoss(payload []byte) ([]event.Outcome, error) {
	p, err := decodeCoverLoss(payload)
	if err != nil {
		return nil, err
	}
	covered, err := d.insurance.CoverLoss(d.ledger, p.Account, p.Asset)
	if err != nil {
		return nil, err
	}
	remaining := d.ledger.Spot(p.Account, p.Asset)
	if remaining.Sign() < 0 {
		remaining.Neg(remaining)
	} else {
		remaining = new(big.Int)
	}
	if d.metrics != nil {
		d.metrics.LossesCovered.Inc()
		d.observeFund(p.Asset)
	}
	return []event.Outcome{&event.LossCovered{
		Account:   p.Account,
		Asset:     p.Asset,
		Covered:   covered,
		Remaining: remaining,
	}}, nil
}

// applyWithdraw runs a withdrawal. The signature and nonce gates are
// fatal; past them, the nonce is consumed and every further check is a
// terminal Withdrawal outcome — a rejected withdrawal burns its nonce.
func (d *Dispatcher) applyWithdraw(payload []byte) ([]event.Outcome, error) {
	p, err := decodeWithdraw(payload)
	if err != nil {
		return nil, err
	}
	digest := d.authority.WithdrawDigest(p.Account, p.Token, p.Amount, p.Nonce)
	if err := d.authority.CheckActor(digest, p.Signature, p.Signer, p.Account); err != nil {
		return nil, err
	}
	if err := d.authority.Nonces().Use(auth.NonceWithdraw, p.Account, p.Nonce); err != nil {
		return nil, err
	}

	out := &event.Withdrawal{
		Account: p.Account,
		Asset:   p.Token,
		Amount:  p.Amount,
		Nonce:   p.Nonce,
		Status:  event.StatusSuccess,
	}
	switch balance := d.ledger.Spot(p.Account, p.Token); {
	case p.Amount.Cmp(MinWithdrawal) < 0:
		out.Status, out.Reason = event.StatusRejected, "amount below minimum"
	case balance.Cmp(p.Amount) < 0:
		out.Status, out.Reason = event.StatusRejected, "amount exceeds balance"
	default:
		delta := margin.Delta{Account: p.Account, Asset: p.Token, Amount: new(big.Int).Neg(p.Amount)}
		if err := d.ledger.ApplyDeltas([]margin.Delta{delta}); err != nil {
			out.Status, out.Reason = event.StatusFailure, err.Error()
		}
	}
	return []event.Outcome{out}, nil
}

func (d *Dispatcher) applyVault(payload []byte, unstake bool) ([]event.Outcome, error) {
	p, err := decodeVault(payload)
	if err != nil {
		return nil, err
	}
	out := &event.VaultOutcome{
		Account: p.Account,
		Asset:   p.Asset,
		Amount:  p.Amount,
		Nonce:   p.Nonce,
		Unstake: unstake,
		Status:  event.StatusSuccess,
	}
	if unstake {
		err = d.vault.Unstake(p.Account, p.Asset, p.Amount, p.Nonce)
	} else {
		err = d.vault.Stake(p.Account, p.Asset, p.Amount, p.Nonce)
	}
	if err != nil {
		out.Status, out.Reason = event.StatusRejected, err.Error()
	}
	return []event.Outcome{out}, nil
}

func (d *Dispatcher) applyLiquidateBatch(ctx context.Context, payload []byte) ([]event.Outcome, error) {
	entries, err := decodeLiquidateBatch(payload)
	if err != nil {
		return nil, err
	}
	records := d.liquidator.LiquidateBatch(ctx, entries)
	out := make([]event.Outcome, 0, len(records))
	for _, rec := range records {
		if d.metrics != nil {
			d.metrics.LiquidationEntries.WithLabelValues(rec.Status.String()).Inc()
		}
		out = append(out, rec)
	}
	return out, nil
}

func (d *Dispatcher) applySwapBatch(ctx context.Context, payload []byte) ([]event.Outcome, error) {
	entries, err := decodeSwapBatch(payload)
	if err != nil {
		return nil, err
	}
	records := d.liquidator.SwapBatch(ctx, entries)
	out := make([]event.Outcome, 0, len(records))
	for _, rec := range records {
		if d.metrics != nil {
			d.metrics.SwapEntries.WithLabelValues(rec.Status.String()).Inc()
		}
		out = append(out, rec)
	}
	return out, nil
}

// emit chains an outcome into the hash log and fans it out. Persistence
// uses a blocking send so no outcome is lost; projections use a
// non-blocking send and rebuild from the audit log if they fall behind.
func (d *Dispatcher) emit(sequence uint32, subIndex int, oc event.Outcome) Output {
	digest, err := json.Marshal(struct {
		Kind    string
		Outcome event.Outcome
	}{Kind: oc.OutcomeKind().String(), Outcome: oc})
	if err != nil {
		panic(fmt.Sprintf("FATAL: outcome digest: %v", err))
	}

	prev := d.hasher.PrevHash()
	hash := d.hasher.ComputeHash(sequence, subIndex, digest)

	out := Output{
		Envelope: &event.Envelope{
			Sequence:  sequence,
			SubIndex:  subIndex,
			Kind:      oc.OutcomeKind(),
			StateHash: hash,
			PrevHash:  prev,
		},
		Outcome: oc,
	}

	if d.persistChan != nil {
		select {
		case d.persistChan <- out:
		default:
			if d.metrics != nil {
				d.metrics.PersistBackpressure.Inc()
			}
			d.persistChan <- out
		}
	}
	if d.projectionChan != nil {
		select {
		case d.projectionChan <- out:
		default:
			if d.metrics != nil {
				d.metrics.ProjectionDrops.Inc()
			}
		}
	}
	return out
}

// SetPaused flips the between-batches pause gate. An in-flight batch is
// never interrupted.
func (d *Dispatcher) SetPaused(paused bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = paused
}

// Paused reports the pause gate.
func (d *Dispatcher) Paused() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.paused
}

// Sequence returns the next expected command sequence number.
func (d *Dispatcher) Sequence() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.seq
}

// StateHash returns the audit-log chain tip.
func (d *Dispatcher) StateHash() [32]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hasher.PrevHash()
}

// RestoreChainTip sets the hash chain tip on warm restart.
func (d *Dispatcher) RestoreChainTip(hash [32]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hasher.SetPrevHash(hash)
}

// SpotBalance reads one spot balance.
func (d *Dispatcher) SpotBalance(account, asset common.Address) *big.Int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ledger.Spot(account, asset)
}

// SpotBalances reads all of an account's spot balances.
func (d *Dispatcher) SpotBalances(account common.Address) map[common.Address]*big.Int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ledger.SpotBalances(account)
}

// Position reads one position.
func (d *Dispatcher) Position(account common.Address, market uint8) margin.Position {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ledger.Position(account, market)
}

// Positions reads all of an account's positions.
func (d *Dispatcher) Positions(account common.Address) map[uint8]margin.Position {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ledger.Positions(account)
}

// FundingState reads a market's cumulative funding and open interest.
func (d *Dispatcher) FundingState(market uint8) (cumulative, openInterest *big.Int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.funding.Cumulative(market), d.funding.OpenInterest(market)
}

// InsuranceBalance reads the insurance fund balance for an asset.
func (d *Dispatcher) InsuranceBalance(asset common.Address) *big.Int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.insurance.Balance(asset)
}

// InsuranceDeposit credits the insurance fund between batches.
func (d *Dispatcher) InsuranceDeposit(asset common.Address, amount *big.Int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.insurance.Deposit(asset, amount); err != nil {
		return err
	}
	if d.metrics != nil {
		d.observeFund(asset)
	}
	return nil
}

// InsuranceWithdraw debits the insurance fund between batches.
func (d *Dispatcher) InsuranceWithdraw(asset common.Address, amount *big.Int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.insurance.Withdraw(asset, amount); err != nil {
		return err
	}
	if d.metrics != nil {
		d.observeFund(asset)
	}
	return nil
}

// observeFund exports the fund balance as a float gauge. Callers hold the
// lock and have already checked d.metrics.
func (d *Dispatcher) observeFund(asset common.Address) {
	f, _ := new(big.Float).SetInt(d.insurance.Balance(asset)).Float64()
	d.metrics.InsuranceFundBalance.WithLabelValues(asset.Hex()).Set(f / 1e18)
}

// CloseSubaccount removes an emptied account between batches.
func (d *Dispatcher) CloseSubaccount(account common.Address) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ledger.CloseSubaccount(account)
}
