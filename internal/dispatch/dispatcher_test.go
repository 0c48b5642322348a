package dispatch_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bsx-exchange/clearinghouse/internal/auth"
	"github.com/bsx-exchange/clearinghouse/internal/dispatch"
	"github.com/bsx-exchange/clearinghouse/internal/event"
	"github.com/bsx-exchange/clearinghouse/internal/fixedpoint"
	"github.com/bsx-exchange/clearinghouse/internal/funding"
	"github.com/bsx-exchange/clearinghouse/internal/insurance"
	"github.com/bsx-exchange/clearinghouse/internal/margin"
	"github.com/bsx-exchange/clearinghouse/internal/matching"
	"github.com/bsx-exchange/clearinghouse/internal/testutil"
)

var usdcAddr = common.HexToAddress("0x0000000000000000000000000000000000000001")

type dispatchEnv struct {
	authority  *auth.Authority
	ledger     *margin.Ledger
	funding    *funding.Accumulator
	insurance  *insurance.Fund
	dispatcher *dispatch.Dispatcher
}

func newDispatchEnv(t *testing.T, policy *dispatch.Policy, persist, proj chan dispatch.Output) *dispatchEnv {
	t.Helper()
	authority := auth.NewAuthority(auth.Domain{
		Name:              "Clearinghouse",
		Version:           "1",
		ChainID:           8453,
		VerifyingContract: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
	})
	ledger := margin.NewLedger()
	acc := funding.NewAccumulator()
	fund := insurance.NewFund()
	matcher := matching.NewEngine(authority, ledger, acc, fund, usdcAddr)
	d := dispatch.NewDispatcher(0, authority, ledger, acc, fund, matcher, nil, nil, policy, nil, persist, proj)
	return &dispatchEnv{
		authority:  authority,
		ledger:     ledger,
		funding:    acc,
		insurance:  fund,
		dispatcher: d,
	}
}

func fundingCmd(t *testing.T, seq uint32, market uint8, premium *big.Int) dispatch.Command {
	t.Helper()
	payload, err := dispatch.EncodeFunding(market, premium)
	if err != nil {
		t.Fatalf("encode funding: %v", err)
	}
	return dispatch.Command{Opcode: dispatch.OpUpdateFundingRate, Sequence: seq, Payload: payload}
}

func withdrawCmd(t *testing.T, env *dispatchEnv, seq uint32, key *testutil.Key, amount *big.Int, nonce uint64) dispatch.Command {
	t.Helper()
	digest := env.authority.WithdrawDigest(key.Address, usdcAddr, amount, nonce)
	payload, err := dispatch.EncodeWithdraw(key.Address, usdcAddr, amount, nonce, key.Sign(t, digest), key.Address)
	if err != nil {
		t.Fatalf("encode withdraw: %v", err)
	}
	return dispatch.Command{Opcode: dispatch.OpWithdraw, Sequence: seq, Payload: payload}
}

func wireOrder(t *testing.T, env *dispatchEnv, key *testutil.Key, size, price *big.Int, nonce uint64, market uint8, side matching.Side, fee *big.Int) matching.SignedOrder {
	t.Helper()
	digest := env.authority.OrderDigest(key.Address, size, price, nonce, market, uint8(side))
	return matching.SignedOrder{
		Order: matching.Order{
			Account: key.Address,
			Size:    size,
			Price:   price,
			Nonce:   nonce,
			Market:  market,
			Side:    side,
		},
		Signer:    key.Address,
		Signature: key.Sign(t, digest),
		Fee:       fee,
	}
}

// ============================================================================
// Test: sequencing gates
// ============================================================================

func TestApplyBatch_SequenceGapIsFatal(t *testing.T) {
	env := newDispatchEnv(t, nil, nil, nil)

	outputs, err := env.dispatcher.ApplyBatch(context.Background(), []dispatch.Command{
		fundingCmd(t, 5, 1, big.NewInt(1)),
	})
	if !errors.Is(err, dispatch.ErrSequenceGap) {
		t.Errorf("got %v, want ErrSequenceGap", err)
	}
	if len(outputs) != 0 {
		t.Errorf("got %d outputs, want 0", len(outputs))
	}
	if got := env.dispatcher.Sequence(); got != 0 {
		t.Errorf("sequence: got %d, want 0", got)
	}
}

func TestApplyBatch_GapMidBatchKeepsEarlierCommands(t *testing.T) {
	env := newDispatchEnv(t, nil, nil, nil)

	outputs, err := env.dispatcher.ApplyBatch(context.Background(), []dispatch.Command{
		fundingCmd(t, 0, 1, big.NewInt(1)),
		fundingCmd(t, 2, 1, big.NewInt(1)), // gap: 1 expected
	})
	if !errors.Is(err, dispatch.ErrSequenceGap) {
		t.Errorf("got %v, want ErrSequenceGap", err)
	}
	if len(outputs) != 1 {
		t.Fatalf("got %d outputs, want 1", len(outputs))
	}
	if got := env.dispatcher.Sequence(); got != 1 {
		t.Errorf("sequence: got %d, want 1", got)
	}
}

func TestApplyBatch_UnknownOpcodeIsFatal(t *testing.T) {
	env := newDispatchEnv(t, nil, nil, nil)

	_, err := env.dispatcher.ApplyBatch(context.Background(), []dispatch.Command{
		{Opcode: 0x7f, Sequence: 0},
	})
	if !errors.Is(err, dispatch.ErrUnknownOpcode) {
		t.Errorf("got %v, want ErrUnknownOpcode", err)
	}
	if got := env.dispatcher.Sequence(); got != 0 {
		t.Errorf("sequence: got %d, want 0", got)
	}
}

func TestApplyBatch_PausedRejectsWholeBatch(t *testing.T) {
	env := newDispatchEnv(t, nil, nil, nil)
	env.dispatcher.SetPaused(true)

	_, err := env.dispatcher.ApplyBatch(context.Background(), []dispatch.Command{
		fundingCmd(t, 0, 1, big.NewInt(1)),
	})
	if !errors.Is(err, dispatch.ErrPaused) {
		t.Errorf("got %v, want ErrPaused", err)
	}

	env.dispatcher.SetPaused(false)
	if _, err := env.dispatcher.ApplyBatch(context.Background(), []dispatch.Command{
		fundingCmd(t, 0, 1, big.NewInt(1)),
	}); err != nil {
		t.Errorf("after resume: got %v, want nil", err)
	}
}

// ============================================================================
// Test: slot consumption on failure
// ============================================================================

func TestApplyBatch_BusinessFailureConsumesSlot(t *testing.T) {
	env := newDispatchEnv(t, nil, nil, nil)

	// Cover-loss on a non-negative balance fails its business check; the
	// following command still applies at the next sequence.
	outputs, err := env.dispatcher.ApplyBatch(context.Background(), []dispatch.Command{
		{Opcode: dispatch.OpCoverLossWithInsurance, Sequence: 0, Payload: dispatch.EncodeCoverLoss(common.Address{}, usdcAddr)},
		fundingCmd(t, 1, 1, big.NewInt(3)),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(outputs) != 2 {
		t.Fatalf("got %d outputs, want 2", len(outputs))
	}

	rejected, ok := outputs[0].Outcome.(*event.CommandRejected)
	if !ok {
		t.Fatalf("first outcome: got %T, want *event.CommandRejected", outputs[0].Outcome)
	}
	if rejected.Opcode != byte(dispatch.OpCoverLossWithInsurance) {
		t.Errorf("rejected opcode: got 0x%02x, want 0x05", rejected.Opcode)
	}
	if _, ok := outputs[1].Outcome.(*event.FundingRateUpdated); !ok {
		t.Errorf("second outcome: got %T, want *event.FundingRateUpdated", outputs[1].Outcome)
	}
	if got := env.dispatcher.Sequence(); got != 2 {
		t.Errorf("sequence: got %d, want 2", got)
	}
}

func TestApplyBatch_MalformedPayloadConsumesSlot(t *testing.T) {
	env := newDispatchEnv(t, nil, nil, nil)

	outputs, err := env.dispatcher.ApplyBatch(context.Background(), []dispatch.Command{
		{Opcode: dispatch.OpWithdraw, Sequence: 0, Payload: []byte{0x01}},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := outputs[0].Outcome.(*event.CommandRejected); !ok {
		t.Fatalf("got %T, want *event.CommandRejected", outputs[0].Outcome)
	}
	if got := env.dispatcher.Sequence(); got != 1 {
		t.Errorf("sequence: got %d, want 1", got)
	}
}

// ============================================================================
// Test: funding over the wire
// ============================================================================

func TestApplyBatch_FundingAccrual(t *testing.T) {
	env := newDispatchEnv(t, nil, nil, nil)

	outputs, err := env.dispatcher.ApplyBatch(context.Background(), []dispatch.Command{
		fundingCmd(t, 0, 1, fixedpoint.FromInt(-5)),
		fundingCmd(t, 1, 1, fixedpoint.FromInt(2)),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	first := outputs[0].Outcome.(*event.FundingRateUpdated)
	if first.Cumulative.Cmp(fixedpoint.FromInt(-5)) != 0 {
		t.Errorf("cumulative after first: got %s, want -5e18", first.Cumulative)
	}
	cumulative, _ := env.dispatcher.FundingState(1)
	if cumulative.Cmp(fixedpoint.FromInt(-3)) != 0 {
		t.Errorf("cumulative: got %s, want -3e18", cumulative)
	}
}

// ============================================================================
// Test: match over the wire
// ============================================================================

func TestApplyBatch_MatchSettlesThroughWirePayload(t *testing.T) {
	env := newDispatchEnv(t, nil, nil, nil)
	maker := testutil.NewKey(t)
	taker := testutil.NewKey(t)
	makerReferrer := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	takerReferrer := common.HexToAddress("0x00000000000000000000000000000000000000f2")

	size := fixedpoint.FromInt(5)
	price := fixedpoint.FromInt(100)
	payload, err := dispatch.EncodeMatch(
		wireOrder(t, env, maker, size, price, 1, 1, matching.SideBuy, big.NewInt(4e12)),
		wireOrder(t, env, taker, size, price, 2, 1, matching.SideSell, big.NewInt(8e12)),
		big.NewInt(1e12),
		&matching.Referral{Referrer: makerReferrer, RebateRate: big.NewInt(5e17)},
		&matching.Referral{Referrer: takerReferrer, RebateRate: big.NewInt(25e16)},
		nil,
	)
	if err != nil {
		t.Fatalf("encode match: %v", err)
	}

	outputs, err := env.dispatcher.ApplyBatch(context.Background(), []dispatch.Command{
		{Opcode: dispatch.OpMatchOrders, Sequence: 0, Payload: payload},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	matched, ok := outputs[0].Outcome.(*event.OrdersMatched)
	if !ok {
		t.Fatalf("got %T, want *event.OrdersMatched", outputs[0].Outcome)
	}
	if matched.FillQuote.Cmp(fixedpoint.FromInt(500)) != 0 {
		t.Errorf("fill quote: got %s, want 500e18", matched.FillQuote)
	}
	if matched.MakerNetFee.Cmp(big.NewInt(2e12)) != 0 {
		t.Errorf("maker net fee: got %s, want 2e12", matched.MakerNetFee)
	}
	if matched.TakerNetFee.Cmp(big.NewInt(9e12)) != 0 {
		t.Errorf("taker net fee: got %s, want 9e12", matched.TakerNetFee)
	}
	if matched.SequencerFee.Cmp(big.NewInt(1e12)) != 0 {
		t.Errorf("sequencer fee: got %s, want 1e12", matched.SequencerFee)
	}
	// Referral rates travel as basis points; both rebates survive the trip.
	if matched.MakerReferralRebate.Cmp(big.NewInt(2e12)) != 0 {
		t.Errorf("maker rebate: got %s, want 2e12", matched.MakerReferralRebate)
	}
	if matched.TakerReferralRebate.Cmp(big.NewInt(2e12)) != 0 {
		t.Errorf("taker rebate: got %s, want 2e12", matched.TakerReferralRebate)
	}

	if got := env.dispatcher.Position(maker.Address, 1); got.Size.Cmp(size) != 0 {
		t.Errorf("maker position: got %s, want 5e18", got.Size)
	}
	if got := env.dispatcher.SpotBalance(makerReferrer, usdcAddr); got.Cmp(big.NewInt(2e12)) != 0 {
		t.Errorf("maker referrer: got %s, want 2e12", got)
	}
	if got := env.dispatcher.SpotBalance(takerReferrer, usdcAddr); got.Cmp(big.NewInt(2e12)) != 0 {
		t.Errorf("taker referrer: got %s, want 2e12", got)
	}
}

// ============================================================================
// Test: withdrawals
// ============================================================================

func TestApplyBatch_WithdrawLifecycle(t *testing.T) {
	env := newDispatchEnv(t, nil, nil, nil)
	key := testutil.NewKey(t)
	if err := env.ledger.ApplyDeltas([]margin.Delta{{Account: key.Address, Asset: usdcAddr, Amount: fixedpoint.FromInt(10)}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	outputs, err := env.dispatcher.ApplyBatch(context.Background(), []dispatch.Command{
		withdrawCmd(t, env, 0, key, big.NewInt(5e15), 1),           // below minimum
		withdrawCmd(t, env, 1, key, fixedpoint.FromInt(4), 1),      // nonce 1 already burned
		withdrawCmd(t, env, 2, key, fixedpoint.FromInt(20), 2),     // exceeds balance
		withdrawCmd(t, env, 3, key, fixedpoint.FromInt(4), 3),      // succeeds
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(outputs) != 4 {
		t.Fatalf("got %d outputs, want 4", len(outputs))
	}

	below := outputs[0].Outcome.(*event.Withdrawal)
	if below.Status != event.StatusRejected || below.Reason != "amount below minimum" {
		t.Errorf("below minimum: got %v/%q", below.Status, below.Reason)
	}

	// A rejected withdrawal still burns its nonce.
	if _, ok := outputs[1].Outcome.(*event.CommandRejected); !ok {
		t.Errorf("nonce replay: got %T, want *event.CommandRejected", outputs[1].Outcome)
	}

	over := outputs[2].Outcome.(*event.Withdrawal)
	if over.Status != event.StatusRejected || over.Reason != "amount exceeds balance" {
		t.Errorf("over balance: got %v/%q", over.Status, over.Reason)
	}

	success := outputs[3].Outcome.(*event.Withdrawal)
	if success.Status != event.StatusSuccess {
		t.Errorf("success: got %v/%q", success.Status, success.Reason)
	}
	if got := env.dispatcher.SpotBalance(key.Address, usdcAddr); got.Cmp(fixedpoint.FromInt(6)) != 0 {
		t.Errorf("balance: got %s, want 6e18", got)
	}
}

func TestApplyBatch_ForgedWithdrawKeepsNonce(t *testing.T) {
	env := newDispatchEnv(t, nil, nil, nil)
	key := testutil.NewKey(t)
	forger := testutil.NewKey(t)
	if err := env.ledger.ApplyDeltas([]margin.Delta{{Account: key.Address, Asset: usdcAddr, Amount: fixedpoint.FromInt(10)}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	amount := fixedpoint.FromInt(4)
	digest := env.authority.WithdrawDigest(key.Address, usdcAddr, amount, 1)
	forged, err := dispatch.EncodeWithdraw(key.Address, usdcAddr, amount, 1, forger.Sign(t, digest), key.Address)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	outputs, err := env.dispatcher.ApplyBatch(context.Background(), []dispatch.Command{
		{Opcode: dispatch.OpWithdraw, Sequence: 0, Payload: forged},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := outputs[0].Outcome.(*event.CommandRejected); !ok {
		t.Fatalf("got %T, want *event.CommandRejected", outputs[0].Outcome)
	}

	// The signature gate fires before the nonce is consumed: the same nonce
	// still works when properly signed.
	outputs, err = env.dispatcher.ApplyBatch(context.Background(), []dispatch.Command{
		withdrawCmd(t, env, 1, key, amount, 1),
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := outputs[0].Outcome.(*event.Withdrawal); got.Status != event.StatusSuccess {
		t.Errorf("retry: got %v/%q, want success", got.Status, got.Reason)
	}
}

// ============================================================================
// Test: signer authorization over the wire
// ============================================================================

func TestApplyBatch_AuthorizeSigner(t *testing.T) {
	env := newDispatchEnv(t, nil, nil, nil)
	principal := testutil.NewKey(t)
	signer := testutil.NewKey(t)

	grant := env.authority.AuthorizeDigest(principal.Address, signer.Address, 9)
	consent := env.authority.ConsentDigest(principal.Address, signer.Address, 9)
	payload := dispatch.EncodeAuthorizeSigner(
		principal.Address, signer.Address, 9,
		principal.Sign(t, grant), signer.Sign(t, consent),
	)

	outputs, err := env.dispatcher.ApplyBatch(context.Background(), []dispatch.Command{
		{Opcode: dispatch.OpAuthorizeSigner, Sequence: 0, Payload: payload},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	authorized, ok := outputs[0].Outcome.(*event.SignerAuthorized)
	if !ok {
		t.Fatalf("got %T, want *event.SignerAuthorized", outputs[0].Outcome)
	}
	if authorized.Principal != principal.Address || authorized.Signer != signer.Address {
		t.Errorf("outcome parties: got %s/%s", authorized.Principal, authorized.Signer)
	}
	if !env.authority.IsAuthorized(principal.Address, signer.Address) {
		t.Error("signer not authorized after command")
	}
}

// ============================================================================
// Test: policy and vault gates
// ============================================================================

func TestApplyBatch_PolicyDeniesPrivilegedOpcode(t *testing.T) {
	policy := dispatch.NewPolicy(dispatch.OpUpdateFundingRate)
	env := newDispatchEnv(t, policy, nil, nil)

	outputs, err := env.dispatcher.ApplyBatch(context.Background(), []dispatch.Command{
		{Opcode: dispatch.OpCoverLossWithInsurance, Sequence: 0, Payload: dispatch.EncodeCoverLoss(common.Address{}, usdcAddr)},
		fundingCmd(t, 1, 1, big.NewInt(1)),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	rejected, ok := outputs[0].Outcome.(*event.CommandRejected)
	if !ok {
		t.Fatalf("got %T, want *event.CommandRejected", outputs[0].Outcome)
	}
	if rejected.Reason != dispatch.ErrNotPermitted.Error() {
		t.Errorf("reason: got %q, want %q", rejected.Reason, dispatch.ErrNotPermitted.Error())
	}
	if _, ok := outputs[1].Outcome.(*event.FundingRateUpdated); !ok {
		t.Errorf("permitted opcode: got %T, want *event.FundingRateUpdated", outputs[1].Outcome)
	}
}

func TestApplyBatch_DefaultVaultHookRejects(t *testing.T) {
	env := newDispatchEnv(t, nil, nil, nil)
	key := testutil.NewKey(t)

	payload, err := dispatch.EncodeVault(key.Address, usdcAddr, fixedpoint.FromInt(1), 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	outputs, err := env.dispatcher.ApplyBatch(context.Background(), []dispatch.Command{
		{Opcode: dispatch.OpStakeVault, Sequence: 0, Payload: payload},
		{Opcode: dispatch.OpUnstakeVault, Sequence: 1, Payload: payload},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	for i, out := range outputs {
		vo, ok := out.Outcome.(*event.VaultOutcome)
		if !ok {
			t.Fatalf("outcome %d: got %T, want *event.VaultOutcome", i, out.Outcome)
		}
		if vo.Status != event.StatusRejected || vo.Reason != dispatch.ErrVaultDisabled.Error() {
			t.Errorf("outcome %d: got %v/%q", i, vo.Status, vo.Reason)
		}
	}
	if outputs[0].Outcome.(*event.VaultOutcome).Unstake || !outputs[1].Outcome.(*event.VaultOutcome).Unstake {
		t.Error("unstake flag does not follow the opcode")
	}
}

// ============================================================================
// Test: outcome hash chain and fan-out
// ============================================================================

func TestApplyBatch_HashChainLinksOutcomes(t *testing.T) {
	persist := make(chan dispatch.Output, 8)
	proj := make(chan dispatch.Output, 1)
	env := newDispatchEnv(t, nil, persist, proj)
	genesis := env.dispatcher.StateHash()

	outputs, err := env.dispatcher.ApplyBatch(context.Background(), []dispatch.Command{
		fundingCmd(t, 0, 1, big.NewInt(1)),
		fundingCmd(t, 1, 1, big.NewInt(2)),
		fundingCmd(t, 2, 2, big.NewInt(3)),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(outputs) != 3 {
		t.Fatalf("got %d outputs, want 3", len(outputs))
	}

	if outputs[0].Envelope.PrevHash != genesis {
		t.Error("first outcome does not chain from genesis")
	}
	for i := 1; i < len(outputs); i++ {
		if outputs[i].Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("outcome %d does not chain from its predecessor", i)
		}
	}
	if env.dispatcher.StateHash() != outputs[2].Envelope.StateHash {
		t.Error("chain tip does not match the last outcome")
	}
	if outputs[1].Envelope.Sequence != 1 || outputs[1].Envelope.SubIndex != 0 {
		t.Errorf("envelope position: got %d/%d, want 1/0", outputs[1].Envelope.Sequence, outputs[1].Envelope.SubIndex)
	}

	// Persistence sees every outcome; the projection channel drops what it
	// cannot buffer.
	if len(persist) != 3 {
		t.Errorf("persist channel: got %d outputs, want 3", len(persist))
	}
	if len(proj) != 1 {
		t.Errorf("projection channel: got %d outputs, want 1", len(proj))
	}
	first := <-persist
	if first.Envelope.StateHash != outputs[0].Envelope.StateHash {
		t.Error("persisted output does not match the returned output")
	}
}

func TestRestoreChainTip(t *testing.T) {
	env := newDispatchEnv(t, nil, nil, nil)

	var tip [32]byte
	tip[0] = 0xab
	env.dispatcher.RestoreChainTip(tip)
	if env.dispatcher.StateHash() != tip {
		t.Error("restored tip not reflected in StateHash")
	}
}
