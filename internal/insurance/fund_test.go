package insurance_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bsx-exchange/clearinghouse/internal/fixedpoint"
	"github.com/bsx-exchange/clearinghouse/internal/insurance"
	"github.com/bsx-exchange/clearinghouse/internal/margin"
)

var (
	trader = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	usdc   = common.HexToAddress("0x0000000000000000000000000000000000000001")
)

// ============================================================================
// Test: fund balance management
// ============================================================================

func TestDeposit_RejectsNonPositive(t *testing.T) {
	f := insurance.NewFund()

	if err := f.Deposit(usdc, new(big.Int)); !errors.Is(err, insurance.ErrNonPositiveAmount) {
		t.Errorf("zero: got %v, want ErrNonPositiveAmount", err)
	}
	if err := f.Deposit(usdc, fixedpoint.FromInt(-1)); !errors.Is(err, insurance.ErrNonPositiveAmount) {
		t.Errorf("negative: got %v, want ErrNonPositiveAmount", err)
	}
	if err := f.Deposit(usdc, fixedpoint.FromInt(10)); err != nil {
		t.Errorf("positive: got %v, want nil", err)
	}
}

func TestWithdraw_CappedAtBalance(t *testing.T) {
	f := insurance.NewFund()
	if err := f.Deposit(usdc, fixedpoint.FromInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := f.Withdraw(usdc, fixedpoint.FromInt(11)); !errors.Is(err, insurance.ErrInsufficientFund) {
		t.Errorf("overdraw: got %v, want ErrInsufficientFund", err)
	}
	if err := f.Withdraw(usdc, fixedpoint.FromInt(10)); err != nil {
		t.Errorf("full withdraw: got %v, want nil", err)
	}
	if got := f.Balance(usdc); got.Sign() != 0 {
		t.Errorf("balance: got %s, want 0", got)
	}
}

func TestCredit_ZeroIsNoop(t *testing.T) {
	f := insurance.NewFund()

	if err := f.Credit(usdc, new(big.Int)); err != nil {
		t.Errorf("zero credit: got %v, want nil", err)
	}
	if err := f.Credit(usdc, nil); err != nil {
		t.Errorf("nil credit: got %v, want nil", err)
	}
	if err := f.Credit(usdc, fixedpoint.FromInt(-1)); !errors.Is(err, insurance.ErrNonPositiveAmount) {
		t.Errorf("negative credit: got %v, want ErrNonPositiveAmount", err)
	}
}

// ============================================================================
// Test: loss coverage
// ============================================================================

func TestCoverLoss_FullCoverage(t *testing.T) {
	f := insurance.NewFund()
	l := margin.NewLedger()

	if err := f.Deposit(usdc, fixedpoint.FromInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.ApplyDeltas([]margin.Delta{{Account: trader, Asset: usdc, Amount: fixedpoint.FromInt(-5)}}); err != nil {
		t.Fatalf("seed deficit: %v", err)
	}

	covered, err := f.CoverLoss(l, trader, usdc)
	if err != nil {
		t.Fatalf("cover: %v", err)
	}
	if covered.Cmp(fixedpoint.FromInt(5)) != 0 {
		t.Errorf("covered: got %s, want 5e18", covered)
	}
	if got := l.Spot(trader, usdc); got.Sign() != 0 {
		t.Errorf("account after cover: got %s, want 0", got)
	}
	if got := f.Balance(usdc); got.Cmp(fixedpoint.FromInt(95)) != 0 {
		t.Errorf("fund after cover: got %s, want 95e18", got)
	}
}

func TestCoverLoss_PartialWhenFundSmaller(t *testing.T) {
	f := insurance.NewFund()
	l := margin.NewLedger()

	if err := f.Deposit(usdc, fixedpoint.FromInt(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.ApplyDeltas([]margin.Delta{{Account: trader, Asset: usdc, Amount: fixedpoint.FromInt(-10)}}); err != nil {
		t.Fatalf("seed deficit: %v", err)
	}

	covered, err := f.CoverLoss(l, trader, usdc)
	if err != nil {
		t.Fatalf("cover: %v", err)
	}
	if covered.Cmp(fixedpoint.FromInt(3)) != 0 {
		t.Errorf("covered: got %s, want 3e18", covered)
	}
	if got := l.Spot(trader, usdc); got.Cmp(fixedpoint.FromInt(-7)) != 0 {
		t.Errorf("account: got %s, want -7e18", got)
	}
	if got := f.Balance(usdc); got.Sign() != 0 {
		t.Errorf("fund drained: got %s, want 0", got)
	}
}

func TestCoverLoss_NonNegativeBalanceRejected(t *testing.T) {
	f := insurance.NewFund()
	l := margin.NewLedger()

	_, err := f.CoverLoss(l, trader, usdc)
	if !errors.Is(err, insurance.ErrNothingToCover) {
		t.Errorf("got %v, want ErrNothingToCover", err)
	}
}

func TestCoverLoss_EmptyFundCoversNothing(t *testing.T) {
	f := insurance.NewFund()
	l := margin.NewLedger()

	if err := l.ApplyDeltas([]margin.Delta{{Account: trader, Asset: usdc, Amount: fixedpoint.FromInt(-10)}}); err != nil {
		t.Fatalf("seed deficit: %v", err)
	}

	covered, err := f.CoverLoss(l, trader, usdc)
	if err != nil {
		t.Fatalf("cover: %v", err)
	}
	if covered.Sign() != 0 {
		t.Errorf("covered: got %s, want 0", covered)
	}
	if got := l.Spot(trader, usdc); got.Cmp(fixedpoint.FromInt(-10)) != 0 {
		t.Errorf("account untouched: got %s, want -10e18", got)
	}
}
