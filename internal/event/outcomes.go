package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SignerAuthorized records a completed two-party signer registration.
type SignerAuthorized struct {
	Principal common.Address
	Signer    common.Address
	Nonce     uint64
}

func (*SignerAuthorized) OutcomeKind() Kind { return KindSignerAuthorized }

// OrdersMatched is the terminal record of a matched maker/taker pair.
// All amounts are wad (1e18) in the settlement asset unless noted.
type OrdersMatched struct {
	Market         uint8
	Maker          common.Address
	Taker          common.Address
	MakerOrderHash [32]byte
	TakerOrderHash [32]byte

	FillAmount *big.Int // base size filled
	Price      *big.Int // execution price
	FillQuote  *big.Int // FillAmount x Price

	// MakerNetFee is the fee collected from the maker after referral
	// deduction; negative values were paid out to the maker instead.
	MakerNetFee *big.Int
	// TakerNetFee includes the sequencer fee when this fill was the
	// order's first touch.
	TakerNetFee  *big.Int
	SequencerFee *big.Int

	MakerReferrer       common.Address
	TakerReferrer       common.Address
	MakerReferralRebate *big.Int
	TakerReferralRebate *big.Int

	MakerRealizedPnL *big.Int
	TakerRealizedPnL *big.Int

	IsLiquidation      bool
	LiquidationPenalty *big.Int
}

func (*OrdersMatched) OutcomeKind() Kind { return KindOrdersMatched }

// FundingRateUpdated records one funding premium accrual.
type FundingRateUpdated struct {
	Market     uint8
	Premium    *big.Int
	Cumulative *big.Int // value after accrual
}

func (*FundingRateUpdated) OutcomeKind() Kind { return KindFundingRateUpdated }

// LossCovered records an insurance fund draw against a negative balance.
type LossCovered struct {
	Account   common.Address
	Asset     common.Address
	Covered   *big.Int
	Remaining *big.Int // deficit left uncovered (fund exhausted)
}

func (*LossCovered) OutcomeKind() Kind { return KindLossCovered }

// Withdrawal records a withdrawal attempt. Rejections are terminal
// outcomes, not errors: the nonce is consumed either way.
type Withdrawal struct {
	Account common.Address
	Asset   common.Address
	Amount  *big.Int
	Nonce   uint64
	Status  Status
	Reason  string
}

func (*Withdrawal) OutcomeKind() Kind { return KindWithdrawal }

// AssetExecution is the per-asset leg of a liquidation or swap entry.
type AssetExecution struct {
	Asset    common.Address
	Status   Status
	Consumed *big.Int // input amount taken from the account
	Received *big.Int // settlement-asset proceeds before fee
	Fee      *big.Int
	Reason   string
}

// CollateralLiquidated records one per-account liquidation entry.
type CollateralLiquidated struct {
	Account common.Address
	Nonce   uint64
	Status  Status
	Reason  string
	Assets  []AssetExecution
}

func (*CollateralLiquidated) OutcomeKind() Kind { return KindCollateralLiquidated }

// CollateralSwapped records one per-account collateral swap entry.
type CollateralSwapped struct {
	Account common.Address
	Nonce   uint64
	Status  Status
	Reason  string
	Assets  []AssetExecution
}

func (*CollateralSwapped) OutcomeKind() Kind { return KindCollateralSwapped }

// VaultOutcome records a stake/unstake request routed to the vault hook.
type VaultOutcome struct {
	Account common.Address
	Asset   common.Address
	Amount  *big.Int
	Nonce   uint64
	Unstake bool
	Status  Status
	Reason  string
}

func (v *VaultOutcome) OutcomeKind() Kind {
	if v.Unstake {
		return KindVaultUnstake
	}
	return KindVaultStake
}

// CommandRejected records a command that consumed its sequence slot but
// failed its business checks. Total ordering is preserved across failures.
type CommandRejected struct {
	Opcode byte
	Reason string
}

func (*CommandRejected) OutcomeKind() Kind { return KindCommandRejected }
