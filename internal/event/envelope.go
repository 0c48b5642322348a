package event

// Kind discriminates terminal outcome records.
type Kind int32

const (
	KindUnknown Kind = iota
	KindSignerAuthorized
	KindOrdersMatched
	KindFundingRateUpdated
	KindLossCovered
	KindWithdrawal
	KindCollateralLiquidated
	KindCollateralSwapped
	KindVaultStake
	KindVaultUnstake
	KindCommandRejected
)

// Envelope wraps every outcome in the audit log. Each accepted command
// produces exactly one envelope per sub-unit of work; the state hash chain
// ties the log together for replay audits.
type Envelope struct {
	// Sequence of the command that produced this outcome.
	Sequence uint32

	// SubIndex distinguishes multiple outcomes of one batched command
	// (per-account liquidation/swap entries). Zero for single-unit commands.
	SubIndex int

	Kind Kind

	// SHA-256 of the chain AFTER applying this outcome.
	StateHash [32]byte

	// Previous outcome's state hash (chain integrity).
	PrevHash [32]byte
}

// Outcome is the interface all terminal outcome records implement.
type Outcome interface {
	OutcomeKind() Kind
}

func (k Kind) String() string {
	switch k {
	case KindSignerAuthorized:
		return "SignerAuthorized"
	case KindOrdersMatched:
		return "OrdersMatched"
	case KindFundingRateUpdated:
		return "FundingRateUpdated"
	case KindLossCovered:
		return "LossCovered"
	case KindWithdrawal:
		return "Withdrawal"
	case KindCollateralLiquidated:
		return "CollateralLiquidated"
	case KindCollateralSwapped:
		return "CollateralSwapped"
	case KindVaultStake:
		return "VaultStake"
	case KindVaultUnstake:
		return "VaultUnstake"
	case KindCommandRejected:
		return "CommandRejected"
	default:
		return "Unknown"
	}
}

// Status classifies the terminal state of a soft-fail unit of work.
type Status int32

const (
	StatusSuccess Status = iota
	StatusPartial
	StatusFailure
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusPartial:
		return "Partial"
	case StatusFailure:
		return "Failure"
	case StatusRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}
