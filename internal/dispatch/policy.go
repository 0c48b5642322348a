package dispatch

import "errors"

var ErrNotPermitted = errors.New("dispatch: operation not permitted by policy")

// Policy is the capability check consulted before every privileged
// operation: a keyed set of opcodes the command source may submit.
// Signed user commands carry their own authorization and bypass it.
type Policy struct {
	allowed map[Opcode]bool
}

// NewPolicy permits exactly the given opcodes.
func NewPolicy(ops ...Opcode) *Policy {
	p := &Policy{allowed: make(map[Opcode]bool, len(ops))}
	for _, op := range ops {
		p.allowed[op] = true
	}
	return p
}

// AllowAll permits every privileged opcode.
func AllowAll() *Policy {
	return NewPolicy(
		OpMatchLiquidationOrders,
		OpUpdateFundingRate,
		OpCoverLossWithInsurance,
		OpLiquidateCollateralBatch,
	)
}

// Check returns ErrNotPermitted when op is outside the permitted set.
func (p *Policy) Check(op Opcode) error {
	if !p.allowed[op] {
		return ErrNotPermitted
	}
	return nil
}
