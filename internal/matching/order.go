// Package matching pairs a maker and a taker order into a fill, resolves
// fees and referral rebates, and settles both positions through the margin
// ledger.
package matching

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Side is the direction of an order.
type Side uint8

const (
	SideBuy  Side = 0
	SideSell Side = 1
)

func (s Side) String() string {
	if s == SideBuy {
		return "buy"
	}
	return "sell"
}

// Order is the signed-over core of an order: the fields covered by the
// order digest. Size and Price are unsigned wads.
type Order struct {
	Account common.Address
	Size    *big.Int
	Price   *big.Int
	Nonce   uint64
	Market  uint8
	Side    Side
}

// SignedOrder carries an order with its authorization envelope and the
// declared fee. The signer may differ from the account when a delegated
// signer has been authorized. Fee is a signed wad: makers may declare a
// negative fee (a rebate the exchange pays them).
type SignedOrder struct {
	Order

	Signer        common.Address
	Signature     []byte
	IsLiquidation bool
	Fee           *big.Int
}

// Referral names a referrer entitled to a cut of one side's trading fee.
// RebateRate is a wad fraction in [0, 1e18].
type Referral struct {
	Referrer   common.Address
	RebateRate *big.Int
}
