package matching

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bsx-exchange/clearinghouse/internal/fixedpoint"
)

// FillRegistry tracks cumulative fill per order digest and the order-nonce
// space. An (account, nonce) pair is burned permanently once its order is
// fully filled, so a fully-consumed order can never be re-signed into play.
// Not thread-safe — only accessed from the single-threaded dispatcher.
type FillRegistry struct {
	filled     map[[32]byte]*big.Int
	usedNonces map[common.Address]map[uint64]bool
}

func NewFillRegistry() *FillRegistry {
	return &FillRegistry{
		filled:     make(map[[32]byte]*big.Int),
		usedNonces: make(map[common.Address]map[uint64]bool),
	}
}

// Filled returns the cumulative filled amount for an order digest.
func (r *FillRegistry) Filled(hash [32]byte) *big.Int {
	return fixedpoint.Clone(r.filled[hash])
}

// NonceUsed reports whether the account's order nonce has been burned.
func (r *FillRegistry) NonceUsed(account common.Address, nonce uint64) bool {
	return r.usedNonces[account][nonce]
}

func (r *FillRegistry) addFill(hash [32]byte, amount *big.Int) {
	cur, ok := r.filled[hash]
	if !ok {
		cur = new(big.Int)
		r.filled[hash] = cur
	}
	cur.Add(cur, amount)
}

func (r *FillRegistry) burnNonce(account common.Address, nonce uint64) {
	set, ok := r.usedNonces[account]
	if !ok {
		set = make(map[uint64]bool)
		r.usedNonces[account] = set
	}
	set[nonce] = true
}
