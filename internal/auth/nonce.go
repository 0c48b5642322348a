package auth

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// NoncePurpose partitions the per-account nonce space. Each purpose is an
// independent namespace: the same numeric nonce may be used once per purpose.
type NoncePurpose uint8

const (
	NonceSignerAuth NoncePurpose = iota
	NonceWithdraw
	NonceLiquidation
	NonceSwap
)

var ErrNonceUsed = errors.New("auth: nonce already used")

func (p NoncePurpose) String() string {
	switch p {
	case NonceSignerAuth:
		return "signer_auth"
	case NonceWithdraw:
		return "withdraw"
	case NonceLiquidation:
		return "liquidation"
	case NonceSwap:
		return "swap"
	default:
		return "unknown"
	}
}

// NonceRegistry tracks consumed nonces per account and purpose.
// Not thread-safe — only accessed from the single-threaded dispatcher.
type NonceRegistry struct {
	used map[NoncePurpose]map[common.Address]map[uint64]struct{}
}

func NewNonceRegistry() *NonceRegistry {
	return &NonceRegistry{
		used: make(map[NoncePurpose]map[common.Address]map[uint64]struct{}),
	}
}

// Used reports whether the nonce has been consumed.
func (r *NonceRegistry) Used(purpose NoncePurpose, account common.Address, nonce uint64) bool {
	accounts, ok := r.used[purpose]
	if !ok {
		return false
	}
	nonces, ok := accounts[account]
	if !ok {
		return false
	}
	_, ok = nonces[nonce]
	return ok
}

// Use consumes a nonce, failing if it was already consumed. Callers must
// only invoke this after all signature and validity checks have passed, so
// the nonce is marked used atomically with the effect it guards.
func (r *NonceRegistry) Use(purpose NoncePurpose, account common.Address, nonce uint64) error {
	if r.Used(purpose, account, nonce) {
		return ErrNonceUsed
	}
	accounts, ok := r.used[purpose]
	if !ok {
		accounts = make(map[common.Address]map[uint64]struct{})
		r.used[purpose] = accounts
	}
	nonces, ok := accounts[account]
	if !ok {
		nonces = make(map[uint64]struct{})
		accounts[account] = nonces
	}
	nonces[nonce] = struct{}{}
	return nil
}
