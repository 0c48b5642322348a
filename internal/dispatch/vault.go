package dispatch

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// VaultHook receives yield-vault stake/unstake commands. The clearing core
// accepts the opcodes and records their outcomes but delegates the actual
// vault accounting to the hook.
type VaultHook interface {
	Stake(account, asset common.Address, amount *big.Int, nonce uint64) error
	Unstake(account, asset common.Address, amount *big.Int, nonce uint64) error
}

var ErrVaultDisabled = errors.New("dispatch: vault integration disabled")

// RejectingVaultHook is the default hook for deployments without a vault:
// every stake/unstake is recorded as rejected.
type RejectingVaultHook struct{}

func (RejectingVaultHook) Stake(common.Address, common.Address, *big.Int, uint64) error {
	return ErrVaultDisabled
}

func (RejectingVaultHook) Unstake(common.Address, common.Address, *big.Int, uint64) error {
	return ErrVaultDisabled
}
