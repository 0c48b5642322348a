package auth

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var ErrNotAuthorized = errors.New("auth: signer not authorized for account")

// Authority answers the two checks that recur throughout the core: is this
// signature valid for the claimed signer, and has the account authorized
// that signer to act for it. An account is always its own signer.
type Authority struct {
	separator [32]byte
	recover   Verifier
	delegated *DelegatedVerifier
	nonces    *NonceRegistry

	// principal -> set of authorized signers
	signers map[common.Address]map[common.Address]bool
}

func NewAuthority(domain Domain) *Authority {
	return &Authority{
		separator: domain.Separator(),
		recover:   RecoverVerifier{},
		delegated: NewDelegatedVerifier(),
		nonces:    NewNonceRegistry(),
		signers:   make(map[common.Address]map[common.Address]bool),
	}
}

// Nonces exposes the per-purpose nonce registry.
func (a *Authority) Nonces() *NonceRegistry { return a.nonces }

// RegisterValidator installs a delegated validation routine for a signer.
// Signers with a registered routine are verified through it; all others go
// through key recovery.
func (a *Authority) RegisterValidator(signer common.Address, fn ValidateFunc) {
	a.delegated.Register(signer, fn)
}

// VerifySignature checks sig over digest for the claimed signer, picking
// the delegated routine when one is registered and key recovery otherwise.
func (a *Authority) VerifySignature(digest [32]byte, sig []byte, signer common.Address) error {
	if a.delegated.Registered(signer) {
		return a.delegated.Verify(digest, sig, signer)
	}
	return a.recover.Verify(digest, sig, signer)
}

// IsAuthorized reports whether signer may act for principal.
func (a *Authority) IsAuthorized(principal, signer common.Address) bool {
	if principal == signer {
		return true
	}
	return a.signers[principal][signer]
}

// AuthorizeSigner records a two-party signer registration: the principal
// signs a message naming the signer and the signer counter-signs a message
// naming the principal. Both must verify before anything is recorded, so a
// principal can never be bound to a signer who did not consent. Consumes a
// nonce from the principal's signer-authorization space.
func (a *Authority) AuthorizeSigner(principal, signer common.Address, nonce uint64, principalSig, signerSig []byte) error {
	if a.nonces.Used(NonceSignerAuth, principal, nonce) {
		return fmt.Errorf("signer authorization: %w", ErrNonceUsed)
	}

	grant := a.AuthorizeDigest(principal, signer, nonce)
	if err := a.VerifySignature(grant, principalSig, principal); err != nil {
		return fmt.Errorf("principal signature: %w", err)
	}

	consent := a.ConsentDigest(principal, signer, nonce)
	if err := a.VerifySignature(consent, signerSig, signer); err != nil {
		return fmt.Errorf("signer consent signature: %w", err)
	}

	if err := a.nonces.Use(NonceSignerAuth, principal, nonce); err != nil {
		return fmt.Errorf("signer authorization: %w", err)
	}
	set, ok := a.signers[principal]
	if !ok {
		set = make(map[common.Address]bool)
		a.signers[principal] = set
	}
	set[signer] = true
	return nil
}

// AuthorizeDigest returns the digest the principal signs to grant signing
// rights to signer.
func (a *Authority) AuthorizeDigest(principal, signer common.Address, nonce uint64) [32]byte {
	return typedDigest(a.separator, authorizeStructHash(authorizeSignerTypeHash, principal, signer, nonce))
}

// ConsentDigest returns the digest the signer counter-signs to accept the
// grant.
func (a *Authority) ConsentDigest(principal, signer common.Address, nonce uint64) [32]byte {
	return typedDigest(a.separator, authorizeStructHash(signerConsentTypeHash, principal, signer, nonce))
}

// OrderDigest returns the signable digest of an order's fields.
func (a *Authority) OrderDigest(account common.Address, size, price *big.Int, nonce uint64, market, side uint8) [32]byte {
	return typedDigest(a.separator, orderStructHash(account, size, price, nonce, market, side))
}

// WithdrawDigest returns the signable digest of a withdrawal request.
func (a *Authority) WithdrawDigest(account, token common.Address, amount *big.Int, nonce uint64) [32]byte {
	return typedDigest(a.separator, withdrawStructHash(account, token, amount, nonce))
}

// SwapDigest returns the signable digest of a collateral swap request over
// the ordered asset list.
func (a *Authority) SwapDigest(account common.Address, assets []common.Address, nonce uint64) [32]byte {
	return typedDigest(a.separator, swapStructHash(account, assets, nonce))
}

// CheckActor verifies sig over digest for signer and that signer may act
// for account. This is the full check applied to every signed command.
func (a *Authority) CheckActor(digest [32]byte, sig []byte, signer, account common.Address) error {
	if err := a.VerifySignature(digest, sig, signer); err != nil {
		return err
	}
	if !a.IsAuthorized(account, signer) {
		return ErrNotAuthorized
	}
	return nil
}
