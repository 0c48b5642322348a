package auth

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrBadSignature   = errors.New("auth: signature does not match signer")
	ErrNoValidator    = errors.New("auth: no validation routine registered for signer")
	ErrSignatureShape = errors.New("auth: signature must be 65 bytes")
)

// Verifier checks that a signature over a digest was produced by (or on
// behalf of) the claimed signer. The two implementations are
// interchangeable from the caller's perspective.
type Verifier interface {
	Verify(digest [32]byte, sig []byte, signer common.Address) error
}

// RecoverVerifier recovers a secp256k1 public key from the signature and
// compares its address against the claimed signer.
type RecoverVerifier struct{}

func (RecoverVerifier) Verify(digest [32]byte, sig []byte, signer common.Address) error {
	if len(sig) != crypto.SignatureLength {
		return ErrSignatureShape
	}
	// Accept both 0/1 and 27/28 recovery ids.
	s := make([]byte, crypto.SignatureLength)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], s)
	if err != nil {
		return fmt.Errorf("auth: recover: %w", err)
	}
	if crypto.PubkeyToAddress(*pub) != signer {
		return ErrBadSignature
	}
	return nil
}

// ValidateFunc is a custom on-behalf-of validation routine registered for a
// signer identity (contract-wallet style validation).
type ValidateFunc func(digest [32]byte, sig []byte) error

// DelegatedVerifier routes verification to a registered validation routine
// for the signer instead of recovering a key.
type DelegatedVerifier struct {
	routines map[common.Address]ValidateFunc
}

func NewDelegatedVerifier() *DelegatedVerifier {
	return &DelegatedVerifier{routines: make(map[common.Address]ValidateFunc)}
}

// Register installs a validation routine for a signer identity.
func (v *DelegatedVerifier) Register(signer common.Address, fn ValidateFunc) {
	v.routines[signer] = fn
}

// Registered reports whether a routine exists for the signer.
func (v *DelegatedVerifier) Registered(signer common.Address) bool {
	_, ok := v.routines[signer]
	return ok
}

func (v *DelegatedVerifier) Verify(digest [32]byte, sig []byte, signer common.Address) error {
	fn, ok := v.routines[signer]
	if !ok {
		return ErrNoValidator
	}
	if err := fn(digest, sig); err != nil {
		return fmt.Errorf("auth: delegated validation: %w", err)
	}
	return nil
}
