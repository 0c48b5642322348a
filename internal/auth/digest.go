package auth

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Domain identifies the signing domain. Digests are domain-separated so a
// signature produced for one deployment can never be replayed on another.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address
}

var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

	orderTypeHash = crypto.Keccak256Hash([]byte(
		"Order(address account,uint128 size,uint128 price,uint64 nonce,uint8 marketId,uint8 side)"))

	authorizeSignerTypeHash = crypto.Keccak256Hash([]byte(
		"AuthorizeSigner(address account,address signer,uint64 nonce)"))

	signerConsentTypeHash = crypto.Keccak256Hash([]byte(
		"SignerConsent(address account,address signer,uint64 nonce)"))

	withdrawTypeHash = crypto.Keccak256Hash([]byte(
		"Withdraw(address account,address token,uint128 amount,uint64 nonce)"))

	swapTypeHash = crypto.Keccak256Hash([]byte(
		"SwapCollateral(address account,bytes32 assetsHash,uint64 nonce)"))
)

// Separator returns the domain struct hash.
func (d Domain) Separator() [32]byte {
	var buf []byte
	buf = append(buf, domainTypeHash.Bytes()...)
	buf = appendWord(buf, crypto.Keccak256([]byte(d.Name)))
	buf = appendWord(buf, crypto.Keccak256([]byte(d.Version)))
	buf = appendUint(buf, new(big.Int).SetUint64(d.ChainID))
	buf = appendAddress(buf, d.VerifyingContract)
	return crypto.Keccak256Hash(buf)
}

// typedDigest combines the domain separator and a struct hash under the
// \x19\x01 prefix. This is the value that gets signed.
func typedDigest(separator, structHash [32]byte) [32]byte {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, separator[:], structHash[:])
}

func orderStructHash(account common.Address, size, price *big.Int, nonce uint64, market, side uint8) [32]byte {
	var buf []byte
	buf = append(buf, orderTypeHash.Bytes()...)
	buf = appendAddress(buf, account)
	buf = appendUint(buf, size)
	buf = appendUint(buf, price)
	buf = appendUint(buf, new(big.Int).SetUint64(nonce))
	buf = appendUint(buf, big.NewInt(int64(market)))
	buf = appendUint(buf, big.NewInt(int64(side)))
	return crypto.Keccak256Hash(buf)
}

func authorizeStructHash(typeHash common.Hash, account, signer common.Address, nonce uint64) [32]byte {
	var buf []byte
	buf = append(buf, typeHash.Bytes()...)
	buf = appendAddress(buf, account)
	buf = appendAddress(buf, signer)
	buf = appendUint(buf, new(big.Int).SetUint64(nonce))
	return crypto.Keccak256Hash(buf)
}

func withdrawStructHash(account, token common.Address, amount *big.Int, nonce uint64) [32]byte {
	var buf []byte
	buf = append(buf, withdrawTypeHash.Bytes()...)
	buf = appendAddress(buf, account)
	buf = appendAddress(buf, token)
	buf = appendUint(buf, amount)
	buf = appendUint(buf, new(big.Int).SetUint64(nonce))
	return crypto.Keccak256Hash(buf)
}

func swapStructHash(account common.Address, assets []common.Address, nonce uint64) [32]byte {
	var packed []byte
	for _, a := range assets {
		packed = appendAddress(packed, a)
	}
	var buf []byte
	buf = append(buf, swapTypeHash.Bytes()...)
	buf = appendAddress(buf, account)
	buf = appendWord(buf, crypto.Keccak256(packed))
	buf = appendUint(buf, new(big.Int).SetUint64(nonce))
	return crypto.Keccak256Hash(buf)
}

// appendWord appends a 32-byte word.
func appendWord(buf, word []byte) []byte {
	var w [32]byte
	copy(w[32-len(word):], word)
	return append(buf, w[:]...)
}

// appendUint appends a big integer as a left-padded 32-byte word.
func appendUint(buf []byte, v *big.Int) []byte {
	var w [32]byte
	v.FillBytes(w[:])
	return append(buf, w[:]...)
}

// appendAddress appends an address left-padded to 32 bytes.
func appendAddress(buf []byte, a common.Address) []byte {
	return appendWord(buf, a.Bytes())
}
