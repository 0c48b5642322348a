// Package dispatch is the single-threaded command pipeline: it decodes the
// binary command stream, enforces strict monotonic sequencing, applies each
// command against the clearing engines, and chains every outcome into the
// state hash log.
package dispatch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bsx-exchange/clearinghouse/internal/liquidation"
	"github.com/bsx-exchange/clearinghouse/internal/matching"
)

// Opcode identifies a command type on the wire.
type Opcode byte

const (
	OpAuthorizeSigner          Opcode = 0x01
	OpMatchOrders              Opcode = 0x02
	OpMatchLiquidationOrders   Opcode = 0x03
	OpUpdateFundingRate        Opcode = 0x04
	OpCoverLossWithInsurance   Opcode = 0x05
	OpWithdraw                 Opcode = 0x06
	OpStakeVault               Opcode = 0x07
	OpUnstakeVault             Opcode = 0x08
	OpLiquidateCollateralBatch Opcode = 0x09
	OpSwapCollateralBatch      Opcode = 0x0a
)

func (o Opcode) String() string {
	switch o {
	case OpAuthorizeSigner:
		return "AuthorizeSigner"
	case OpMatchOrders:
		return "MatchOrders"
	case OpMatchLiquidationOrders:
		return "MatchLiquidationOrders"
	case OpUpdateFundingRate:
		return "UpdateFundingRate"
	case OpCoverLossWithInsurance:
		return "CoverLossWithInsuranceFund"
	case OpWithdraw:
		return "Withdraw"
	case OpStakeVault:
		return "StakeVault"
	case OpUnstakeVault:
		return "UnstakeVault"
	case OpLiquidateCollateralBatch:
		return "LiquidateCollateralBatch"
	case OpSwapCollateralBatch:
		return "SwapCollateralBatch"
	default:
		return fmt.Sprintf("Opcode(0x%02x)", byte(o))
	}
}

// Command is one decoded wire command: a 1-byte opcode, a 4-byte big-endian
// sequence number, and an opcode-specific payload.
type Command struct {
	Opcode   Opcode
	Sequence uint32
	Payload  []byte
}

const (
	commandHeaderLen = 5
	orderRecordLen   = 164
	referralLen      = 22
	signatureLen     = 65
)

var (
	ErrTruncated    = errors.New("dispatch: truncated payload")
	ErrTrailing     = errors.New("dispatch: trailing bytes after payload")
	ErrValueRange   = errors.New("dispatch: value out of 128-bit range")
	ErrEmptyBatch   = errors.New("dispatch: empty batch frame")
	ErrFrameTooWide = errors.New("dispatch: batch frame count mismatch")
)

// DecodeCommand splits one raw command into opcode, sequence, and payload.
func DecodeCommand(raw []byte) (Command, error) {
	if len(raw) < commandHeaderLen {
		return Command{}, fmt.Errorf("command header: %w", ErrTruncated)
	}
	return Command{
		Opcode:   Opcode(raw[0]),
		Sequence: binary.BigEndian.Uint32(raw[1:5]),
		Payload:  raw[5:],
	}, nil
}

// DecodeBatch unpacks a batch frame: a 2-byte command count followed by
// length-prefixed raw commands.
func DecodeBatch(frame []byte) ([]Command, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("batch frame: %w", ErrTruncated)
	}
	count := int(binary.BigEndian.Uint16(frame[:2]))
	if count == 0 {
		return nil, ErrEmptyBatch
	}
	rest := frame[2:]
	out := make([]Command, 0, count)
	for i := 0; i < count; i++ {
		if len(rest) < 4 {
			return nil, fmt.Errorf("batch frame command %d: %w", i, ErrTruncated)
		}
		n := int(binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
		if len(rest) < n {
			return nil, fmt.Errorf("batch frame command %d: %w", i, ErrTruncated)
		}
		cmd, err := DecodeCommand(rest[:n])
		if err != nil {
			return nil, fmt.Errorf("batch frame command %d: %w", i, err)
		}
		out = append(out, cmd)
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return nil, ErrFrameTooWide
	}
	return out, nil
}

// EncodeBatch is the inverse of DecodeBatch.
func EncodeBatch(commands []Command) []byte {
	frame := make([]byte, 2)
	binary.BigEndian.PutUint16(frame, uint16(len(commands)))
	for _, c := range commands {
		raw := EncodeCommand(c)
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(raw)))
		frame = append(frame, n[:]...)
		frame = append(frame, raw...)
	}
	return frame
}

// EncodeCommand is the inverse of DecodeCommand.
func EncodeCommand(c Command) []byte {
	raw := make([]byte, 0, commandHeaderLen+len(c.Payload))
	raw = append(raw, byte(c.Opcode))
	var seq [4]byte
	binary.BigEndian.PutUint32(seq[:], c.Sequence)
	raw = append(raw, seq[:]...)
	return append(raw, c.Payload...)
}

// reader walks a payload with bounds checking. Errors stick: after the
// first short read every subsequent read fails.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = ErrTruncated
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) address() common.Address {
	b := r.take(20)
	if r.err != nil {
		return common.Address{}
	}
	return common.BytesToAddress(b)
}

func (r *reader) u128() *big.Int {
	b := r.take(16)
	if r.err != nil {
		return nil
	}
	return new(big.Int).SetBytes(b)
}

// i128 reads a two's-complement signed 128-bit value.
func (r *reader) i128() *big.Int {
	b := r.take(16)
	if r.err != nil {
		return nil
	}
	v := new(big.Int).SetBytes(b)
	if b[0]&0x80 != 0 {
		v.Sub(v, i128Modulus)
	}
	return v
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if r.err != nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if r.err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if r.err != nil {
		return 0
	}
	return b[0]
}

func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if len(r.buf) != 0 {
		return ErrTrailing
	}
	return nil
}

var (
	i128Modulus = new(big.Int).Lsh(big.NewInt(1), 128)
	maxU128     = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	maxI128     = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minI128     = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

func appendU128(buf []byte, v *big.Int) ([]byte, error) {
	if v == nil {
		v = new(big.Int)
	}
	if v.Sign() < 0 || v.Cmp(maxU128) > 0 {
		return nil, ErrValueRange
	}
	var w [16]byte
	v.FillBytes(w[:])
	return append(buf, w[:]...), nil
}

func appendI128(buf []byte, v *big.Int) ([]byte, error) {
	if v == nil {
		v = new(big.Int)
	}
	if v.Cmp(maxI128) > 0 || v.Cmp(minI128) < 0 {
		return nil, ErrValueRange
	}
	if v.Sign() < 0 {
		v = new(big.Int).Add(v, i128Modulus)
	}
	var w [16]byte
	v.FillBytes(w[:])
	return append(buf, w[:]...), nil
}

func appendU64(buf []byte, v uint64) []byte {
	var w [8]byte
	binary.BigEndian.PutUint64(w[:], v)
	return append(buf, w[:]...)
}

// authorizeSignerPayload is the AuthorizeSigner wire payload.
type authorizeSignerPayload struct {
	Account      common.Address
	Signer       common.Address
	Nonce        uint64
	PrincipalSig []byte
	SignerSig    []byte
}

func decodeAuthorizeSigner(payload []byte) (authorizeSignerPayload, error) {
	r := &reader{buf: payload}
	p := authorizeSignerPayload{
		Account:      r.address(),
		Signer:       r.address(),
		Nonce:        r.u64(),
		PrincipalSig: append([]byte(nil), r.take(signatureLen)...),
		SignerSig:    append([]byte(nil), r.take(signatureLen)...),
	}
	return p, r.done()
}

// EncodeAuthorizeSigner builds the AuthorizeSigner wire payload.
func EncodeAuthorizeSigner(account, signer common.Address, nonce uint64, principalSig, signerSig []byte) []byte {
	buf := append([]byte(nil), account.Bytes()...)
	buf = append(buf, signer.Bytes()...)
	buf = appendU64(buf, nonce)
	buf = append(buf, principalSig...)
	return append(buf, signerSig...)
}

// matchPayload is the decoded MatchOrders/MatchLiquidationOrders payload:
// two fixed-width order records, the taker sequencer fee, then optional
// referral records and an optional liquidation fee for backward-compatible
// extension.
type matchPayload struct {
	Maker              matching.SignedOrder
	Taker              matching.SignedOrder
	SequencerFee       *big.Int
	MakerReferral      *matching.Referral
	TakerReferral      *matching.Referral
	LiquidationPenalty *big.Int
}

func decodeOrderRecord(r *reader) matching.SignedOrder {
	o := matching.SignedOrder{}
	o.Account = r.address()
	o.Size = r.u128()
	o.Price = r.u128()
	o.Nonce = r.u64()
	o.Market = r.u8()
	o.Side = matching.Side(r.u8())
	o.Signature = append([]byte(nil), r.take(signatureLen)...)
	o.Signer = r.address()
	o.IsLiquidation = r.u8() != 0
	o.Fee = r.i128()
	return o
}

func decodeReferral(r *reader) *matching.Referral {
	ref := &matching.Referral{Referrer: r.address()}
	// Rebate rate travels as basis points; scale to a wad fraction.
	ref.RebateRate = new(big.Int).Mul(big.NewInt(int64(r.u16())), big.NewInt(1e14))
	return ref
}

func decodeMatch(payload []byte) (matchPayload, error) {
	r := &reader{buf: payload}
	p := matchPayload{
		Maker:        decodeOrderRecord(r),
		Taker:        decodeOrderRecord(r),
		SequencerFee: r.u128(),
	}
	if r.err == nil && len(r.buf) >= 2*referralLen {
		p.MakerReferral = decodeReferral(r)
		p.TakerReferral = decodeReferral(r)
	}
	if r.err == nil && len(r.buf) >= 16 {
		p.LiquidationPenalty = r.u128()
	}
	return p, r.done()
}

// EncodeOrderRecord packs one order into its fixed 164-byte wire record.
func EncodeOrderRecord(o matching.SignedOrder) ([]byte, error) {
	buf := append([]byte(nil), o.Account.Bytes()...)
	buf, err := appendU128(buf, o.Size)
	if err != nil {
		return nil, err
	}
	buf, err = appendU128(buf, o.Price)
	if err != nil {
		return nil, err
	}
	buf = appendU64(buf, o.Nonce)
	buf = append(buf, o.Market, byte(o.Side))
	if len(o.Signature) != signatureLen {
		sig := make([]byte, signatureLen)
		copy(sig, o.Signature)
		buf = append(buf, sig...)
	} else {
		buf = append(buf, o.Signature...)
	}
	buf = append(buf, o.Signer.Bytes()...)
	if o.IsLiquidation {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return appendI128(buf, o.Fee)
}

// EncodeMatch builds the MatchOrders wire payload. Referral records and the
// liquidation penalty are appended only when present.
func EncodeMatch(maker, taker matching.SignedOrder, sequencerFee *big.Int, makerRef, takerRef *matching.Referral, penalty *big.Int) ([]byte, error) {
	buf, err := EncodeOrderRecord(maker)
	if err != nil {
		return nil, err
	}
	t, err := EncodeOrderRecord(taker)
	if err != nil {
		return nil, err
	}
	buf = append(buf, t...)
	buf, err = appendU128(buf, sequencerFee)
	if err != nil {
		return nil, err
	}
	if makerRef != nil || takerRef != nil {
		for _, ref := range []*matching.Referral{makerRef, takerRef} {
			if ref == nil {
				ref = &matching.Referral{}
			}
			buf = append(buf, ref.Referrer.Bytes()...)
			bps := new(big.Int)
			if ref.RebateRate != nil {
				bps.Quo(ref.RebateRate, big.NewInt(1e14))
			}
			var w [2]byte
			binary.BigEndian.PutUint16(w[:], uint16(bps.Uint64()))
			buf = append(buf, w[:]...)
		}
	}
	if penalty != nil {
		return appendU128(buf, penalty)
	}
	return buf, nil
}

type fundingPayload struct {
	Market  uint8
	Premium *big.Int
}

func decodeFunding(payload []byte) (fundingPayload, error) {
	r := &reader{buf: payload}
	p := fundingPayload{Market: r.u8(), Premium: r.i128()}
	return p, r.done()
}

// EncodeFunding builds the UpdateFundingRate wire payload.
func EncodeFunding(market uint8, premium *big.Int) ([]byte, error) {
	return appendI128([]byte{market}, premium)
}

type coverLossPayload struct {
	Account common.Address
	Asset   common.Address
}

func decodeCoverLoss(payload []byte) (coverLossPayload, error) {
	r := &reader{buf: payload}
	p := coverLossPayload{Account: r.address(), Asset: r.address()}
	return p, r.done()
}

// EncodeCoverLoss builds the CoverLossWithInsuranceFund wire payload.
func EncodeCoverLoss(account, asset common.Address) []byte {
	return append(append([]byte(nil), account.Bytes()...), asset.Bytes()...)
}

type withdrawPayload struct {
	Account   common.Address
	Token     common.Address
	Amount    *big.Int
	Nonce     uint64
	Signature []byte
	Signer    common.Address
}

func decodeWithdraw(payload []byte) (withdrawPayload, error) {
	r := &reader{buf: payload}
	p := withdrawPayload{
		Account:   r.address(),
		Token:     r.address(),
		Amount:    r.u128(),
		Nonce:     r.u64(),
		Signature: append([]byte(nil), r.take(signatureLen)...),
		Signer:    r.address(),
	}
	return p, r.done()
}

// EncodeWithdraw builds the Withdraw wire payload.
func EncodeWithdraw(account, token common.Address, amount *big.Int, nonce uint64, sig []byte, signer common.Address) ([]byte, error) {
	buf := append([]byte(nil), account.Bytes()...)
	buf = append(buf, token.Bytes()...)
	buf, err := appendU128(buf, amount)
	if err != nil {
		return nil, err
	}
	buf = appendU64(buf, nonce)
	buf = append(buf, sig...)
	return append(buf, signer.Bytes()...), nil
}

type vaultPayload struct {
	Account common.Address
	Asset   common.Address
	Amount  *big.Int
	Nonce   uint64
}

func decodeVault(payload []byte) (vaultPayload, error) {
	r := &reader{buf: payload}
	p := vaultPayload{
		Account: r.address(),
		Asset:   r.address(),
		Amount:  r.u128(),
		Nonce:   r.u64(),
	}
	return p, r.done()
}

// EncodeVault builds the StakeVault/UnstakeVault wire payload.
func EncodeVault(account, asset common.Address, amount *big.Int, nonce uint64) ([]byte, error) {
	buf := append([]byte(nil), account.Bytes()...)
	buf = append(buf, asset.Bytes()...)
	buf, err := appendU128(buf, amount)
	if err != nil {
		return nil, err
	}
	return appendU64(buf, nonce), nil
}

func decodeExecutions(r *reader) []liquidation.Execution {
	count := int(r.u8())
	out := make([]liquidation.Execution, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		x := liquidation.Execution{Asset: r.address()}
		n := int(r.u16())
		x.Commands = append([]byte(nil), r.take(n)...)
		out = append(out, x)
	}
	return out
}

func decodeLiquidateBatch(payload []byte) ([]liquidation.Entry, error) {
	r := &reader{buf: payload}
	count := int(r.u16())
	out := make([]liquidation.Entry, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		e := liquidation.Entry{
			Account: r.address(),
			Nonce:   r.u64(),
			FeeRate: r.u128(),
		}
		e.Executions = decodeExecutions(r)
		out = append(out, e)
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeSwapBatch(payload []byte) ([]liquidation.SwapEntry, error) {
	r := &reader{buf: payload}
	count := int(r.u16())
	out := make([]liquidation.SwapEntry, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		e := liquidation.SwapEntry{
			Entry: liquidation.Entry{
				Account: r.address(),
				Nonce:   r.u64(),
				FeeRate: r.u128(),
			},
			Signer: r.address(),
		}
		e.Signature = append([]byte(nil), r.take(signatureLen)...)
		e.Executions = decodeExecutions(r)
		out = append(out, e)
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeExecutions(buf []byte, executions []liquidation.Execution) []byte {
	buf = append(buf, byte(len(executions)))
	for _, x := range executions {
		buf = append(buf, x.Asset.Bytes()...)
		var n [2]byte
		binary.BigEndian.PutUint16(n[:], uint16(len(x.Commands)))
		buf = append(buf, n[:]...)
		buf = append(buf, x.Commands...)
	}
	return buf
}

// EncodeLiquidateBatch builds the LiquidateCollateralBatch wire payload.
func EncodeLiquidateBatch(entries []liquidation.Entry) ([]byte, error) {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(len(entries)))
	for _, e := range entries {
		buf = append(buf, e.Account.Bytes()...)
		buf = appendU64(buf, e.Nonce)
		var err error
		buf, err = appendU128(buf, e.FeeRate)
		if err != nil {
			return nil, err
		}
		buf = encodeExecutions(buf, e.Executions)
	}
	return buf, nil
}

// EncodeSwapBatch builds the SwapCollateralBatch wire payload.
func EncodeSwapBatch(entries []liquidation.SwapEntry) ([]byte, error) {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(len(entries)))
	for _, e := range entries {
		buf = append(buf, e.Account.Bytes()...)
		buf = appendU64(buf, e.Nonce)
		var err error
		buf, err = appendU128(buf, e.FeeRate)
		if err != nil {
			return nil, err
		}
		buf = append(buf, e.Signer.Bytes()...)
		buf = append(buf, e.Signature...)
		buf = encodeExecutions(buf, e.Executions)
	}
	return buf, nil
}
