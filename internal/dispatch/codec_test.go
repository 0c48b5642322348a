package dispatch_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bsx-exchange/clearinghouse/internal/dispatch"
	"github.com/bsx-exchange/clearinghouse/internal/matching"
)

// ============================================================================
// Test: command framing
// ============================================================================

func TestDecodeCommand_RoundTrip(t *testing.T) {
	in := dispatch.Command{
		Opcode:   dispatch.OpUpdateFundingRate,
		Sequence: 0xdeadbeef,
		Payload:  []byte{0x01, 0x02, 0x03},
	}

	out, err := dispatch.DecodeCommand(dispatch.EncodeCommand(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Opcode != in.Opcode || out.Sequence != in.Sequence {
		t.Errorf("header: got %v/%d, want %v/%d", out.Opcode, out.Sequence, in.Opcode, in.Sequence)
	}
	if len(out.Payload) != 3 || out.Payload[2] != 0x03 {
		t.Errorf("payload: got %x, want 010203", out.Payload)
	}
}

func TestDecodeCommand_ShortHeader(t *testing.T) {
	_, err := dispatch.DecodeCommand([]byte{0x02, 0x00})
	if !errors.Is(err, dispatch.ErrTruncated) {
		t.Errorf("got %v, want ErrTruncated", err)
	}
}

// ============================================================================
// Test: batch framing
// ============================================================================

func TestDecodeBatch_RoundTrip(t *testing.T) {
	in := []dispatch.Command{
		{Opcode: dispatch.OpUpdateFundingRate, Sequence: 10, Payload: []byte{0xaa}},
		{Opcode: dispatch.OpCoverLossWithInsurance, Sequence: 11, Payload: []byte{0xbb, 0xcc}},
		{Opcode: dispatch.OpWithdraw, Sequence: 12},
	}

	out, err := dispatch.DecodeBatch(dispatch.EncodeBatch(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d commands, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].Opcode != in[i].Opcode || out[i].Sequence != in[i].Sequence {
			t.Errorf("command %d: got %v/%d, want %v/%d", i, out[i].Opcode, out[i].Sequence, in[i].Opcode, in[i].Sequence)
		}
	}
}

func TestDecodeBatch_EmptyFrame(t *testing.T) {
	_, err := dispatch.DecodeBatch([]byte{0x00, 0x00})
	if !errors.Is(err, dispatch.ErrEmptyBatch) {
		t.Errorf("got %v, want ErrEmptyBatch", err)
	}
}

func TestDecodeBatch_TrailingBytes(t *testing.T) {
	frame := dispatch.EncodeBatch([]dispatch.Command{{Opcode: dispatch.OpWithdraw, Sequence: 1}})
	frame = append(frame, 0xff)

	_, err := dispatch.DecodeBatch(frame)
	if !errors.Is(err, dispatch.ErrFrameTooWide) {
		t.Errorf("got %v, want ErrFrameTooWide", err)
	}
}

func TestDecodeBatch_TruncatedCommand(t *testing.T) {
	// Count says one command of 100 bytes, but the frame ends early.
	frame := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x64, 0x02}
	_, err := dispatch.DecodeBatch(frame)
	if !errors.Is(err, dispatch.ErrTruncated) {
		t.Errorf("got %v, want ErrTruncated", err)
	}
}

// ============================================================================
// Test: order record layout
// ============================================================================

func TestEncodeOrderRecord_FixedWidth(t *testing.T) {
	o := matching.SignedOrder{
		Order: matching.Order{
			Account: common.HexToAddress("0x00000000000000000000000000000000000000a1"),
			Size:    big.NewInt(5e18),
			Price:   big.NewInt(100),
			Nonce:   7,
			Market:  1,
			Side:    matching.SideBuy,
		},
		Signer:    common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		Signature: []byte{0x01, 0x02}, // short signatures are zero-padded
		Fee:       big.NewInt(-3e12),
	}

	rec, err := dispatch.EncodeOrderRecord(o)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(rec) != 164 {
		t.Errorf("record length: got %d, want 164", len(rec))
	}
	// Negative fee travels as two's complement: the top bit of the trailing
	// i128 is set.
	if rec[148]&0x80 == 0 {
		t.Error("negative fee did not set the sign bit")
	}
}

func TestEncodeOrderRecord_RejectsOversizedValues(t *testing.T) {
	o := matching.SignedOrder{
		Order: matching.Order{
			Size:  new(big.Int).Lsh(big.NewInt(1), 128),
			Price: big.NewInt(1),
		},
	}

	_, err := dispatch.EncodeOrderRecord(o)
	if !errors.Is(err, dispatch.ErrValueRange) {
		t.Errorf("got %v, want ErrValueRange", err)
	}
}

// ============================================================================
// Test: match payload extensions
// ============================================================================

func TestEncodeMatch_OptionalSections(t *testing.T) {
	order := matching.SignedOrder{
		Order: matching.Order{Size: big.NewInt(1), Price: big.NewInt(1)},
		Fee:   new(big.Int),
	}
	ref := &matching.Referral{
		Referrer:   common.HexToAddress("0x00000000000000000000000000000000000000f1"),
		RebateRate: big.NewInt(5e17),
	}

	base, err := dispatch.EncodeMatch(order, order, new(big.Int), nil, nil, nil)
	if err != nil {
		t.Fatalf("base: %v", err)
	}
	if len(base) != 2*164+16 {
		t.Errorf("base payload: got %d bytes, want %d", len(base), 2*164+16)
	}

	withRefs, err := dispatch.EncodeMatch(order, order, new(big.Int), ref, nil, nil)
	if err != nil {
		t.Fatalf("referrals: %v", err)
	}
	// One referral present forces both 22-byte referral records.
	if len(withRefs) != len(base)+2*22 {
		t.Errorf("referral payload: got %d bytes, want %d", len(withRefs), len(base)+2*22)
	}

	withPenalty, err := dispatch.EncodeMatch(order, order, new(big.Int), ref, ref, big.NewInt(1e18))
	if err != nil {
		t.Fatalf("penalty: %v", err)
	}
	if len(withPenalty) != len(withRefs)+16 {
		t.Errorf("penalty payload: got %d bytes, want %d", len(withPenalty), len(withRefs)+16)
	}
}

func TestEncodeFunding_NegativePremium(t *testing.T) {
	payload, err := dispatch.EncodeFunding(3, big.NewInt(-5e18))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(payload) != 17 {
		t.Errorf("payload length: got %d, want 17", len(payload))
	}
	if payload[0] != 3 {
		t.Errorf("market: got %d, want 3", payload[0])
	}
	if payload[1]&0x80 == 0 {
		t.Error("negative premium did not set the sign bit")
	}
}
