package dispatch

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "clearinghouse:genesis:v1"

// StateHasher maintains the outcome hash chain:
// hash[N] = SHA-256(prev_hash || sequence || sub_index || outcome_digest).
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ComputeHash appends one outcome to the chain and returns its hash.
func (h *StateHasher) ComputeHash(sequence uint32, subIndex int, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], sequence)
	binary.BigEndian.PutUint32(hdr[4:], uint32(subIndex))
	hasher.Write(hdr[:])
	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// PrevHash returns the current chain tip.
func (h *StateHasher) PrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash restores the chain tip, for warm restarts from the audit log.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
