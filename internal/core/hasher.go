package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// GenesisHashSeed anchors the hash chain. Changing it invalidates every
// persisted state hash, so it is versioned.
const GenesisHashSeed = "VaultEngine:genesis:v1"

// StateHasher maintains the rolling state-hash chain:
//
//	state_hash[N] = SHA-256(state_hash[N-1] || sequence_LE || state_digest)
//
// The chain tip doubles as the integrity check on recovery: after replay
// the tip must equal the last persisted row's state_hash.
type StateHasher struct {
	tip [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{tip: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ComputeHash links the digest of the command at the given sequence into
// the chain and returns the new tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	buf := make([]byte, 0, 40+len(stateDigest))
	buf = append(buf, h.tip[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(sequence))
	buf = append(buf, stateDigest...)

	h.tip = sha256.Sum256(buf)
	return h.tip
}

// GetPrevHash returns the current chain tip.
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.tip
}

// SetPrevHash reinstates the chain tip when restoring from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.tip = hash
}
