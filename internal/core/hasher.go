package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"PerpSettle/internal/ledger"
)

const GenesisHashSeed = "PerpSettle:genesis:v1"

// StateHasher chains settlement digests so replicas replaying the same
// sequence can compare a single 32-byte tip.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
}

// ResumeStateHasher continues a chain from a persisted hex tip.
func ResumeStateHasher(tip string) (*StateHasher, error) {
	raw, err := hex.DecodeString(tip)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("invalid state hash tip %q", tip)
	}
	h := &StateHasher{}
	copy(h.prevHash[:], raw)
	return h, nil
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash

	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// stateDigest covers both committed positions, the journals of the batch
// and every touched balance after the settlement.
func stateDigest(ws *ledger.Workspace, sides ...*side) []byte {
	buf := make([]byte, 0, 1024)
	for _, s := range sides {
		buf = append(buf, s.pos.CanonicalBytes()...)
	}
	for _, j := range ws.Batch().Journals {
		buf = append(buf, j.DebitAccount.AccountPath()...)
		buf = append(buf, j.CreditAccount.AccountPath()...)
		buf = append(buf, byte(j.JournalType))
		buf = append(buf, j.Amount.CanonicalBytes()...)
	}
	for _, k := range ws.Touched() {
		buf = append(buf, k.AccountPath()...)
		buf = append(buf, ws.Balance(k).CanonicalBytes()...)
	}
	sum := sha256.Sum256(buf)
	return sum[:]
}
