package core

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync"
)

const GenesisHashSeed = "moltpredict:genesis:v1"

// StateHasher keeps one hash chain per market. Markets are independent
// partitions, so each chain only orders the events of its own market.
type StateHasher struct {
	mu   sync.RWMutex
	tips map[uint64][32]byte
}

// NewStateHasher creates an empty set of chains.
func NewStateHasher() *StateHasher {
	return &StateHasher{
		tips: make(map[uint64][32]byte),
	}
}

// GenesisHash is the chain root of a market before its first event.
func GenesisHash(marketID uint64) [32]byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], marketID)
	return sha256.Sum256(append([]byte(GenesisHashSeed), buf[:]...))
}

// ComputeHash calculates
// state_hash[N] = SHA-256(prev_hash || market_sequence || state_digest)
// and advances the market's chain. Returns the previous tip and the new one.
func (h *StateHasher) ComputeHash(marketID uint64, marketSeq int64, stateDigest []byte) (prev, hash [32]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev = h.tipLocked(marketID)

	hasher := sha256.New()
	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(marketSeq))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)
	copy(hash[:], hasher.Sum(nil))

	h.tips[marketID] = hash
	return prev, hash
}

func (h *StateHasher) tipLocked(marketID uint64) [32]byte {
	if tip, ok := h.tips[marketID]; ok {
		return tip
	}
	return GenesisHash(marketID)
}

// GetPrevHash returns the current chain tip of a market
func (h *StateHasher) GetPrevHash(marketID uint64) [32]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tipLocked(marketID)
}

// SetPrevHash restores a chain tip (snapshot recovery).
func (h *StateHasher) SetPrevHash(marketID uint64, tip [32]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tips[marketID] = tip
}

// Tips returns every chain tip keyed by market.
func (h *StateHasher) Tips() map[uint64][32]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[uint64][32]byte, len(h.tips))
	for k, v := range h.tips {
		out[k] = v
	}
	return out
}

// Aggregate folds all chain tips, in market order, into one digest.
func (h *StateHasher) Aggregate() [32]byte {
	tips := h.Tips()
	ids := make([]uint64, 0, len(tips))
	for id := range tips {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	hasher := sha256.New()
	var buf [8]byte
	for _, id := range ids {
		binary.LittleEndian.PutUint64(buf[:], id)
		hasher.Write(buf[:])
		tip := tips[id]
		hasher.Write(tip[:])
	}
	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	return out
}
