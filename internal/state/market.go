package state

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// Side is a binary outcome. YES is true.
type Side bool

const (
	SideNo  Side = false
	SideYes Side = true
)

func (s Side) String() string {
	if s {
		return "YES"
	}
	return "NO"
}

// Market is a single binary-outcome proposition with a deadline and two
// stake pools. Values returned by MarketStore are copies.
type Market struct {
	ID        uint64         `json:"id"`
	Question  string         `json:"question"`
	Creator   common.Address `json:"creator"`
	CreatedAt int64          `json:"created_at"`
	EndTime   int64          `json:"end_time"`
	YesPool   int64          `json:"yes_pool"`
	NoPool    int64          `json:"no_pool"`
	// PaidOut is the sum of payouts released from this market's escrow.
	PaidOut    int64 `json:"paid_out"`
	Resolved   bool  `json:"resolved"`
	Outcome    bool  `json:"outcome"`
	ResolvedAt int64 `json:"resolved_at,omitempty"`
}

// IsOpen reports whether bets are accepted at time now.
func (m *Market) IsOpen(now int64) bool {
	return !m.Resolved && now < m.EndTime
}

func (m *Market) TotalPool() int64 {
	return m.YesPool + m.NoPool
}

// Pool returns the accumulator for one side.
func (m *Market) Pool(side Side) int64 {
	if side == SideYes {
		return m.YesPool
	}
	return m.NoPool
}

// WinningPool is only meaningful once the market is resolved.
func (m *Market) WinningPool() int64 {
	return m.Pool(Side(m.Outcome))
}

// EscrowBalance is what the escrow account for this market must hold.
func (m *Market) EscrowBalance() int64 {
	return m.YesPool + m.NoPool - m.PaidOut
}

// CanonicalBytes for deterministic hashing
func (m *Market) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96+len(m.Question))

	buf = binary.LittleEndian.AppendUint64(buf, m.ID)

	// question (length-prefixed)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Question)))
	buf = append(buf, m.Question...)

	buf = append(buf, m.Creator.Bytes()...)
	buf = appendInt64LE(buf, m.CreatedAt)
	buf = appendInt64LE(buf, m.EndTime)
	buf = appendInt64LE(buf, m.YesPool)
	buf = appendInt64LE(buf, m.NoPool)
	buf = appendInt64LE(buf, m.PaidOut)
	buf = appendBool(buf, m.Resolved)
	buf = appendBool(buf, m.Outcome)
	buf = appendInt64LE(buf, m.ResolvedAt)

	return buf
}

// Bet is the stake record for one (market, participant) pair.
type Bet struct {
	MarketID    uint64         `json:"market_id"`
	Participant common.Address `json:"participant"`
	YesAmount   int64          `json:"yes_amount"`
	NoAmount    int64          `json:"no_amount"`
	Claimed     bool           `json:"claimed"`
	ClaimedAt   int64          `json:"claimed_at,omitempty"`
}

// Stake returns the amount staked on one side.
func (b *Bet) Stake(side Side) int64 {
	if side == SideYes {
		return b.YesAmount
	}
	return b.NoAmount
}

// CanonicalBytes for deterministic hashing
func (b *Bet) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64)
	buf = binary.LittleEndian.AppendUint64(buf, b.MarketID)
	buf = append(buf, b.Participant.Bytes()...)
	buf = appendInt64LE(buf, b.YesAmount)
	buf = appendInt64LE(buf, b.NoAmount)
	buf = appendBool(buf, b.Claimed)
	buf = appendInt64LE(buf, b.ClaimedAt)
	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(buf, uint64(v))
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}
