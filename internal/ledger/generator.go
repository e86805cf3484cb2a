package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/mthdroid/moltpredict-skill/internal/event"
)

// JournalGenerator creates balanced journal batches from settlement events
type JournalGenerator struct {
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		balanceTracker: tracker,
	}
}

// GenerateBetPlaced moves the stake into the market's escrow.
// external:deposits -> system:escrow:<market>
func (jg *JournalGenerator) GenerateBetPlaced(evt *event.BetPlaced, sequence int64) (*Batch, error) {
	if evt.Amount <= 0 {
		return nil, fmt.Errorf("bet %s: non-positive amount %d", evt.RequestID, evt.Amount)
	}
	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  evt.RequestID,
		Sequence:  sequence,
		Timestamp: evt.PlacedAt,
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      evt.RequestID,
			Sequence:      sequence,
			DebitAccount:  EscrowAccount(evt.Market),
			CreditAccount: NewExternalAccountKey(SubTypeExternalDeposits, AssetUSDC),
			AssetID:       AssetUSDC,
			Amount:        evt.Amount,
			JournalType:   JournalTypeStakeDeposit,
			Participant:   ParticipantRef(evt.Participant),
			Timestamp:     evt.PlacedAt,
		}},
	}
	return batch, nil
}

// GenerateWinningsClaimed releases a payout from escrow. A zero payout
// moves nothing and yields a nil batch.
// system:escrow:<market> -> external:payouts
func (jg *JournalGenerator) GenerateWinningsClaimed(evt *event.WinningsClaimed, sequence int64) (*Batch, error) {
	if evt.Payout == 0 {
		return nil, nil
	}
	if evt.Payout < 0 {
		return nil, fmt.Errorf("claim %s: negative payout %d", evt.RequestID, evt.Payout)
	}

	// PRE-CHECK: escrow must cover the payout
	escrow := EscrowAccount(evt.Market)
	if have := jg.balanceTracker.GetBalance(escrow); have < evt.Payout {
		return nil, fmt.Errorf("claim %s: escrow %s holds %d, payout %d",
			evt.RequestID, escrow.AccountPath(), have, evt.Payout)
	}

	batchID := uuid.New()
	batch := &Batch{
		BatchID:   batchID,
		EventRef:  evt.RequestID,
		Sequence:  sequence,
		Timestamp: evt.ClaimedAt,
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      evt.RequestID,
			Sequence:      sequence,
			DebitAccount:  NewExternalAccountKey(SubTypeExternalPayouts, AssetUSDC),
			CreditAccount: escrow,
			AssetID:       AssetUSDC,
			Amount:        evt.Payout,
			JournalType:   JournalTypePayoutRelease,
			Participant:   ParticipantRef(evt.Participant),
			Timestamp:     evt.ClaimedAt,
		}},
	}
	return batch, nil
}
