package query

import "github.com/mthdroid/moltpredict-skill/internal/state"

// EscrowView reconciles a market's pools against what its escrow account
// holds in the double-entry ledger.
type EscrowView struct {
	MarketID uint64 `json:"market_id"`

	// From market state: yes_pool + no_pool - paid_out.
	Expected Amount `json:"expected"`
	// Balance of the market's escrow account, from applied journals.
	Ledger Amount `json:"ledger"`

	Balanced     bool  `json:"balanced"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

func NewEscrowView(m state.Market, ledgerBalance, asOf int64) EscrowView {
	expected := m.EscrowBalance()
	return EscrowView{
		MarketID:     m.ID,
		Expected:     NewAmount(expected),
		Ledger:       NewAmount(ledgerBalance),
		Balanced:     expected == ledgerBalance,
		AsOfSequence: asOf,
	}
}
