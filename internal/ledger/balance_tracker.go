package ledger

import (
	"fmt"
	"sort"
	"sync"
)

// BalanceTracker maintains in-memory account balances. Batches from
// different markets are applied concurrently, so access is locked.
type BalanceTracker struct {
	mu       sync.RWMutex
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

func (bt *BalanceTracker) applyJournalLocked(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch atomically
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	bt.mu.Lock()
	defer bt.mu.Unlock()
	for _, j := range batch.Journals {
		bt.applyJournalLocked(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.balances[key]
}

// EscrowBalance returns what the ledger holds for one market.
func (bt *BalanceTracker) EscrowBalance(marketID uint64) int64 {
	return bt.GetBalance(EscrowAccount(marketID))
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	totals := make(map[AssetID]int64)
	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}
	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// BalanceEntry is one account in a snapshot.
type BalanceEntry struct {
	Account AccountKey `json:"account"`
	Balance int64      `json:"balance"`
}

// Snapshot returns all balances ordered by account path.
func (bt *BalanceTracker) Snapshot() []BalanceEntry {
	bt.mu.RLock()
	out := make([]BalanceEntry, 0, len(bt.balances))
	for k, v := range bt.balances {
		out = append(out, BalanceEntry{Account: k, Balance: v})
	}
	bt.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Account.AccountPath() < out[j].Account.AccountPath()
	})
	return out
}

// Restore replaces all balances.
func (bt *BalanceTracker) Restore(entries []BalanceEntry) {
	balances := make(map[AccountKey]int64, len(entries))
	for _, e := range entries {
		balances[e.Account] = e.Balance
	}
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.balances = balances
}
