package state

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ResolutionPolicy decides who may set a market's outcome.
type ResolutionPolicy interface {
	CanResolve(m Market, caller common.Address) bool
	Name() string
}

// CreatorPolicy lets only the market creator resolve.
type CreatorPolicy struct{}

func (CreatorPolicy) CanResolve(m Market, caller common.Address) bool {
	return caller == m.Creator
}

func (CreatorPolicy) Name() string { return "creator" }

// OraclePolicy lets a fixed set of oracle addresses resolve any market.
type OraclePolicy struct {
	oracles map[common.Address]struct{}
}

func NewOraclePolicy(oracles ...common.Address) *OraclePolicy {
	p := &OraclePolicy{oracles: make(map[common.Address]struct{}, len(oracles))}
	for _, o := range oracles {
		p.oracles[o] = struct{}{}
	}
	return p
}

func (p *OraclePolicy) CanResolve(_ Market, caller common.Address) bool {
	_, ok := p.oracles[caller]
	return ok
}

func (p *OraclePolicy) Name() string { return "oracle" }

// OpenPolicy lets anyone resolve. Local demos only.
type OpenPolicy struct{}

func (OpenPolicy) CanResolve(Market, common.Address) bool { return true }

func (OpenPolicy) Name() string { return "open" }

// NewResolutionPolicy builds a policy from its config name.
func NewResolutionPolicy(mode string, oracles []string) (ResolutionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "creator":
		return CreatorPolicy{}, nil
	case "oracle":
		if len(oracles) == 0 {
			return nil, fmt.Errorf("resolution policy oracle: no oracle addresses configured")
		}
		addrs := make([]common.Address, 0, len(oracles))
		for _, o := range oracles {
			if !common.IsHexAddress(o) {
				return nil, fmt.Errorf("resolution policy oracle: invalid address %q", o)
			}
			addrs = append(addrs, common.HexToAddress(o))
		}
		return NewOraclePolicy(addrs...), nil
	case "open":
		return OpenPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown resolution policy %q", mode)
	}
}

// ResolutionEngine moves markets from open to resolved.
type ResolutionEngine struct {
	markets *MarketStore
	policy  ResolutionPolicy
}

func NewResolutionEngine(markets *MarketStore, policy ResolutionPolicy) *ResolutionEngine {
	if policy == nil {
		policy = CreatorPolicy{}
	}
	return &ResolutionEngine{markets: markets, policy: policy}
}

func (r *ResolutionEngine) Policy() ResolutionPolicy { return r.policy }

// CheckResolve runs the Resolve preconditions without mutating anything.
func (r *ResolutionEngine) CheckResolve(marketID uint64, now int64, caller common.Address) error {
	sl, err := r.markets.slot(marketID)
	if err != nil {
		return err
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	if err := r.checkLocked(sl, now, caller); err != nil {
		return err
	}
	if sl.m.Resolved {
		return fmt.Errorf("market %d: %w", marketID, ErrAlreadyResolved)
	}
	return nil
}

func (r *ResolutionEngine) checkLocked(sl *marketSlot, now int64, caller common.Address) error {
	if now < sl.m.EndTime {
		return fmt.Errorf("market %d ends at %d: %w", sl.m.ID, sl.m.EndTime, ErrMarketStillOpen)
	}
	if !r.policy.CanResolve(sl.m, caller) {
		return fmt.Errorf("%s policy rejected %s: %w", r.policy.Name(), caller.Hex(), ErrUnauthorized)
	}
	return nil
}

// Resolve records the outcome. AlreadyResolved from the store is returned
// unchanged.
func (r *ResolutionEngine) Resolve(marketID uint64, outcome bool, now int64, caller common.Address) (Market, error) {
	sl, err := r.markets.slot(marketID)
	if err != nil {
		return Market{}, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if err := r.checkLocked(sl, now, caller); err != nil {
		return Market{}, err
	}
	if err := sl.markResolvedLocked(outcome, now); err != nil {
		return Market{}, err
	}
	return sl.m, nil
}
