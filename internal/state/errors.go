package state

import "errors"

// Caller input errors
var (
	ErrInvalidDuration = errors.New("invalid duration: must be positive")
	ErrInvalidAmount   = errors.New("invalid amount: must be positive")
	ErrNotFound        = errors.New("not found")
)

// State-conflict errors
var (
	ErrMarketNotOpen     = errors.New("market not open")
	ErrMarketStillOpen   = errors.New("market still open")
	ErrAlreadyResolved   = errors.New("market already resolved")
	ErrMarketNotResolved = errors.New("market not resolved")
	ErrAlreadyClaimed    = errors.New("winnings already claimed")
)

var ErrUnauthorized = errors.New("caller not authorized to resolve market")

// Structural edge cases. Terminal for the participant or market.
var (
	ErrNothingToClaim = errors.New("nothing to claim: no winning stake held")
	ErrNoWinningStake = errors.New("no winning stake: winning pool is empty")
)

// ErrInsolvent means a payout would push the market's paid-out total above
// its pool. It can only be produced by a bug and is treated as fatal upstream.
var ErrInsolvent = errors.New("payout exceeds remaining pool")

// Category groups errors by how a caller should react to them.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryInput
	CategoryConflict
	CategoryAuthorization
	CategoryStructural
)

func (c Category) String() string {
	switch c {
	case CategoryInput:
		return "input"
	case CategoryConflict:
		return "conflict"
	case CategoryAuthorization:
		return "authorization"
	case CategoryStructural:
		return "structural"
	default:
		return "unknown"
	}
}

// Classify maps a (possibly wrapped) domain error onto its category.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryUnknown
	case errors.Is(err, ErrInvalidDuration),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrNotFound):
		return CategoryInput
	case errors.Is(err, ErrMarketNotOpen),
		errors.Is(err, ErrMarketStillOpen),
		errors.Is(err, ErrAlreadyResolved),
		errors.Is(err, ErrMarketNotResolved),
		errors.Is(err, ErrAlreadyClaimed):
		return CategoryConflict
	case errors.Is(err, ErrUnauthorized):
		return CategoryAuthorization
	case errors.Is(err, ErrNothingToClaim),
		errors.Is(err, ErrNoWinningStake):
		return CategoryStructural
	default:
		return CategoryUnknown
	}
}

// Code returns a stable machine-readable code for a domain error.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidDuration):
		return "INVALID_DURATION"
	case errors.Is(err, ErrInvalidAmount):
		return "INVALID_AMOUNT"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrMarketNotOpen):
		return "MARKET_NOT_OPEN"
	case errors.Is(err, ErrMarketStillOpen):
		return "MARKET_STILL_OPEN"
	case errors.Is(err, ErrAlreadyResolved):
		return "ALREADY_RESOLVED"
	case errors.Is(err, ErrMarketNotResolved):
		return "MARKET_NOT_RESOLVED"
	case errors.Is(err, ErrAlreadyClaimed):
		return "ALREADY_CLAIMED"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrNothingToClaim):
		return "NOTHING_TO_CLAIM"
	case errors.Is(err, ErrNoWinningStake):
		return "NO_WINNING_STAKE"
	default:
		return "INTERNAL"
	}
}
