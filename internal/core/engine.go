package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mthdroid/moltpredict-skill/internal/clock"
	"github.com/mthdroid/moltpredict-skill/internal/event"
	"github.com/mthdroid/moltpredict-skill/internal/ledger"
	"github.com/mthdroid/moltpredict-skill/internal/observability"
	"github.com/mthdroid/moltpredict-skill/internal/state"
)

// ErrHashMismatch means a replayed event produced a different state hash
// than the one recorded in the log.
var ErrHashMismatch = errors.New("state hash mismatch")

// Engine is the settlement core. Commands against the same market are
// serialized by a per-market partition lock; different markets proceed in
// parallel. Market creation is serialized by its own lock.
type Engine struct {
	clock clock.Clock

	markets  *state.MarketStore
	bets     *state.BetLedger
	resolver *state.ResolutionEngine
	payouts  *state.PayoutCalculator

	balanceTracker *ledger.BalanceTracker
	journalGen     *ledger.JournalGenerator
	validator      *ledger.InvariantValidator

	hasher            *StateHasher
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	escrow            Escrow
	metrics           *observability.Metrics
	log               zerolog.Logger
	postChecks        bool

	// last assigned global sequence
	sequence atomic.Int64

	// Commands hold gate for reading; Close takes it for writing so it
	// returns only once no command is inside the pipeline.
	gate   sync.RWMutex
	closed bool

	createMu   sync.Mutex
	partMu     sync.Mutex
	partitions map[uint64]*sync.Mutex

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need about one applied event.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Event    event.Event
	Batch    *ledger.Batch // nil when no funds moved
	Market   state.Market
	Bet      *state.Bet // nil for market-level events
}

// Options configures an Engine. Zero values are usable defaults.
type Options struct {
	Clock          clock.Clock
	Policy         state.ResolutionPolicy
	Escrow         Escrow
	DBChecker      DBIdempotencyChecker
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	LRUCapacity    int
	PostChecks     bool
}

func NewEngine(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.Escrow == nil {
		opts.Escrow = NoopEscrow{}
	}
	if opts.LRUCapacity <= 0 {
		opts.LRUCapacity = 1_000_000
	}

	markets := state.NewMarketStore()
	bets := state.NewBetLedger(markets)
	tracker := ledger.NewBalanceTracker()

	return &Engine{
		clock:             opts.Clock,
		markets:           markets,
		bets:              bets,
		resolver:          state.NewResolutionEngine(markets, opts.Policy),
		payouts:           state.NewPayoutCalculator(markets, bets),
		balanceTracker:    tracker,
		journalGen:        ledger.NewJournalGenerator(tracker),
		validator:         ledger.NewInvariantValidator(tracker),
		hasher:            NewStateHasher(),
		idempotency:       NewIdempotencyChecker(opts.LRUCapacity, opts.DBChecker, opts.Metrics),
		sequenceValidator: NewSequenceValidator(opts.Metrics),
		escrow:            opts.Escrow,
		metrics:           opts.Metrics,
		log:               opts.Logger,
		postChecks:        opts.PostChecks,
		partitions:        make(map[uint64]*sync.Mutex),
		persistChan:       opts.PersistChan,
		projectionChan:    opts.ProjectionChan,
	}
}

// ============================================================================
// Commands
// ============================================================================

// CreateMarket opens a market owned by the caller and returns its id.
func (e *Engine) CreateMarket(ctx context.Context, cmd *CreateMarketCmd) (uint64, error) {
	start := time.Now()
	ensureKey(cmd)

	release, err := e.enter(cmd)
	if err != nil {
		return 0, err
	}
	defer release()

	e.createMu.Lock()
	defer e.createMu.Unlock()

	if err := e.checkDuplicate(cmd); err != nil {
		return 0, err
	}

	// Hold the new market's partition before it becomes visible so no
	// command can reach it ahead of its creation event.
	nextID := e.markets.Count() + 1
	p := e.partition(nextID)
	p.Lock()
	defer p.Unlock()

	now := e.clock.Now()
	id, err := e.markets.Create(cmd.Question, cmd.DurationSeconds, cmd.Caller, now)
	if err != nil {
		e.reject(cmd, err)
		return 0, err
	}
	if id != nextID {
		e.fatal("market id %d allocated, expected %d", id, nextID)
	}
	m, _ := e.markets.Get(id)

	evt := &event.MarketCreated{
		RequestID:       cmd.RequestID,
		Market:          id,
		Question:        m.Question,
		Creator:         m.Creator,
		DurationSeconds: cmd.DurationSeconds,
		CreatedAt:       m.CreatedAt,
		EndTime:         m.EndTime,
	}
	if _, err := e.commit(evt, nil, nil); err != nil {
		return 0, err
	}

	e.log.Info().
		Uint64("market_id", id).
		Str("creator", m.Creator.Hex()).
		Int64("end_time", m.EndTime).
		Str("request_id", cmd.RequestID).
		Msg("market created")
	e.observe(cmd, start)
	if e.metrics != nil {
		e.metrics.MarketsTotal.Set(float64(id))
	}
	return id, nil
}

// Bet escrows amount from the caller on one side of an open market.
func (e *Engine) Bet(ctx context.Context, cmd *BetCmd) (state.Bet, error) {
	start := time.Now()
	ensureKey(cmd)

	release, err := e.enter(cmd)
	if err != nil {
		return state.Bet{}, err
	}
	defer release()

	if _, err := e.markets.Get(cmd.MarketID); err != nil {
		e.reject(cmd, err)
		return state.Bet{}, err
	}
	p := e.partition(cmd.MarketID)
	p.Lock()
	defer p.Unlock()

	if err := e.checkDuplicate(cmd); err != nil {
		return state.Bet{}, err
	}

	now := e.clock.Now()
	side := state.Side(cmd.Side)
	if err := e.bets.CheckBet(cmd.MarketID, cmd.Amount, now); err != nil {
		e.reject(cmd, err)
		return state.Bet{}, err
	}

	if err := e.escrow.Deposit(ctx, cmd.MarketID, cmd.Caller, cmd.Amount); err != nil {
		if e.metrics != nil {
			e.metrics.EscrowErrors.WithLabelValues("deposit").Inc()
		}
		err = fmt.Errorf("%w: %v", ErrEscrow, err)
		e.reject(cmd, err)
		return state.Bet{}, err
	}

	b, err := e.bets.RecordBet(cmd.MarketID, cmd.Caller, side, cmd.Amount, now)
	if err != nil {
		e.fatal("bet %s rejected after escrow deposit: %v", cmd.RequestID, err)
	}

	evt := &event.BetPlaced{
		RequestID:   cmd.RequestID,
		Market:      cmd.MarketID,
		Participant: cmd.Caller,
		Side:        cmd.Side,
		Amount:      cmd.Amount,
		PlacedAt:    now,
	}
	if _, err := e.commit(evt, &cmd.Caller, nil); err != nil {
		return state.Bet{}, err
	}

	e.log.Debug().
		Uint64("market_id", cmd.MarketID).
		Str("participant", cmd.Caller.Hex()).
		Str("side", side.String()).
		Int64("amount", cmd.Amount).
		Msg("bet placed")
	e.observe(cmd, start)
	if e.metrics != nil {
		e.metrics.StakeVolume.WithLabelValues(strings.ToLower(side.String())).Add(float64(cmd.Amount))
	}
	return b, nil
}

// ResolveMarket records the outcome once the market's end time has passed.
func (e *Engine) ResolveMarket(ctx context.Context, cmd *ResolveCmd) (state.Market, error) {
	start := time.Now()
	ensureKey(cmd)

	release, err := e.enter(cmd)
	if err != nil {
		return state.Market{}, err
	}
	defer release()

	if _, err := e.markets.Get(cmd.MarketID); err != nil {
		e.reject(cmd, err)
		return state.Market{}, err
	}
	p := e.partition(cmd.MarketID)
	p.Lock()
	defer p.Unlock()

	if err := e.checkDuplicate(cmd); err != nil {
		return state.Market{}, err
	}

	now := e.clock.Now()
	m, err := e.resolver.Resolve(cmd.MarketID, cmd.Outcome, now, cmd.Caller)
	if err != nil {
		e.reject(cmd, err)
		return state.Market{}, err
	}

	evt := &event.MarketResolved{
		RequestID:  cmd.RequestID,
		Market:     cmd.MarketID,
		Outcome:    cmd.Outcome,
		ResolvedBy: cmd.Caller,
		ResolvedAt: now,
		YesPool:    m.YesPool,
		NoPool:     m.NoPool,
	}
	if _, err := e.commit(evt, nil, nil); err != nil {
		return state.Market{}, err
	}

	e.log.Info().
		Uint64("market_id", cmd.MarketID).
		Bool("outcome", cmd.Outcome).
		Str("resolved_by", cmd.Caller.Hex()).
		Int64("total_pool", m.TotalPool()).
		Msg("market resolved")
	e.observe(cmd, start)
	if e.metrics != nil {
		e.metrics.MarketsResolved.WithLabelValues(strings.ToLower(state.Side(cmd.Outcome).String())).Inc()
	}
	return m, nil
}

// ClaimWinnings pays the caller's pari-mutuel share of a resolved market and
// returns the amount released. A caller with no winning stake gets
// state.ErrNothingToClaim, which is recorded so it cannot be retried.
func (e *Engine) ClaimWinnings(ctx context.Context, cmd *ClaimCmd) (int64, error) {
	start := time.Now()
	ensureKey(cmd)

	release, err := e.enter(cmd)
	if err != nil {
		return 0, err
	}
	defer release()

	if _, err := e.markets.Get(cmd.MarketID); err != nil {
		e.reject(cmd, err)
		return 0, err
	}
	p := e.partition(cmd.MarketID)
	p.Lock()
	defer p.Unlock()

	if err := e.checkDuplicate(cmd); err != nil {
		return 0, err
	}

	now := e.clock.Now()
	quote, err := e.payouts.Quote(cmd.MarketID, cmd.Caller)
	switch {
	case err == nil:
		if err := e.escrow.Release(ctx, cmd.MarketID, cmd.Caller, quote.Payout); err != nil {
			if e.metrics != nil {
				e.metrics.EscrowErrors.WithLabelValues("release").Inc()
			}
			err = fmt.Errorf("%w: %v", ErrEscrow, err)
			e.reject(cmd, err)
			return 0, err
		}
	case errors.Is(err, state.ErrNothingToClaim):
		// recorded below so the negative outcome is permanent
	default:
		e.reject(cmd, err)
		e.countClaim(err)
		return 0, err
	}

	res, claimErr := e.payouts.Claim(cmd.MarketID, cmd.Caller, now)
	if claimErr != nil && !errors.Is(claimErr, state.ErrNothingToClaim) {
		e.fatal("claim %s failed after quote: %v", cmd.RequestID, claimErr)
	}
	if res.Payout != quote.Payout {
		e.fatal("claim %s paid %d, quoted %d", cmd.RequestID, res.Payout, quote.Payout)
	}

	evt := &event.WinningsClaimed{
		RequestID:    cmd.RequestID,
		Market:       cmd.MarketID,
		Participant:  cmd.Caller,
		Payout:       res.Payout,
		WinningStake: res.WinningStake,
		WinningPool:  res.WinningPool,
		TotalPool:    res.TotalPool,
		ClaimedAt:    now,
	}
	if _, err := e.commit(evt, &cmd.Caller, nil); err != nil {
		return 0, err
	}

	e.log.Info().
		Uint64("market_id", cmd.MarketID).
		Str("participant", cmd.Caller.Hex()).
		Int64("payout", res.Payout).
		Msg("winnings claimed")
	e.observe(cmd, start)
	e.countClaim(claimErr)
	if e.metrics != nil {
		e.metrics.PayoutVolume.Add(float64(res.Payout))
	}
	return res.Payout, claimErr
}

// Close stops the engine accepting commands and waits for the ones already
// running to finish emitting. After Close returns the output channels can
// be closed.
func (e *Engine) Close() {
	e.gate.Lock()
	defer e.gate.Unlock()
	e.closed = true
}

func (e *Engine) enter(cmd Command) (func(), error) {
	e.gate.RLock()
	if e.closed {
		e.gate.RUnlock()
		if e.metrics != nil {
			e.metrics.CoreCommandsRejected.WithLabelValues(cmd.Name(), "closed").Inc()
		}
		return nil, fmt.Errorf("%s: %w", cmd.Name(), ErrEngineClosed)
	}
	return e.gate.RUnlock, nil
}

// ============================================================================
// Reads
// ============================================================================

// MarketCount is the number of markets ever created.
func (e *Engine) MarketCount() uint64 {
	return e.markets.Count()
}

func (e *Engine) GetMarket(id uint64) (state.Market, error) {
	return e.markets.Get(id)
}

// GetUserBets returns the participant's stakes. An unknown market is
// state.ErrNotFound; a known market with no record yields zeros.
func (e *Engine) GetUserBets(id uint64, participant common.Address) (yes, no int64, err error) {
	_, b, _, err := e.bets.View(id, participant)
	if err != nil {
		return 0, 0, err
	}
	return b.YesAmount, b.NoAmount, nil
}

// GetBet returns the full record including the claimed flag.
func (e *Engine) GetBet(id uint64, participant common.Address) (state.Bet, bool, error) {
	_, b, ok, err := e.bets.View(id, participant)
	return b, ok, err
}

// BetsFor lists every stake record of one market.
func (e *Engine) BetsFor(id uint64) ([]state.Bet, error) {
	if _, err := e.markets.Get(id); err != nil {
		return nil, err
	}
	return e.bets.BetsFor(id), nil
}

// Markets returns up to limit markets starting after offset, in id order.
func (e *Engine) Markets(offset, limit int) []state.Market {
	all := e.markets.Snapshot()
	if offset >= len(all) || limit <= 0 {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

func (e *Engine) Now() int64 { return e.clock.Now() }

func (e *Engine) Policy() state.ResolutionPolicy { return e.resolver.Policy() }

// GetSequence returns the last assigned global sequence number.
func (e *Engine) GetSequence() int64 {
	return e.sequence.Load()
}

// GetStateHash folds the tips of every market chain into one digest.
func (e *Engine) GetStateHash() [32]byte {
	return e.hasher.Aggregate()
}

// MarketHash returns the chain tip of one market.
func (e *Engine) MarketHash(id uint64) [32]byte {
	return e.hasher.GetPrevHash(id)
}

// EscrowBalance is what the ledger holds for a market.
func (e *Engine) EscrowBalance(id uint64) int64 {
	return e.balanceTracker.EscrowBalance(id)
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (e *Engine) WarmLRU(keys []string) {
	e.idempotency.lru.WarmFromKeys(keys)
}

// ============================================================================
// Pipeline
// ============================================================================

func ensureKey(cmd Command) {
	if cmd.Key() == "" {
		cmd.setKey(uuid.NewString())
	}
}

func (e *Engine) partition(id uint64) *sync.Mutex {
	e.partMu.Lock()
	defer e.partMu.Unlock()
	p := e.partitions[id]
	if p == nil {
		p = &sync.Mutex{}
		e.partitions[id] = p
	}
	return p
}

func (e *Engine) checkDuplicate(cmd Command) error {
	if e.idempotency.IsDuplicate(cmd.EventType().String(), cmd.Key()) {
		if e.metrics != nil {
			e.metrics.CoreCommandsRejected.WithLabelValues(cmd.Name(), "duplicate").Inc()
		}
		return fmt.Errorf("%s %s: %w", cmd.Name(), cmd.Key(), ErrDuplicateRequest)
	}
	return nil
}

func (e *Engine) reject(cmd Command, err error) {
	reason := strings.ToLower(state.Code(err))
	if errors.Is(err, ErrEscrow) {
		reason = "escrow"
	}
	if e.metrics != nil {
		e.metrics.CoreCommandsRejected.WithLabelValues(cmd.Name(), reason).Inc()
	}
	e.log.Debug().
		Str("command", cmd.Name()).
		Str("request_id", cmd.Key()).
		Str("caller", cmd.CallerAddress().Hex()).
		Str("reason", reason).
		Err(err).
		Msg("command rejected")
}

func (e *Engine) observe(cmd Command, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.CoreCommandsApplied.WithLabelValues(cmd.Name()).Inc()
	e.metrics.CoreCommandDuration.WithLabelValues(cmd.Name()).Observe(time.Since(start).Seconds())
	e.metrics.CoreSequence.Set(float64(e.sequence.Load()))
}

func (e *Engine) countClaim(err error) {
	if e.metrics == nil {
		return
	}
	result := "paid"
	if err != nil {
		result = strings.ToLower(state.Code(err))
	}
	e.metrics.ClaimsTotal.WithLabelValues(result).Inc()
}

func (e *Engine) fatal(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.log.Error().Msg("FATAL: " + msg)
	panic("FATAL: " + msg)
}

// commit runs the post-mutation half of the pipeline for an event whose
// state change has already been applied: journals, hash chain, envelope,
// invariant checks, then emission. The caller holds the market partition.
// With replay set, sequences come from the recorded envelope, the hash must
// match it and nothing is emitted.
func (e *Engine) commit(evt event.Event, participant *common.Address, replay *event.EventEnvelope) (*event.EventEnvelope, error) {
	marketID := evt.MarketID()

	var seq int64
	if replay != nil {
		seq = replay.Sequence
		for {
			cur := e.sequence.Load()
			if seq <= cur || e.sequence.CompareAndSwap(cur, seq) {
				break
			}
		}
	} else {
		seq = e.sequence.Add(1)
	}

	batch, err := e.generateBatch(evt, seq)
	if err != nil {
		e.fatal("journal generation for %s: %v", evt.IdempotencyKey(), err)
	}
	if batch != nil {
		if err := e.validator.ValidateBatchBalance(batch); err != nil {
			e.fatal("unbalanced batch: %v", err)
		}
		if err := e.balanceTracker.ApplyBatch(batch); err != nil {
			e.fatal("apply batch: %v", err)
		}
		if e.metrics != nil {
			for _, j := range batch.Journals {
				e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	m, err := e.markets.Get(marketID)
	if err != nil {
		e.fatal("market %d vanished during commit", marketID)
	}
	var bet *state.Bet
	if participant != nil {
		b, err := e.bets.StakeOf(marketID, *participant)
		if err != nil {
			e.fatal("bet %d/%s vanished during commit", marketID, participant.Hex())
		}
		bet = &b
	}

	var marketSeq int64
	if replay != nil {
		marketSeq = replay.MarketSequence
	} else {
		marketSeq = e.sequenceValidator.Assign(marketPartition(marketID))
	}

	hashStart := time.Now()
	digest := e.computeStateDigest(m, bet)
	prev, hash := e.hasher.ComputeHash(marketID, marketSeq, digest)
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	payload, err := event.Encode(evt)
	if err != nil {
		e.fatal("encode %s: %v", evt.EventType(), err)
	}

	envelope := &event.EventEnvelope{
		Sequence:       seq,
		MarketSequence: marketSeq,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		MarketID:       marketID,
		Timestamp:      time.Unix(evt.OccurredAt(), 0).UTC(),
		Payload:        payload,
		StateHash:      hash,
		PrevHash:       prev,
	}

	if replay != nil && replay.StateHash != hash {
		return envelope, fmt.Errorf("sequence %d market %d: %w", seq, marketID, ErrHashMismatch)
	}

	if e.postChecks {
		if err := e.postCheckInvariants(marketID); err != nil {
			e.fatal("invariant violated: %v", err)
		}
	}

	if replay == nil {
		e.emit(CoreOutput{
			Envelope: envelope,
			Event:    evt,
			Batch:    batch,
			Market:   m,
			Bet:      bet,
		})
	}

	e.idempotency.MarkProcessed(evt.EventType().String(), evt.IdempotencyKey())
	return envelope, nil
}

// emit hands an output to the workers. Persistence is a blocking send so
// no event is lost; projections drop on a full channel and rebuild from
// the log.
func (e *Engine) emit(out CoreOutput) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}

	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("markets").Inc()
			}
		}
	}
}

func (e *Engine) generateBatch(evt event.Event, seq int64) (*ledger.Batch, error) {
	switch ev := evt.(type) {
	case *event.BetPlaced:
		return e.journalGen.GenerateBetPlaced(ev, seq)
	case *event.WinningsClaimed:
		return e.journalGen.GenerateWinningsClaimed(ev, seq)
	default:
		return nil, nil
	}
}

// computeStateDigest creates canonical bytes for the state hash: the market
// after the event, the affected stake record if any, and the escrow balance.
func (e *Engine) computeStateDigest(m state.Market, bet *state.Bet) []byte {
	digest := m.CanonicalBytes()
	if bet != nil {
		digest = append(digest, 1)
		digest = append(digest, bet.CanonicalBytes()...)
	} else {
		digest = append(digest, 0)
	}
	return appendInt64LE(digest, e.balanceTracker.EscrowBalance(m.ID))
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates a market after an event is applied.
func (e *Engine) postCheckInvariants(marketID uint64) error {
	m, err := e.markets.Get(marketID)
	if err != nil {
		return err
	}

	yes, no := e.bets.SumStakes(marketID)
	if yes != m.YesPool || no != m.NoPool {
		return fmt.Errorf("pool consistency: market %d pools (%d,%d), stakes (%d,%d)",
			marketID, m.YesPool, m.NoPool, yes, no)
	}

	if m.PaidOut < 0 || m.PaidOut > m.TotalPool() {
		return fmt.Errorf("conservation: market %d paid %d of %d", marketID, m.PaidOut, m.TotalPool())
	}

	if err := e.validator.ValidateEscrow(marketID, m.EscrowBalance()); err != nil {
		return fmt.Errorf("escrow: %w", err)
	}

	if err := e.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("zero-sum: %w", err)
	}
	return nil
}
