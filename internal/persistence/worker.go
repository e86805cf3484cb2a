package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mthdroid/moltpredict-skill/internal/core"
	"github.com/mthdroid/moltpredict-skill/internal/observability"
)

// Publisher receives each output once it is durable.
type Publisher interface {
	Publish(ctx context.Context, out core.CoreOutput) error
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on the persist channel with a blocking send, so if this
// worker falls behind the engine stalls and no event is lost.
type PersistenceWorker struct {
	writer       BatchWriter
	inputChan    <-chan core.CoreOutput
	publisher    Publisher
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger

	pending  []core.CoreOutput
	events   []EventRow
	journals []JournalRow
}

type WorkerOptions struct {
	Writer       BatchWriter
	Input        <-chan core.CoreOutput
	Publisher    Publisher // optional
	BatchSize    int
	FlushTimeout time.Duration
	MaxBackoff   time.Duration
	Metrics      *observability.Metrics
	Logger       zerolog.Logger
}

func NewPersistenceWorker(opts WorkerOptions) *PersistenceWorker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 10 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &PersistenceWorker{
		writer:       opts.Writer,
		inputChan:    opts.Input,
		publisher:    opts.Publisher,
		batchSize:    opts.BatchSize,
		flushTimeout: opts.FlushTimeout,
		maxBackoff:   opts.MaxBackoff,
		metrics:      opts.Metrics,
		log:          opts.Logger,
		pending:      make([]core.CoreOutput, 0, opts.BatchSize),
		events:       make([]EventRow, 0, opts.BatchSize),
		journals:     make([]JournalRow, 0, opts.BatchSize*2),
	}
}

// Run batches incoming outputs and flushes either when the batch is full
// or the flush timeout expires. It returns nil once the input channel is
// closed and drained, or ctx.Err() after a final flush on cancellation.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := pw.flushFinal(); err != nil {
				pw.log.Error().Err(err).Msg("final flush failed")
			}
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				if err := pw.flushFinal(); err != nil {
					pw.log.Error().Err(err).Msg("final flush failed")
					return err
				}
				return nil
			}

			pw.add(out)
			if len(pw.events) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx); err != nil {
					pw.log.Error().Err(err).Msg("batch flush failed")
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(pw.events) > 0 {
				if err := pw.flushWithRetry(ctx); err != nil {
					pw.log.Error().Err(err).Msg("timeout flush failed")
				}
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

func (pw *PersistenceWorker) add(out core.CoreOutput) {
	row, journals := Rows(out)
	pw.pending = append(pw.pending, out)
	pw.events = append(pw.events, row)
	pw.journals = append(pw.journals, journals...)
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. It never drops the batch: on cancellation it makes
// one last attempt with a fresh context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(pw.events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return pw.flushFinal()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.log.Error().Err(err).Msg("persistence flush")
	}
}

func (pw *PersistenceWorker) flushFinal() error {
	if len(pw.events) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pw.flush(ctx); err != nil {
		return fmt.Errorf("final flush of %d events: %w", len(pw.events), err)
	}
	return nil
}

func (pw *PersistenceWorker) flush(ctx context.Context) error {
	start := time.Now()

	if err := pw.writer.WriteBatch(ctx, pw.events, pw.journals); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_batch").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(pw.events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(pw.events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(pw.journals)))
		pw.metrics.PersistLastSequence.Set(float64(pw.events[len(pw.events)-1].Sequence))
	}

	// Durable now: only then announce.
	if pw.publisher != nil {
		for _, out := range pw.pending {
			if err := pw.publisher.Publish(ctx, out); err != nil {
				if pw.metrics != nil {
					pw.metrics.PublishDrops.Inc()
				}
				pw.log.Warn().Err(err).
					Int64("sequence", out.Envelope.Sequence).
					Msg("publish settled event")
			}
		}
	}

	pw.pending = pw.pending[:0]
	pw.events = pw.events[:0]
	pw.journals = pw.journals[:0]
	return nil
}
