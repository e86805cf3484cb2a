package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mthdroid/moltpredict-skill/internal/core"
	"github.com/mthdroid/moltpredict-skill/internal/persistence"
)

const snapshotCheckInterval = 10 * time.Second

var (
	snapshotCatchUpPoll    = 50 * time.Millisecond
	snapshotCatchUpTimeout = 30 * time.Second
)

// errSnapshotAhead means the event log did not reach a captured snapshot's
// sequence in time. A snapshot stored before then could not be replayed
// onto, so it is not stored.
var errSnapshotAhead = errors.New("engine ahead of persisted event log")

// snapshotStore is the part of persistence.SnapshotManager the service uses.
type snapshotStore interface {
	Save(ctx context.Context, snap *core.SnapshotState) ([]byte, error)
	LoadLatestSnapshot(ctx context.Context) (*persistence.StoredSnapshot, error)
	MarkVerified(ctx context.Context, sequence int64) error
	SetArchiveKey(ctx context.Context, sequence int64, key string) error
	GetLatestSequence(ctx context.Context) (int64, error)
	ReplayFrom(ctx context.Context, r persistence.Replayer, pageSize int) (int, error)
}

// runPeriodicSnapshots takes a snapshot every SnapshotInterval events.
func (a *app) runPeriodicSnapshots(ctx context.Context) {
	interval := a.cfg.Engine.SnapshotInterval
	if interval <= 0 {
		interval = 100_000
	}

	last := a.engine.GetSequence()
	ticker := time.NewTicker(snapshotCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.engine.GetSequence()-last < interval {
				continue
			}
			seq, err := a.takeSnapshot(ctx)
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, errSnapshotAhead):
				a.log.Warn().Err(err).Msg("snapshot skipped, event log is lagging")
			case err != nil:
				a.log.Warn().Err(err).Msg("periodic snapshot failed")
			default:
				last = seq
				a.log.Info().Int64("sequence", seq).Msg("periodic snapshot")
			}
		}
	}
}

// takeSnapshot captures engine state, waits for the event log to hold
// everything the capture includes, stores it in Postgres and, when an
// archive is configured, uploads it to object storage. Archive failures
// are logged; the Postgres copy is enough to recover.
func (a *app) takeSnapshot(ctx context.Context) (int64, error) {
	start := time.Now()

	snap := a.engine.CreateSnapshotState()
	if err := a.awaitPersisted(ctx, snap.Sequence); err != nil {
		return 0, err
	}

	data, err := a.snapshots.Save(ctx, snap)
	if err != nil {
		return 0, err
	}
	// Taken from live state that already passed its invariant checks.
	if err := a.snapshots.MarkVerified(ctx, snap.Sequence); err != nil {
		return 0, fmt.Errorf("mark snapshot %d verified: %w", snap.Sequence, err)
	}

	a.metrics.SnapshotTaken.Inc()
	a.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	a.metrics.SnapshotSizeBytes.Set(float64(len(data)))
	a.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))

	if a.archive != nil {
		key, err := a.archive.Upload(ctx, snap.Sequence, data)
		if err != nil {
			a.metrics.SnapshotArchived.WithLabelValues("error").Inc()
			a.log.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("snapshot archive failed")
			return snap.Sequence, nil
		}
		a.metrics.SnapshotArchived.WithLabelValues("ok").Inc()
		if err := a.snapshots.SetArchiveKey(ctx, snap.Sequence, key); err != nil {
			a.log.Warn().Err(err).Str("key", key).Msg("record archive key failed")
		}
	}
	return snap.Sequence, nil
}

// awaitPersisted blocks until the event log head reaches seq. The
// persistence worker writes in batches, so a busy engine is usually a few
// events ahead of the log.
func (a *app) awaitPersisted(ctx context.Context, seq int64) error {
	deadline := time.NewTimer(snapshotCatchUpTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(snapshotCatchUpPoll)
	defer poll.Stop()

	for {
		persisted, err := a.snapshots.GetLatestSequence(ctx)
		if err != nil {
			return fmt.Errorf("read event log head: %w", err)
		}
		if persisted >= seq {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: log at %d, snapshot at %d", errSnapshotAhead, persisted, seq)
		case <-poll.C:
		}
	}
}
