package services

import (
	"context"
	"fmt"
	"time"

	"github.com/0xRichardL/vibe-voter/internal/domain"
	"github.com/rs/zerolog"
)

// EventHandler receives candidate events from the stream and replay paths.
type EventHandler interface {
	OnCandidateEvent(ev domain.CandidateEvent, offset time.Duration) DispatchResult
}

// ReplayStats counts what a replay saw.
type ReplayStats struct {
	From, To uint64
	Blocks   int
	Skipped  int
	Events   int
	Started  int
}

// ReplayDriver feeds a window of past blocks through the live entry point
// so events missed while the process was down still get a chance.
type ReplayDriver struct {
	ledger  Ledger
	handler EventHandler
	clock   Clock
	logger  zerolog.Logger
}

func NewReplayDriver(ledger Ledger, handler EventHandler, clock Clock, logger zerolog.Logger) *ReplayDriver {
	if clock == nil {
		clock = RealClock
	}
	return &ReplayDriver{
		ledger:  ledger,
		handler: handler,
		clock:   clock,
		logger:  logger.With().Str("component", "replay").Logger(),
	}
}

// Replay walks blocks head-depth..head. A block that cannot be fetched is
// skipped; only a failed head lookup or cancellation fails the replay.
func (r *ReplayDriver) Replay(ctx context.Context, depth uint64) (ReplayStats, error) {
	head, err := r.ledger.GetLastIrreversibleBlock(ctx)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("get last irreversible block: %w", err)
	}
	return r.ReplayTo(ctx, head, depth)
}

// ReplayTo is Replay ending at a head the caller already read, so the live
// stream can start right after it.
func (r *ReplayDriver) ReplayTo(ctx context.Context, head, depth uint64) (ReplayStats, error) {
	from := uint64(0)
	if depth < head {
		from = head - depth
	}
	stats := ReplayStats{From: from, To: head}
	r.logger.Info().Uint64("from", from).Uint64("to", head).Msg("replay started")

	for n := from; n <= head; n++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		block, err := r.ledger.GetBlock(ctx, n)
		if err != nil {
			stats.Skipped++
			r.logger.Warn().Err(err).Uint64("block", n).Msg("skipping block")
			continue
		}
		stats.Blocks++
		for _, ev := range block.ContentEvents() {
			stats.Events++
			if r.handler.OnCandidateEvent(ev, r.clock.Now().Sub(block.Timestamp)) == DispatchStarted {
				stats.Started++
			}
		}
	}
	r.logger.Info().
		Int("blocks", stats.Blocks).
		Int("skipped", stats.Skipped).
		Int("events", stats.Events).
		Int("started", stats.Started).
		Msg("replay finished")
	return stats, nil
}

// DepthFromCheckpoint returns how far the last saved checkpoint is behind
// head, capped at limit. It returns 0 when there is no checkpoint.
func DepthFromCheckpoint(ctx context.Context, cp Checkpointer, head, limit uint64) (uint64, error) {
	last, ok, err := cp.Last(ctx)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	if !ok || last >= head {
		return 0, nil
	}
	depth := head - last
	if limit > 0 && depth > limit {
		depth = limit
	}
	return depth, nil
}
