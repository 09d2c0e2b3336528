package services

import (
	"context"
	"fmt"
	"time"

	"github.com/0xRichardL/vibe-voter/internal/state"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const voteHistoryLimit = 100

// ResourceTracker caches each actor's voting power and decides when an
// actor under the threshold may be probed again.
type ResourceTracker struct {
	ledger Ledger
	state  *state.Store
	clock  Clock
	logger zerolog.Logger

	actors    []string
	threshold int
	interval  time.Duration
	cooldown  time.Duration

	group singleflight.Group
}

type ResourceTrackerConfig struct {
	Actors    []string
	Threshold int
	// Interval is the minimum time between recharge checks.
	Interval time.Duration
	// Cooldown is how long after its last vote a drained actor is assumed
	// to have recharged enough to be worth probing.
	Cooldown time.Duration
}

func NewResourceTracker(ledger Ledger, st *state.Store, clock Clock, cfg ResourceTrackerConfig, logger zerolog.Logger) *ResourceTracker {
	return &ResourceTracker{
		ledger:    ledger,
		state:     st,
		clock:     clock,
		logger:    logger.With().Str("component", "resources").Logger(),
		actors:    cfg.Actors,
		threshold: cfg.Threshold,
		interval:  cfg.Interval,
		cooldown:  cfg.Cooldown,
	}
}

// Poll fetches every actor's voting power. Concurrent callers share one
// in-flight request.
func (t *ResourceTracker) Poll(ctx context.Context) error {
	_, err, _ := t.group.Do("poll", func() (any, error) {
		accounts, err := t.ledger.GetAccounts(ctx, t.actors)
		if err != nil {
			return nil, fmt.Errorf("get accounts: %w", err)
		}
		values := make(map[string]int, len(accounts))
		for _, a := range accounts {
			values[a.Name] = a.VotingPower
		}
		t.state.SetVotingPower(values, t.clock.Now())
		return nil, nil
	})
	return err
}

// Capacity returns the cached voting power of actor. Actors never polled
// report full capacity so a failed first poll does not silence the pool.
func (t *ResourceTracker) Capacity(actor string) int {
	vp, ok := t.state.VotingPower(actor)
	if !ok {
		return 10000
	}
	return vp
}

func (t *ResourceTracker) Threshold() int {
	return t.threshold
}

// BelowThreshold returns the actors whose cached capacity is under the threshold.
func (t *ResourceTracker) BelowThreshold() []string {
	if t.threshold <= 0 {
		return nil
	}
	return t.state.Below(t.threshold)
}

// Depleted reports whether actor is below the threshold and not marked for a probe.
func (t *ResourceTracker) Depleted(actor string) bool {
	return t.Capacity(actor) < t.threshold && !t.state.IsCheckable(actor)
}

func (t *ResourceTracker) IsCheckable(actor string) bool {
	return t.state.IsCheckable(actor)
}

// ConsumeCheckable clears a probe mark once the probe has been spent.
func (t *ResourceTracker) ConsumeCheckable(actor string) bool {
	return t.state.ConsumeCheckable(actor)
}

// CheckRecharge runs at most once per interval. For every actor under the
// threshold it looks up the last vote and marks the actor checkable when
// that vote is older than the cooldown.
func (t *ResourceTracker) CheckRecharge(ctx context.Context) error {
	now := t.clock.Now()
	if !t.state.RechargeDue(now, t.interval) {
		return nil
	}
	_, err, _ := t.group.Do("recharge", func() (any, error) {
		for _, actor := range t.BelowThreshold() {
			history, err := t.ledger.GetVoteHistory(ctx, actor, voteHistoryLimit)
			if err != nil {
				return nil, fmt.Errorf("get vote history for %s: %w", actor, err)
			}
			last := latest(history)
			if last.IsZero() || now.Sub(last) > t.cooldown {
				t.state.MarkCheckable(actor)
				t.logger.Info().Str("actor", actor).Time("last_vote", last).Msg("actor marked checkable")
			}
		}
		return nil, nil
	})
	return err
}

// Refresh polls capacity and runs the rate-limited recharge check. Errors
// are logged; callers continue on the cached view.
func (t *ResourceTracker) Refresh(ctx context.Context) {
	if err := t.Poll(ctx); err != nil {
		t.logger.Warn().Err(err).Msg("voting power poll failed, using cached values")
	}
	if err := t.CheckRecharge(ctx); err != nil {
		t.logger.Warn().Err(err).Msg("recharge check failed")
	}
}

func (t *ResourceTracker) Summary() state.Summary {
	return t.state.Summary(t.threshold)
}

func latest(ts []time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.After(out) {
			out = t
		}
	}
	return out
}
