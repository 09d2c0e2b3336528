package services

import (
	"context"
	"fmt"
	"time"

	"github.com/0xRichardL/vibe-voter/internal/domain"
	"github.com/0xRichardL/vibe-voter/internal/rules"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// WorkflowState is a step of a VoteWorkflow.
type WorkflowState int

const (
	StateFetching WorkflowState = iota
	StatePreValidating
	StateWaiting
	StateRevalidating
	StateSelecting
	StateExecuting
	StateRetrying
	StateDone
)

func (s WorkflowState) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StatePreValidating:
		return "pre_validating"
	case StateWaiting:
		return "waiting"
	case StateRevalidating:
		return "revalidating"
	case StateSelecting:
		return "selecting"
	case StateExecuting:
		return "executing"
	case StateRetrying:
		return "retrying"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// attempt is one planned submission, kept so a retry repeats it exactly.
type attempt struct {
	voter  string
	tier   domain.Tier
	weight int
}

// VoteWorkflow drives one event from fetch to its last submission. It is
// not safe for concurrent use; the dispatcher runs each on its own goroutine.
type VoteWorkflow struct {
	e      *Engine
	runID  string
	target domain.TargetKey
	offset time.Duration
	logger zerolog.Logger

	state    WorkflowState
	trace    []WorkflowState
	eligible []string
	votes    int
	backoff  *Backoff
}

// NewWorkflow prepares a workflow for target. offset is how old the event
// already was when it was first seen; it is taken off the wait.
func (e *Engine) NewWorkflow(target domain.TargetKey, offset time.Duration) *VoteWorkflow {
	runID := uuid.NewString()
	return &VoteWorkflow{
		e:       e,
		runID:   runID,
		target:  target,
		offset:  offset,
		logger:  e.logger.With().Str("run_id", runID).Str("target", target.String()).Logger(),
		backoff: NewBackoff(e.rules.InitialBackoff, e.rules.MaxBackoff),
	}
}

// Votes returns the number of successful submissions so far.
func (w *VoteWorkflow) Votes() int { return w.votes }

// Trace returns the states the workflow passed through.
func (w *VoteWorkflow) Trace() []WorkflowState {
	return append([]WorkflowState(nil), w.trace...)
}

func (w *VoteWorkflow) enter(s WorkflowState) {
	w.state = s
	if n := len(w.trace); n == 0 || w.trace[n-1] != s {
		w.trace = append(w.trace, s)
	}
}

// Run executes the workflow. Rejections and an exhausted voter set are
// normal endings and return nil; fetch failures and cancellation return an error.
func (w *VoteWorkflow) Run(ctx context.Context) error {
	defer w.enter(StateDone)

	w.enter(StateFetching)
	ev, err := w.e.ledger.GetContent(ctx, w.target.Author, w.target.Permlink)
	if err != nil {
		return fmt.Errorf("fetch content: %w", err)
	}

	w.enter(StatePreValidating)
	w.e.tracker.Refresh(ctx)
	w.eligible = w.e.eligibleActors(ev)
	if err := w.e.filter.Check(ctx, ev, w.eligible); err != nil {
		return w.rejected(err)
	}

	wait := w.waitDuration()
	if wait > 0 {
		w.enter(StateWaiting)
		w.logger.Info().Dur("wait", wait).Msg("waiting before vote")
		if err := w.e.clock.Sleep(ctx, wait); err != nil {
			return err
		}

		w.enter(StateRevalidating)
		ev, err = w.e.ledger.GetContent(ctx, w.target.Author, w.target.Permlink)
		if err != nil {
			return fmt.Errorf("refetch content: %w", err)
		}
		w.eligible = w.e.eligibleActors(ev)
		if err := w.e.filter.Check(ctx, ev, w.eligible); err != nil {
			return w.rejected(err)
		}
	} else {
		w.logger.Info().Dur("behind", -wait).Msg("event already past its wait, settling")
		if err := w.e.clock.Sleep(ctx, w.e.rules.SettleDelay); err != nil {
			return err
		}
	}

	return w.vote(ctx, ev)
}

func (w *VoteWorkflow) rejected(err error) error {
	if IsRejection(err) {
		w.logger.Info().Str("reason", err.Error()).Msg("skipped")
		return nil
	}
	return fmt.Errorf("admission check: %w", err)
}

// waitDuration draws a whole number of seconds from the wait window and
// subtracts the event's age at first sight.
func (w *VoteWorkflow) waitDuration() time.Duration {
	minSecs := int(w.e.rules.MinWait / time.Second)
	maxSecs := int(w.e.rules.MaxWait / time.Second)
	secs := minSecs
	if span := maxSecs - minSecs; span > 0 {
		secs += w.e.intn(span + 1)
	}
	return time.Duration(secs)*time.Second - w.offset
}

func (w *VoteWorkflow) exhaustive() bool {
	return w.e.rules.Mode == rules.ModeExhaustive
}

func (w *VoteWorkflow) drop(voter string) {
	for i, name := range w.eligible {
		if name == voter {
			w.eligible = append(w.eligible[:i], w.eligible[i+1:]...)
			return
		}
	}
}

// vote is the selection loop. Every path either shrinks the eligible set,
// consumes a bounded retry budget, or ends the loop.
func (w *VoteWorkflow) vote(ctx context.Context, ev domain.CandidateEvent) error {
	var (
		again            *attempt
		rateRetries      int
		canonicalRetries int
	)
	for {
		var next attempt
		if again != nil {
			next, again = *again, nil
		} else {
			// retry budgets are per voter
			rateRetries, canonicalRetries = 0, 0
			w.enter(StateSelecting)
			if len(w.eligible) == 0 {
				w.logger.Info().Int("votes", w.votes).Msg("no voters left")
				return nil
			}
			voter := w.eligible[w.e.intn(len(w.eligible))]
			tier, weight, err := w.e.weights.Pick(ctx, voter, ev.Author)
			if err != nil {
				w.logger.Warn().Err(err).Str("voter", voter).Msg("relation lookup failed, using fallback tier")
			}
			if weight == 0 {
				if w.exhaustive() && w.e.rules.ZeroWeightPolicy == rules.ZeroWeightDrop {
					w.drop(voter)
					continue
				}
				w.logger.Info().Str("voter", voter).Str("tier", string(tier)).Msg("zero weight for author, stopping")
				return nil
			}
			if w.e.tracker.Depleted(voter) {
				w.logger.Debug().Str("voter", voter).Int("voting_power", w.e.tracker.Capacity(voter)).Msg("voter below threshold")
				w.drop(voter)
				continue
			}
			next = attempt{voter: voter, tier: tier, weight: weight}
		}

		actor, ok := w.e.pool.Actor(next.voter)
		if !ok {
			w.drop(next.voter)
			continue
		}

		w.enter(StateExecuting)
		log := w.logger.With().Str("voter", next.voter).Int("weight", next.weight).Str("tier", string(next.tier)).Logger()
		err := w.e.broadcaster.Vote(ctx, actor, w.target, next.weight)
		w.e.tracker.ConsumeCheckable(next.voter)
		w.publish(next, err)

		if err == nil {
			w.votes++
			w.e.state.RecordAuthorVote(ev.Author, w.e.clock.Now())
			log.Info().Msg("voted")
			if !w.exhaustive() {
				return nil
			}
			w.drop(next.voter)
			if limit := w.e.rules.MaxVotesPerPost; limit > 0 && w.votes >= limit {
				log.Info().Int("votes", w.votes).Msg("vote cap reached")
				return nil
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		code := domain.SubmitCodeOf(err)
		switch code {
		case domain.SubmitDuplicate, domain.SubmitCapacityTooSmall:
			log.Info().Str("code", code.String()).Msg("dropping voter")
			w.drop(next.voter)
			continue

		case domain.SubmitRateExceeded:
			if (w.exhaustive() || len(w.eligible) == 1) && rateRetries < w.e.rules.MaxRateRetries {
				rateRetries++
				w.enter(StateRetrying)
				log.Info().Dur("pause", w.e.rules.RateLimitPause).Msg("rate limited, retrying same voter")
				if err := w.e.clock.Sleep(ctx, w.e.rules.RateLimitPause); err != nil {
					return err
				}
				again = &next
				continue
			}
			log.Info().Msg("rate limited, dropping voter")
			w.drop(next.voter)
			continue

		case domain.SubmitWindowClosed:
			log.Warn().Err(err).Msg("voting window closed")
			return nil

		case domain.SubmitNonCanonical:
			if canonicalRetries < w.e.rules.MaxCanonicalRetries {
				canonicalRetries++
				log.Debug().Msg("non-canonical signature, resubmitting")
				again = &next
				continue
			}
			fallthrough

		default:
			w.enter(StateRetrying)
			pause := w.backoff.Next()
			log.Warn().Err(err).Dur("pause", pause).Msg("vote failed, dropping voter")
			w.drop(next.voter)
			if err := w.e.clock.Sleep(ctx, pause); err != nil {
				return err
			}
		}
	}
}

func (w *VoteWorkflow) publish(a attempt, err error) {
	outcome := domain.VoteOutcome{
		RunID:  w.runID,
		Voter:  a.voter,
		Target: w.target,
		Weight: a.weight,
		Tier:   a.tier,
		Status: domain.OutcomeVoted,
		At:     w.e.clock.Now(),
	}
	if err != nil {
		outcome.Status = domain.OutcomeFailed
		outcome.Code = domain.SubmitCodeOf(err)
		outcome.Error = err.Error()
	}
	w.e.outcomes.enqueue(outcome)
}
