package services

import (
	"context"
	"testing"
	"time"

	"github.com/0xRichardL/vibe-voter/internal/domain"
	"github.com/0xRichardL/vibe-voter/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runWorkflow(t *testing.T, h *harness, ev domain.CandidateEvent, offset time.Duration) *VoteWorkflow {
	t.Helper()
	wf := h.engine.NewWorkflow(ev.Key(), offset)
	require.NoError(t, wf.Run(context.Background()))
	return wf
}

func TestWorkflowSingleModeStopsAfterOneVote(t *testing.T) {
	h := newHarness(t, testRules(), "alice", "bob")
	ev := post("carol", "hello")
	h.ledger.addContent(ev)

	wf := runWorkflow(t, h, ev, 0)

	assert.Equal(t, []string{"alice"}, h.bc.voters())
	assert.Equal(t, 1, wf.Votes())
	assert.Equal(t, []WorkflowState{
		StateFetching, StatePreValidating, StateWaiting, StateRevalidating,
		StateSelecting, StateExecuting, StateDone,
	}, wf.Trace())
	assert.Equal(t, []time.Duration{time.Minute}, h.clock.Sleeps())
	assert.Equal(t, 2, h.ledger.calls())

	outcomes := h.outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.OutcomeVoted, outcomes[0].Status)
	assert.Equal(t, domain.TierDefault, outcomes[0].Tier)
	assert.Equal(t, rules.MaxWeight, outcomes[0].Weight)
	assert.Equal(t, ev.Key(), outcomes[0].Target)
	assert.NotEmpty(t, outcomes[0].RunID)

	_, recorded := h.state.AuthorVotedWithin("carol", h.clock.Now(), time.Hour)
	assert.True(t, recorded)
}

func TestWorkflowExhaustiveVotesEachActorOnce(t *testing.T) {
	r := testRules()
	r.Mode = rules.ModeExhaustive
	h := newHarness(t, r, "a", "b", "c", "d")
	ev := post("carol", "hello")
	ev.ActiveVotes = []domain.ActiveVote{{Voter: "b", Percent: 10000}}
	h.ledger.addContent(ev)

	wf := runWorkflow(t, h, ev, 0)

	assert.Equal(t, []string{"a", "c", "d"}, h.bc.voters())
	assert.Equal(t, 3, wf.Votes())
}

func TestWorkflowExhaustiveStopsAtVoteCap(t *testing.T) {
	r := testRules()
	r.Mode = rules.ModeExhaustive
	r.MaxVotesPerPost = 2
	h := newHarness(t, r, "a", "b", "c")
	ev := post("carol", "hello")
	h.ledger.addContent(ev)

	wf := runWorkflow(t, h, ev, 0)

	assert.Equal(t, []string{"a", "b"}, h.bc.voters())
	assert.Equal(t, 2, wf.Votes())
}

func TestWorkflowSkipsActorBelowThreshold(t *testing.T) {
	r := testRules()
	r.MinVotingPower = 1000
	h := newHarness(t, r, "alice")
	h.ledger.setVP(map[string]int{"alice": 500})
	h.ledger.history["alice"] = []time.Time{t0.Add(-10 * time.Minute)}
	ev := post("carol", "hello")
	h.ledger.addContent(ev)

	wf := runWorkflow(t, h, ev, 0)

	assert.Empty(t, h.bc.voters())
	assert.Zero(t, wf.Votes())
}

func TestWorkflowPrefersActorAboveThreshold(t *testing.T) {
	r := testRules()
	r.MinVotingPower = 1000
	h := newHarness(t, r, "alice", "bob")
	h.ledger.setVP(map[string]int{"alice": 500, "bob": 9000})
	h.ledger.history["alice"] = []time.Time{t0.Add(-10 * time.Minute)}
	ev := post("carol", "hello")
	h.ledger.addContent(ev)

	runWorkflow(t, h, ev, 0)

	assert.Equal(t, []string{"bob"}, h.bc.voters())
}

func TestWorkflowProbesRechargedActor(t *testing.T) {
	r := testRules()
	r.MinVotingPower = 1000
	h := newHarness(t, r, "alice")
	h.ledger.setVP(map[string]int{"alice": 500})
	h.ledger.history["alice"] = []time.Time{t0.Add(-2 * time.Hour)}
	ev := post("carol", "hello")
	h.ledger.addContent(ev)

	runWorkflow(t, h, ev, 0)

	assert.Equal(t, []string{"alice"}, h.bc.voters())
	assert.False(t, h.state.IsCheckable("alice"), "probe mark is spent by the attempt")
}

func TestWorkflowRateLimitedRetriesSameActorInExhaustiveMode(t *testing.T) {
	r := testRules()
	r.Mode = rules.ModeExhaustive
	h := newHarness(t, r, "a", "b")
	h.bc.fail("a", submitErr(domain.SubmitRateExceeded, "Can only vote once every 3 seconds."))
	ev := post("carol", "hello")
	h.ledger.addContent(ev)

	wf := runWorkflow(t, h, ev, 0)

	assert.Equal(t, []string{"a", "a", "b"}, h.bc.voters())
	assert.Equal(t, 2, wf.Votes())
	assert.Equal(t, []time.Duration{time.Minute, r.RateLimitPause}, h.clock.Sleeps())
	assert.Contains(t, wf.Trace(), StateRetrying)
}

func TestWorkflowRateLimitBudgetIsPerActor(t *testing.T) {
	r := testRules()
	r.Mode = rules.ModeExhaustive
	r.MaxRateRetries = 2
	actors := []string{"a", "b", "c", "d", "e", "f", "g"}
	h := newHarness(t, r, actors...)
	for _, a := range actors {
		h.bc.fail(a, submitErr(domain.SubmitRateExceeded, "Can only vote once every 3 seconds."))
	}
	ev := post("carol", "hello")
	h.ledger.addContent(ev)

	wf := runWorkflow(t, h, ev, 0)

	assert.Equal(t, []string{"a", "a", "b", "b", "c", "c", "d", "d", "e", "e", "f", "f", "g", "g"}, h.bc.voters())
	assert.Equal(t, len(actors), wf.Votes())
}

func TestWorkflowNonCanonicalBudgetIsPerActor(t *testing.T) {
	r := testRules()
	r.Mode = rules.ModeExhaustive
	r.MaxCanonicalRetries = 1
	h := newHarness(t, r, "a", "b", "c")
	nc := submitErr(domain.SubmitNonCanonical, "signature is not canonical")
	h.bc.fail("a", nc)
	h.bc.fail("b", nc)
	h.bc.fail("c", nc)
	ev := post("carol", "hello")
	h.ledger.addContent(ev)

	wf := runWorkflow(t, h, ev, 0)

	assert.Equal(t, []string{"a", "a", "b", "b", "c", "c"}, h.bc.voters())
	assert.Equal(t, 3, wf.Votes())
}

func TestWorkflowRateLimitedDropsActorInSingleMode(t *testing.T) {
	r := testRules()
	h := newHarness(t, r, "a", "b")
	h.bc.fail("a", submitErr(domain.SubmitRateExceeded, "Can only vote once every 3 seconds."))
	ev := post("carol", "hello")
	h.ledger.addContent(ev)

	runWorkflow(t, h, ev, 0)

	assert.Equal(t, []string{"a", "b"}, h.bc.voters())
	assert.Equal(t, []time.Duration{time.Minute}, h.clock.Sleeps())
}

func TestWorkflowRateLimitRetriesAreBounded(t *testing.T) {
	r := testRules()
	r.MaxRateRetries = 3
	h := newHarness(t, r, "a")
	rate := submitErr(domain.SubmitRateExceeded, "Can only vote once every 3 seconds.")
	h.bc.fail("a", rate, rate, rate, rate, rate, rate, rate)
	ev := post("carol", "hello")
	h.ledger.addContent(ev)

	wf := runWorkflow(t, h, ev, 0)

	assert.Len(t, h.bc.voters(), 4)
	assert.Zero(t, wf.Votes())
}

func TestWorkflowDropsDuplicateAndSmallCapacity(t *testing.T) {
	r := testRules()
	r.Mode = rules.ModeExhaustive
	h := newHarness(t, r, "a", "b", "c")
	h.bc.fail("a", submitErr(domain.SubmitDuplicate, "You have already voted in a similar way."))
	h.bc.fail("b", submitErr(domain.SubmitCapacityTooSmall, "Voting weight is too small, please accumulate more voting power."))
	ev := post("carol", "hello")
	h.ledger.addContent(ev)

	wf := runWorkflow(t, h, ev, 0)

	assert.Equal(t, []string{"a", "b", "c"}, h.bc.voters())
	assert.Equal(t, 1, wf.Votes())

	outcomes := h.outcomes()
	require.Len(t, outcomes, 3)
	assert.Equal(t, domain.OutcomeFailed, outcomes[0].Status)
	assert.Equal(t, domain.SubmitDuplicate, outcomes[0].Code)
	assert.Equal(t, domain.SubmitCapacityTooSmall, outcomes[1].Code)
	assert.Equal(t, domain.OutcomeVoted, outcomes[2].Status)
}

func TestWorkflowStopsWhenWindowClosed(t *testing.T) {
	r := testRules()
	r.Mode = rules.ModeExhaustive
	h := newHarness(t, r, "a", "b")
	h.bc.fail("a", submitErr(domain.SubmitWindowClosed, "Cannot vote within the last minute before payout."))
	ev := post("carol", "hello")
	h.ledger.addContent(ev)

	wf := runWorkflow(t, h, ev, 0)

	assert.Equal(t, []string{"a"}, h.bc.voters())
	assert.Zero(t, wf.Votes())
}

func TestWorkflowResubmitsNonCanonicalImmediately(t *testing.T) {
	h := newHarness(t, testRules(), "a", "b")
	nc := submitErr(domain.SubmitNonCanonical, "signature is not canonical")
	h.bc.fail("a", nc, nc)
	ev := post("carol", "hello")
	h.ledger.addContent(ev)

	wf := runWorkflow(t, h, ev, 0)

	assert.Equal(t, []string{"a", "a", "a"}, h.bc.voters())
	assert.Equal(t, 1, wf.Votes())
	assert.Equal(t, []time.Duration{time.Minute}, h.clock.Sleeps())
}

func TestWorkflowBacksOffOnUnknownError(t *testing.T) {
	r := testRules()
	r.Mode = rules.ModeExhaustive
	h := newHarness(t, r, "a", "b", "c")
	h.bc.fail("a", errBoom)
	h.bc.fail("b", errBoom)
	ev := post("carol", "hello")
	h.ledger.addContent(ev)

	wf := runWorkflow(t, h, ev, 0)

	assert.Equal(t, []string{"a", "b", "c"}, h.bc.voters())
	assert.Equal(t, 1, wf.Votes())
	assert.Equal(t, []time.Duration{time.Minute, 200 * time.Millisecond, 400 * time.Millisecond}, h.clock.Sleeps())
	assert.Equal(t, domain.SubmitUnknown, h.outcomes()[0].Code)
}

func TestWorkflowZeroWeight(t *testing.T) {
	base := testRules()
	base.Mode = rules.ModeExhaustive
	base.Weights = rules.TierWeights{Default: 0, Favorite: 10000, Following: 5000, Follower: 0}

	t.Run("single mode stops", func(t *testing.T) {
		r := base
		r.Mode = rules.ModeSingle
		h := newHarness(t, r, "a", "b")
		h.ledger.following["b"] = []string{"carol"}
		ev := post("carol", "hello")
		h.ledger.addContent(ev)

		runWorkflow(t, h, ev, 0)
		assert.Empty(t, h.bc.voters())
	})

	t.Run("exhaustive drop continues", func(t *testing.T) {
		h := newHarness(t, base, "a", "b")
		h.ledger.following["b"] = []string{"carol"}
		ev := post("carol", "hello")
		h.ledger.addContent(ev)

		runWorkflow(t, h, ev, 0)
		require.Len(t, h.bc.calls, 1)
		assert.Equal(t, "b", h.bc.calls[0].voter)
		assert.Equal(t, 5000, h.bc.calls[0].weight)
	})

	t.Run("exhaustive stop policy", func(t *testing.T) {
		r := base
		r.ZeroWeightPolicy = rules.ZeroWeightStop
		h := newHarness(t, r, "a", "b")
		h.ledger.following["b"] = []string{"carol"}
		ev := post("carol", "hello")
		h.ledger.addContent(ev)

		runWorkflow(t, h, ev, 0)
		assert.Empty(t, h.bc.voters())
	})
}

func TestWorkflowLateEventSettlesInsteadOfWaiting(t *testing.T) {
	h := newHarness(t, testRules(), "alice")
	ev := post("carol", "hello")
	h.ledger.addContent(ev)

	wf := runWorkflow(t, h, ev, 5*time.Minute)

	assert.Equal(t, []time.Duration{3 * time.Second}, h.clock.Sleeps())
	assert.Equal(t, 1, h.ledger.calls())
	assert.NotContains(t, wf.Trace(), StateWaiting)
	assert.Equal(t, []string{"alice"}, h.bc.voters())
}

func TestWorkflowOffsetShortensWait(t *testing.T) {
	h := newHarness(t, testRules(), "alice")
	ev := post("carol", "hello")
	h.ledger.addContent(ev)

	runWorkflow(t, h, ev, 20*time.Second)

	assert.Equal(t, []time.Duration{40 * time.Second}, h.clock.Sleeps())
}

func TestWorkflowAuthorCooldownRejects(t *testing.T) {
	r := testRules()
	r.UniqueAuthorCooldown = time.Hour
	h := newHarness(t, r, "alice")
	h.state.RecordAuthorVote("carol", t0.Add(-10*time.Minute))
	ev := post("carol", "hello")
	h.ledger.addContent(ev)

	wf := runWorkflow(t, h, ev, 0)

	assert.Empty(t, h.bc.voters())
	assert.Equal(t, []WorkflowState{StateFetching, StatePreValidating, StateDone}, wf.Trace())
}

func TestWorkflowRejectsOnRevalidation(t *testing.T) {
	r := testRules()
	r.FlagSignals = rules.NewSet("spaminator")
	h := newHarness(t, r, "alice")
	ev := post("carol", "hello")
	flagged := ev
	flagged.ActiveVotes = []domain.ActiveVote{{Voter: "spaminator", Percent: -10000}}
	h.ledger.addContent(ev, flagged)

	wf := runWorkflow(t, h, ev, 0)

	assert.Empty(t, h.bc.voters())
	assert.Equal(t, 2, h.ledger.calls())
	assert.Contains(t, wf.Trace(), StateRevalidating)
}

func TestWorkflowFetchFailureEndsRun(t *testing.T) {
	h := newHarness(t, testRules(), "alice")
	h.ledger.contentErr = errBoom

	wf := h.engine.NewWorkflow(domain.TargetKey{Author: "carol", Permlink: "hello"}, 0)
	err := wf.Run(context.Background())

	require.ErrorIs(t, err, errBoom)
	assert.Empty(t, h.bc.voters())
	assert.Equal(t, []WorkflowState{StateFetching, StateDone}, wf.Trace())
}

func TestWorkflowCancelledDuringWait(t *testing.T) {
	h := newHarness(t, testRules(), "alice")
	ev := post("carol", "hello")
	h.ledger.addContent(ev)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.engine.NewWorkflow(ev.Key(), 0).Run(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.bc.voters())
}

func TestWorkflowStateString(t *testing.T) {
	assert.Equal(t, "revalidating", StateRevalidating.String())
	assert.Equal(t, "unknown", WorkflowState(42).String())
}

func TestWorkflowSlowSinkDoesNotDelayVotes(t *testing.T) {
	r := testRules()
	r.Mode = rules.ModeExhaustive
	sink := newSlowSink()
	h := newHarnessWithSink(t, r, sink, "a", "b", "c")
	ev := post("carol", "hello")
	h.ledger.addContent(ev)

	done := make(chan *VoteWorkflow, 1)
	go func() {
		wf := h.engine.NewWorkflow(ev.Key(), 0)
		assert.NoError(t, wf.Run(context.Background()))
		done <- wf
	}()

	select {
	case wf := <-done:
		assert.Equal(t, 3, wf.Votes())
	case <-time.After(2 * time.Second):
		t.Fatal("workflow blocked on outcome publishing")
	}
	assert.Equal(t, []string{"a", "b", "c"}, h.bc.voters())
	assert.Empty(t, sink.all())

	close(sink.release)
	h.engine.Close()
	assert.Len(t, sink.all(), 3)
}
