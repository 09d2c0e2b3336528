package services

import (
	"math/rand/v2"

	"github.com/0xRichardL/vibe-voter/internal/domain"
	"github.com/0xRichardL/vibe-voter/internal/rules"
	"github.com/0xRichardL/vibe-voter/internal/state"
	"github.com/rs/zerolog"
)

// EngineDeps lists what the voting core is built from. Clock, IntN, Float64
// and Outcomes are optional.
type EngineDeps struct {
	Rules       rules.Rules
	Pool        rules.ActorPool
	Ledger      Ledger
	Broadcaster Broadcaster
	Outcomes    OutcomeSink
	State       *state.Store
	Clock       Clock
	IntN        func(n int) int
	Float64     func() float64
	Logger      zerolog.Logger
}

// Engine holds the collaborators shared by every vote workflow.
type Engine struct {
	rules       rules.Rules
	pool        rules.ActorPool
	ledger      Ledger
	broadcaster Broadcaster
	outcomes    *outcomeQueue
	state       *state.Store
	clock       Clock
	intn        func(int) int
	logger      zerolog.Logger

	filter    *AdmissionFilter
	tracker   *ResourceTracker
	relations *RelationCache
	weights   *WeightPicker
}

func NewEngine(d EngineDeps) *Engine {
	if d.Clock == nil {
		d.Clock = RealClock
	}
	if d.IntN == nil {
		d.IntN = rand.IntN
	}
	if d.Float64 == nil {
		d.Float64 = rand.Float64
	}
	if d.Outcomes == nil {
		d.Outcomes = nopSink{}
	}
	if d.State == nil {
		d.State = state.NewStore()
	}

	relations := NewRelationCache(d.Ledger, d.State, d.Rules.RelationPageSize, d.Rules.RelationInvalidateProbability, d.Float64)
	return &Engine{
		rules:       d.Rules,
		pool:        d.Pool,
		ledger:      d.Ledger,
		broadcaster: d.Broadcaster,
		outcomes:    newOutcomeQueue(d.Outcomes, outcomeQueueSize, d.Logger.With().Str("component", "outcomes").Logger()),
		state:       d.State,
		clock:       d.Clock,
		intn:        d.IntN,
		logger:      d.Logger,

		filter:  NewAdmissionFilter(d.Rules, d.Ledger, d.State, d.Clock, d.Float64, d.Logger),
		tracker: NewResourceTracker(d.Ledger, d.State, d.Clock, ResourceTrackerConfig{
			Actors:    d.Pool.Names(),
			Threshold: d.Rules.MinVotingPower,
			Interval:  d.Rules.RechargeCheckInterval,
			Cooldown:  d.Rules.RechargeCooldown,
		}, d.Logger),
		relations: relations,
		weights:   NewWeightPicker(d.Rules, relations),
	}
}

// Close flushes outcomes still queued for the sink. Call it once no
// workflow is running.
func (e *Engine) Close() {
	e.outcomes.close()
}

func (e *Engine) Filter() *AdmissionFilter  { return e.filter }
func (e *Engine) Tracker() *ResourceTracker { return e.tracker }
func (e *Engine) Relations() *RelationCache { return e.relations }
func (e *Engine) Rules() rules.Rules        { return e.rules }

// eligibleActors is the starting voter set for an event: the whole pool,
// minus actors under the voting power threshold unless marked checkable,
// and in exhaustive mode minus actors that already voted.
func (e *Engine) eligibleActors(ev domain.CandidateEvent) []string {
	below := make(map[string]struct{})
	for _, name := range e.tracker.BelowThreshold() {
		below[name] = struct{}{}
	}
	out := make([]string, 0, e.pool.Len())
	for _, name := range e.pool.Names() {
		if e.rules.Mode == rules.ModeExhaustive && ev.HasVoted(name) {
			continue
		}
		if _, low := below[name]; low && !e.tracker.IsCheckable(name) {
			continue
		}
		out = append(out, name)
	}
	return out
}
