package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/0xRichardL/vibe-voter/internal/domain"
	"github.com/0xRichardL/vibe-voter/internal/rules"
	"github.com/0xRichardL/vibe-voter/internal/state"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Rejection reasons. Callers match them with errors.Is.
var (
	ErrCommentsDisabled  = errors.New("admission: comments disabled")
	ErrSkipTag           = errors.New("admission: skipped tag")
	ErrSkipAccount       = errors.New("admission: skipped account")
	ErrCashedOut         = errors.New("admission: payout window passed")
	ErrNotFirstPost      = errors.New("admission: not the author's first post")
	ErrNotPoweredUp      = errors.New("admission: not fully powered up")
	ErrPayoutDeclined    = errors.New("admission: payout declined")
	ErrNoEligibleActors  = errors.New("admission: no eligible voters")
	ErrLowRep            = errors.New("admission: low rep")
	ErrHighRep           = errors.New("admission: high rep")
	ErrFlagged           = errors.New("admission: flagged")
	ErrAlreadySignaled   = errors.New("admission: already voted by a signal account")
	ErrAlreadyVoted      = errors.New("admission: already voted by one of our voters")
	ErrAuthorCooldown    = errors.New("admission: already acted within cooldown")
	ErrNoTrendingSamples = errors.New("admission: no trending posts to derive a reputation floor")
)

// AdmissionFilter holds the two eligibility predicates: a cheap PreCheck on
// stream data and a full Check on a freshly fetched snapshot.
type AdmissionFilter struct {
	rules  rules.Rules
	ledger Ledger
	state  *state.Store
	clock  Clock
	random func() float64
	logger zerolog.Logger

	group singleflight.Group
}

func NewAdmissionFilter(r rules.Rules, ledger Ledger, st *state.Store, clock Clock, random func() float64, logger zerolog.Logger) *AdmissionFilter {
	return &AdmissionFilter{
		rules:  r,
		ledger: ledger,
		state:  st,
		clock:  clock,
		random: random,
		logger: logger.With().Str("component", "admission").Logger(),
	}
}

// PreCheck never touches the network.
func (f *AdmissionFilter) PreCheck(ev domain.CandidateEvent) error {
	if ev.IsReply() && !f.rules.EnableComments {
		return ErrCommentsDisabled
	}
	if f.rules.SkipTags.Has(ev.ParentPermlink) {
		return fmt.Errorf("%w: %s", ErrSkipTag, ev.ParentPermlink)
	}
	for _, tag := range ev.NormalizedTags() {
		if f.rules.SkipTags.Has(tag) {
			return fmt.Errorf("%w: %s", ErrSkipTag, tag)
		}
	}
	if f.rules.SkipAccounts.Has(ev.Author) {
		return fmt.Errorf("%w: %s", ErrSkipAccount, ev.Author)
	}
	return nil
}

// Check runs the full predicate against a fetched snapshot. eligible is the
// set of actors that may still vote on the event.
func (f *AdmissionFilter) Check(ctx context.Context, ev domain.CandidateEvent, eligible []string) error {
	now := f.clock.Now()
	if !ev.CashoutTime.IsZero() && !now.Before(ev.CashoutTime) {
		return ErrCashedOut
	}
	if f.rules.OnlyFirstPosts {
		accounts, err := f.ledger.GetAccounts(ctx, []string{ev.Author})
		if err != nil {
			return fmt.Errorf("get author account: %w", err)
		}
		if len(accounts) != 1 || accounts[0].PostCount != 1 {
			return ErrNotFirstPost
		}
	}
	if f.rules.OnlyFullyPoweredUp && ev.PercentNonNativePayout != 0 {
		return ErrNotPoweredUp
	}
	if ev.PayoutDeclined {
		return ErrPayoutDeclined
	}
	if f.rules.Mode == rules.ModeExhaustive && len(eligible) == 0 {
		return ErrNoEligibleActors
	}
	if !f.rules.Favorites.Has(ev.Author) {
		if err := f.checkReputation(ctx, ev.AuthorReputation); err != nil {
			return err
		}
	}

	up, down := ev.Voters()
	for voter := range down {
		if f.rules.FlagSignals.Has(voter) {
			return fmt.Errorf("%w: by %s", ErrFlagged, voter)
		}
	}
	for voter := range up {
		if f.rules.VoteSignals.Has(voter) {
			return fmt.Errorf("%w: %s", ErrAlreadySignaled, voter)
		}
	}
	for _, actor := range eligible {
		if ev.HasVoted(actor) {
			return fmt.Errorf("%w: %s", ErrAlreadyVoted, actor)
		}
	}

	if cooldown := f.rules.UniqueAuthorCooldown; cooldown > 0 {
		if at, ok := f.state.AuthorVotedWithin(ev.Author, now, cooldown); ok {
			return fmt.Errorf("%w: last vote %s ago", ErrAuthorCooldown, now.Sub(at).Round(time.Second))
		}
	}
	return nil
}

func (f *AdmissionFilter) checkReputation(ctx context.Context, raw int64) error {
	rep := domain.EffectiveReputation(raw)
	floor, err := f.repFloor(ctx)
	if err != nil {
		return err
	}
	if rep < floor {
		return fmt.Errorf("%w: %.2f < %.2f", ErrLowRep, rep, floor)
	}
	if f.rules.MaxRep > 0 && rep > f.rules.MaxRep {
		return fmt.Errorf("%w: %.2f > %.2f", ErrHighRep, rep, f.rules.MaxRep)
	}
	return nil
}

// repFloor returns the fixed floor, or the dynamic one. The dynamic floor
// is sampled on first use and then refreshed with a fixed probability per
// evaluation.
func (f *AdmissionFilter) repFloor(ctx context.Context) (float64, error) {
	if !f.rules.MinRep.Dynamic {
		return f.rules.MinRep.Value, nil
	}
	cached, ok := f.state.TrendingFloor()
	if ok && f.random() >= f.rules.DynamicRepRefreshProbability {
		return cached, nil
	}
	v, err, _ := f.group.Do("trending", func() (any, error) {
		reps, err := f.ledger.GetTrendingReputations(ctx, f.rules.MinRep.TrendingLimit)
		if err != nil {
			return nil, fmt.Errorf("get trending: %w", err)
		}
		if len(reps) == 0 {
			return nil, ErrNoTrendingSamples
		}
		floor := math.Inf(1)
		for _, raw := range reps {
			floor = math.Min(floor, domain.EffectiveReputation(raw))
		}
		f.state.SetTrendingFloor(floor)
		f.logger.Debug().Float64("floor", floor).Int("samples", len(reps)).Msg("dynamic reputation floor refreshed")
		return floor, nil
	})
	if err != nil {
		if ok {
			f.logger.Warn().Err(err).Float64("floor", cached).Msg("keeping cached reputation floor")
			return cached, nil
		}
		return 0, err
	}
	return v.(float64), nil
}

var rejections = []error{
	ErrCommentsDisabled, ErrSkipTag, ErrSkipAccount, ErrCashedOut, ErrNotFirstPost,
	ErrNotPoweredUp, ErrPayoutDeclined, ErrNoEligibleActors, ErrLowRep, ErrHighRep,
	ErrFlagged, ErrAlreadySignaled, ErrAlreadyVoted, ErrAuthorCooldown,
}

// IsRejection reports whether err is an eligibility verdict rather than a
// failure to evaluate one.
func IsRejection(err error) bool {
	for _, r := range rejections {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}
