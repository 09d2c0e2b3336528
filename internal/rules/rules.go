package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/0xRichardL/vibe-voter/internal/domain"
	"github.com/rs/zerolog"
)

// Mode selects how many actors vote on one piece of content.
type Mode string

const (
	// ModeSingle votes with one randomly chosen actor.
	ModeSingle Mode = "single"
	// ModeExhaustive votes with every eligible actor.
	ModeExhaustive Mode = "exhaustive"
	ModeDisabled   Mode = "disabled"
)

// ZeroWeightPolicy decides what an exhaustive run does with an actor whose
// tier weight for the author is zero.
type ZeroWeightPolicy string

const (
	ZeroWeightDrop ZeroWeightPolicy = "drop"
	ZeroWeightStop ZeroWeightPolicy = "stop"
)

// MaxWeight is 100.00% in hundredths of a percent.
const MaxWeight = 10000

var (
	ErrInvalidMode     = errors.New("rules: invalid mode")
	ErrInvalidWeight   = errors.New("rules: weight out of range")
	ErrInvalidWait     = errors.New("rules: invalid wait window")
	ErrInvalidRep      = errors.New("rules: invalid reputation bounds")
	ErrInvalidPolicy   = errors.New("rules: invalid zero weight policy")
	ErrInvalidTuning   = errors.New("rules: invalid tuning value")
	ErrNoActors        = errors.New("rules: no voters configured")
	ErrInvalidVoterRow = errors.New("rules: malformed voter entry")
)

// TierWeights are vote weights in hundredths of a percent per relation tier.
type TierWeights struct {
	Default   int
	Favorite  int
	Following int
	Follower  int
}

func (w TierWeights) For(t domain.Tier) int {
	switch t {
	case domain.TierFavorite:
		return w.Favorite
	case domain.TierFollowing:
		return w.Following
	case domain.TierFollower:
		return w.Follower
	default:
		return w.Default
	}
}

func (w TierWeights) allZero() bool {
	return w.Default == 0 && w.Favorite == 0 && w.Following == 0 && w.Follower == 0
}

// RepFloor is either a fixed minimum reputation or, when Dynamic, the lowest
// reputation among the top TrendingLimit trending posts.
type RepFloor struct {
	Dynamic       bool
	Value         float64
	TrendingLimit int
}

// Set is a case-insensitive string set.
type Set map[string]struct{}

func NewSet(items ...string) Set {
	s := make(Set, len(items))
	for _, it := range items {
		it = strings.ToLower(strings.TrimSpace(it))
		if it != "" {
			s[it] = struct{}{}
		}
	}
	return s
}

func (s Set) Has(v string) bool {
	_, ok := s[strings.ToLower(v)]
	return ok
}

// Any reports whether any of vs is in the set.
func (s Set) Any(vs ...string) bool {
	for _, v := range vs {
		if s.Has(v) {
			return true
		}
	}
	return false
}

// Rules is the eligibility configuration. It is built once at startup and
// only read afterwards.
type Rules struct {
	Mode    Mode
	Weights TierWeights

	EnableComments     bool
	OnlyFirstPosts     bool
	OnlyFullyPoweredUp bool

	MinWait time.Duration
	MaxWait time.Duration

	MinRep RepFloor
	// MaxRep of zero disables the ceiling.
	MaxRep float64

	// MinVotingPower is in hundredths of a percent.
	MinVotingPower int

	// UniqueAuthorCooldown of zero disables the per-author window.
	UniqueAuthorCooldown time.Duration
	// MaxVotesPerPost of zero means no cap (exhaustive mode only).
	MaxVotesPerPost  int
	ZeroWeightPolicy ZeroWeightPolicy

	Favorites    Set
	SkipAccounts Set
	SkipTags     Set
	FlagSignals  Set
	VoteSignals  Set

	DynamicRepRefreshProbability  float64
	RelationInvalidateProbability float64
	RelationPageSize              int
	RechargeCheckInterval         time.Duration
	RechargeCooldown              time.Duration

	SettleDelay         time.Duration
	RateLimitPause      time.Duration
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	MaxRateRetries      int
	MaxCanonicalRetries int
}

// Default returns the rules used for any field the rules file leaves out.
func Default() Rules {
	return Rules{
		Mode: ModeSingle,
		Weights: TierWeights{
			Default:   MaxWeight,
			Favorite:  MaxWeight,
			Following: MaxWeight,
			Follower:  MaxWeight,
		},
		MinWait:          time.Minute,
		MaxWait:          3 * time.Minute,
		MinRep:           RepFloor{Value: domain.ReputationBaseline},
		MaxRep:           99.9,
		MinVotingPower:   0,
		ZeroWeightPolicy: ZeroWeightDrop,

		Favorites:    Set{},
		SkipAccounts: Set{},
		SkipTags:     Set{},
		FlagSignals:  Set{},
		VoteSignals:  Set{},

		DynamicRepRefreshProbability:  0.05,
		RelationInvalidateProbability: 0.01,
		RelationPageSize:              100,
		RechargeCheckInterval:         5 * time.Minute,
		RechargeCooldown:              4320 * time.Second,

		SettleDelay:         3 * time.Second,
		RateLimitPause:      3 * time.Second,
		InitialBackoff:      200 * time.Millisecond,
		MaxBackoff:          12800 * time.Millisecond,
		MaxRateRetries:      5,
		MaxCanonicalRetries: 10,
	}
}

// Validate checks ranges and applies the all-zero-weights rule.
func (r *Rules) Validate() error {
	switch r.Mode {
	case ModeSingle, ModeExhaustive, ModeDisabled:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, r.Mode)
	}
	for name, w := range map[string]int{
		"vote_weight":           r.Weights.Default,
		"favorites_vote_weight": r.Weights.Favorite,
		"following_vote_weight": r.Weights.Following,
		"followers_vote_weight": r.Weights.Follower,
		"min_voting_power":      r.MinVotingPower,
	} {
		if w < 0 || w > MaxWeight {
			return fmt.Errorf("%w: %s=%d", ErrInvalidWeight, name, w)
		}
	}
	if r.MinWait < 0 || r.MaxWait < r.MinWait {
		return fmt.Errorf("%w: [%s, %s]", ErrInvalidWait, r.MinWait, r.MaxWait)
	}
	if r.MinRep.Dynamic && r.MinRep.TrendingLimit <= 0 {
		return fmt.Errorf("%w: dynamic floor needs a positive trending limit", ErrInvalidRep)
	}
	if r.MaxRep != 0 && !r.MinRep.Dynamic && r.MaxRep < r.MinRep.Value {
		return fmt.Errorf("%w: max_rep %.2f below min_rep %.2f", ErrInvalidRep, r.MaxRep, r.MinRep.Value)
	}
	switch r.ZeroWeightPolicy {
	case ZeroWeightDrop, ZeroWeightStop:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPolicy, r.ZeroWeightPolicy)
	}
	if r.DynamicRepRefreshProbability < 0 || r.DynamicRepRefreshProbability > 1 ||
		r.RelationInvalidateProbability < 0 || r.RelationInvalidateProbability > 1 {
		return fmt.Errorf("%w: probabilities must be within [0, 1]", ErrInvalidTuning)
	}
	if r.RelationPageSize <= 0 || r.InitialBackoff <= 0 || r.MaxBackoff < r.InitialBackoff {
		return fmt.Errorf("%w: page size and backoff must be positive", ErrInvalidTuning)
	}
	if r.MaxVotesPerPost < 0 || r.MaxRateRetries < 0 || r.MaxCanonicalRetries < 0 {
		return fmt.Errorf("%w: retry and vote caps must not be negative", ErrInvalidTuning)
	}
	if r.Weights.allZero() {
		r.Mode = ModeDisabled
	}
	return nil
}

// ActorPool maps actor names to signing credentials. It never prints the
// credentials.
type ActorPool struct {
	actors map[string]string
}

func NewActorPool(creds map[string]string) ActorPool {
	actors := make(map[string]string, len(creds))
	for name, key := range creds {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		actors[name] = strings.TrimSpace(key)
	}
	return ActorPool{actors: actors}
}

func (p ActorPool) Len() int {
	return len(p.actors)
}

// Names returns the actor names in lexical order.
func (p ActorPool) Names() []string {
	names := make([]string, 0, len(p.actors))
	for name := range p.actors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p ActorPool) Actor(name string) (domain.Actor, bool) {
	key, ok := p.actors[name]
	if !ok {
		return domain.Actor{}, false
	}
	return domain.Actor{Name: name, Credential: key}, true
}

func (p ActorPool) Actors() []domain.Actor {
	out := make([]domain.Actor, 0, len(p.actors))
	for _, name := range p.Names() {
		out = append(out, domain.Actor{Name: name, Credential: p.actors[name]})
	}
	return out
}

func (p ActorPool) String() string {
	return "ActorPool" + fmt.Sprint(p.Names())
}

func (p ActorPool) MarshalZerologObject(e *zerolog.Event) {
	e.Int("count", p.Len()).Strs("names", p.Names())
}
