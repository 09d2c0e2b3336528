package rules

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/shopspring/decimal"
)

// percent accepts "100.00 %", "98.5", or a bare YAML number and stores
// hundredths of a percent.
type percent struct {
	set   bool
	value int
}

func (p *percent) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v, err := ParsePercent(fmt.Sprint(raw))
	if err != nil {
		return err
	}
	p.set, p.value = true, v
	return nil
}

// ParsePercent converts a percent literal into hundredths of a percent,
// rounding half away from zero.
func ParsePercent(s string) (int, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" {
		return 0, fmt.Errorf("empty percent")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse percent %q: %w", s, err)
	}
	return int(d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()), nil
}

// repFloor accepts a number or "dynamic[:N]".
type repFloor struct {
	set   bool
	floor RepFloor
}

const defaultTrendingLimit = 100

func (r *repFloor) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	f, err := ParseRepFloor(fmt.Sprint(raw))
	if err != nil {
		return err
	}
	r.set, r.floor = true, f
	return nil
}

func ParseRepFloor(s string) (RepFloor, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.HasPrefix(s, "dynamic") {
		limit := defaultTrendingLimit
		if rest := strings.TrimPrefix(s, "dynamic"); rest != "" {
			n, err := strconv.Atoi(strings.TrimPrefix(rest, ":"))
			if err != nil {
				return RepFloor{}, fmt.Errorf("%w: %q", ErrInvalidRep, s)
			}
			limit = n
		}
		return RepFloor{Dynamic: true, TrendingLimit: limit}, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return RepFloor{}, fmt.Errorf("%w: %q", ErrInvalidRep, s)
	}
	return RepFloor{Value: v}, nil
}

// duration accepts Go duration strings ("3s", "1m30s").
type duration struct {
	set   bool
	value time.Duration
}

func (d *duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTuning, err)
	}
	d.set, d.value = true, v
	return nil
}

// voters accepts either a name -> key mapping or a list of "name key" rows.
type voters map[string]string

func (v *voters) UnmarshalYAML(unmarshal func(any) error) error {
	var m map[string]string
	if err := unmarshal(&m); err == nil {
		*v = m
		return nil
	}
	var rows []string
	if err := unmarshal(&rows); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVoterRow, err)
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		name, key, err := parseVoterRow(row)
		if err != nil {
			return err
		}
		out[name] = key
	}
	*v = out
	return nil
}

func parseVoterRow(row string) (string, string, error) {
	fields := strings.Fields(row)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("%w: expected \"name key\"", ErrInvalidVoterRow)
	}
	return fields[0], fields[1], nil
}

type file struct {
	Mode       string `yaml:"mode"`
	Voters     voters `yaml:"voters"`
	VotersFile string `yaml:"voters_file"`

	VoteWeight          percent `yaml:"vote_weight"`
	FavoritesVoteWeight percent `yaml:"favorites_vote_weight"`
	FollowingVoteWeight percent `yaml:"following_vote_weight"`
	FollowersVoteWeight percent `yaml:"followers_vote_weight"`

	EnableComments     *bool `yaml:"enable_comments"`
	OnlyFirstPosts     *bool `yaml:"only_first_posts"`
	OnlyFullyPoweredUp *bool `yaml:"only_fully_powered_up"`

	MinWait *float64 `yaml:"min_wait"`
	MaxWait *float64 `yaml:"max_wait"`

	MinRep         repFloor `yaml:"min_rep"`
	MaxRep         *float64 `yaml:"max_rep"`
	MinVotingPower percent  `yaml:"min_voting_power"`

	UniqueAuthor     *float64 `yaml:"unique_author"`
	MaxVotesPerPost  *int     `yaml:"max_votes_per_post"`
	ZeroWeightPolicy string   `yaml:"zero_weight_policy"`

	FavoriteAccounts []string `yaml:"favorite_accounts"`
	SkipAccounts     []string `yaml:"skip_accounts"`
	SkipTags         []string `yaml:"skip_tags"`
	FlagSignals      []string `yaml:"flag_signals"`
	VoteSignals      []string `yaml:"vote_signals"`

	DynamicRepRefreshProbability  *float64 `yaml:"dynamic_rep_refresh_probability"`
	RelationInvalidateProbability *float64 `yaml:"relation_invalidate_probability"`
	RelationPageSize              *int     `yaml:"relation_page_size"`
	RechargeCheckInterval         duration `yaml:"recharge_check_interval"`
	RechargeCooldown              duration `yaml:"recharge_cooldown"`
	SettleDelay                   duration `yaml:"settle_delay"`
	RateLimitPause                duration `yaml:"rate_limit_pause"`
	InitialBackoff                duration `yaml:"initial_backoff"`
	MaxBackoff                    duration `yaml:"max_backoff"`
	MaxRateRetries                *int     `yaml:"max_rate_retries"`
	MaxCanonicalRetries           *int     `yaml:"max_canonical_retries"`
}

// Load reads the rules file at path. A relative voters_file is resolved
// against the working directory.
func Load(path string) (Rules, ActorPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, ActorPool{}, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(data)
}

// Parse builds Rules and the ActorPool from rules file contents.
func Parse(data []byte) (Rules, ActorPool, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Rules{}, ActorPool{}, fmt.Errorf("decode rules: %w", err)
	}

	r := Default()
	if f.Mode != "" {
		r.Mode = Mode(strings.ToLower(strings.TrimSpace(f.Mode)))
	}
	applyPercent(&r.Weights.Default, f.VoteWeight)
	applyPercent(&r.Weights.Favorite, f.FavoritesVoteWeight)
	applyPercent(&r.Weights.Following, f.FollowingVoteWeight)
	applyPercent(&r.Weights.Follower, f.FollowersVoteWeight)
	applyPercent(&r.MinVotingPower, f.MinVotingPower)

	if !f.FavoritesVoteWeight.set {
		r.Weights.Favorite = r.Weights.Default
	}
	if !f.FollowingVoteWeight.set {
		r.Weights.Following = r.Weights.Default
	}
	if !f.FollowersVoteWeight.set {
		r.Weights.Follower = r.Weights.Default
	}

	applyBool(&r.EnableComments, f.EnableComments)
	applyBool(&r.OnlyFirstPosts, f.OnlyFirstPosts)
	applyBool(&r.OnlyFullyPoweredUp, f.OnlyFullyPoweredUp)

	if f.MinWait != nil {
		r.MinWait = minutes(*f.MinWait)
	}
	if f.MaxWait != nil {
		r.MaxWait = minutes(*f.MaxWait)
	}
	if f.MinRep.set {
		r.MinRep = f.MinRep.floor
	}
	if f.MaxRep != nil {
		r.MaxRep = *f.MaxRep
	}
	if f.UniqueAuthor != nil {
		r.UniqueAuthorCooldown = minutes(*f.UniqueAuthor)
	}
	if f.MaxVotesPerPost != nil {
		r.MaxVotesPerPost = *f.MaxVotesPerPost
	}
	if f.ZeroWeightPolicy != "" {
		r.ZeroWeightPolicy = ZeroWeightPolicy(strings.ToLower(strings.TrimSpace(f.ZeroWeightPolicy)))
	}

	r.Favorites = NewSet(f.FavoriteAccounts...)
	r.SkipAccounts = NewSet(f.SkipAccounts...)
	r.SkipTags = NewSet(f.SkipTags...)
	r.FlagSignals = NewSet(f.FlagSignals...)
	r.VoteSignals = NewSet(f.VoteSignals...)

	applyFloat(&r.DynamicRepRefreshProbability, f.DynamicRepRefreshProbability)
	applyFloat(&r.RelationInvalidateProbability, f.RelationInvalidateProbability)
	applyInt(&r.RelationPageSize, f.RelationPageSize)
	applyDuration(&r.RechargeCheckInterval, f.RechargeCheckInterval)
	applyDuration(&r.RechargeCooldown, f.RechargeCooldown)
	applyDuration(&r.SettleDelay, f.SettleDelay)
	applyDuration(&r.RateLimitPause, f.RateLimitPause)
	applyDuration(&r.InitialBackoff, f.InitialBackoff)
	applyDuration(&r.MaxBackoff, f.MaxBackoff)
	applyInt(&r.MaxRateRetries, f.MaxRateRetries)
	applyInt(&r.MaxCanonicalRetries, f.MaxCanonicalRetries)

	if err := r.Validate(); err != nil {
		return Rules{}, ActorPool{}, err
	}

	creds := map[string]string(f.Voters)
	if f.VotersFile != "" {
		fromFile, err := loadVotersFile(f.VotersFile)
		if err != nil {
			return Rules{}, ActorPool{}, err
		}
		if creds == nil {
			creds = make(map[string]string, len(fromFile))
		}
		for name, key := range fromFile {
			creds[name] = key
		}
	}
	pool := NewActorPool(creds)
	if pool.Len() == 0 && r.Mode != ModeDisabled {
		return Rules{}, ActorPool{}, ErrNoActors
	}
	return r, pool, nil
}

// loadVotersFile reads "name key" rows; blank lines and # comments are skipped.
func loadVotersFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read voters file: %w", err)
	}
	out := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		row := strings.TrimSpace(sc.Text())
		if row == "" || strings.HasPrefix(row, "#") {
			continue
		}
		name, key, err := parseVoterRow(row)
		if err != nil {
			return nil, fmt.Errorf("voters file line %d: %w", line, err)
		}
		out[name] = key
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan voters file: %w", err)
	}
	return out, nil
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

func applyPercent(dst *int, p percent) {
	if p.set {
		*dst = p.value
	}
}

func applyBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func applyFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func applyInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func applyDuration(dst *time.Duration, d duration) {
	if d.set {
		*dst = d.value
	}
}
