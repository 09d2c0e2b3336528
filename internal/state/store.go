// Package state owns the mutable state shared by every vote workflow.
// All reads and writes go through one mutex; no method holds it across a
// remote call.
package state

import (
	"sort"
	"sync"
	"time"
)

// Relation names a cached social-graph direction.
type Relation int

const (
	Following Relation = iota
	Followers
)

func (r Relation) String() string {
	if r == Followers {
		return "followers"
	}
	return "following"
}

// Summary is a point-in-time view of the voting power cache.
type Summary struct {
	Average    float64   `json:"average"`
	Min        int       `json:"min"`
	Max        int       `json:"max"`
	Threshold  int       `json:"threshold"`
	Polled     int       `json:"polled"`
	Checkable  []string  `json:"checkable"`
	LastPolled time.Time `json:"last_polled"`
}

type relationKey struct {
	rel   Relation
	actor string
}

type Store struct {
	mu sync.Mutex

	votingPower map[string]int
	minVP       int
	maxVP       int
	avgVP       float64
	lastPoll    time.Time

	checkable     map[string]struct{}
	lastRecharge  time.Time
	relations     map[relationKey]map[string]struct{}
	authorVotes   map[string]time.Time
	trendingFloor float64
	trendingSet   bool
}

func NewStore() *Store {
	return &Store{
		votingPower: make(map[string]int),
		checkable:   make(map[string]struct{}),
		relations:   make(map[relationKey]map[string]struct{}),
		authorVotes: make(map[string]time.Time),
	}
}

// SetVotingPower replaces cached capacity for the given actors and
// recomputes the aggregates over the whole cache.
func (s *Store) SetVotingPower(values map[string]int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for actor, vp := range values {
		s.votingPower[actor] = vp
	}
	s.lastPoll = at
	s.recomputeLocked()
}

func (s *Store) recomputeLocked() {
	if len(s.votingPower) == 0 {
		s.minVP, s.maxVP, s.avgVP = 0, 0, 0
		return
	}
	first := true
	total := 0
	for _, vp := range s.votingPower {
		if first || vp < s.minVP {
			s.minVP = vp
		}
		if first || vp > s.maxVP {
			s.maxVP = vp
		}
		first = false
		total += vp
	}
	s.avgVP = float64(total) / float64(len(s.votingPower))
}

// VotingPower returns the cached capacity of actor and whether it was ever polled.
func (s *Store) VotingPower(actor string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vp, ok := s.votingPower[actor]
	return vp, ok
}

// Below returns the polled actors whose capacity is under threshold, sorted.
func (s *Store) Below(threshold int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for actor, vp := range s.votingPower {
		if vp < threshold {
			out = append(out, actor)
		}
	}
	sort.Strings(out)
	return out
}

// Summary reports the aggregates for threshold.
func (s *Store) Summary(threshold int) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	checkable := make([]string, 0, len(s.checkable))
	for actor := range s.checkable {
		checkable = append(checkable, actor)
	}
	sort.Strings(checkable)
	return Summary{
		Average:    s.avgVP,
		Min:        s.minVP,
		Max:        s.maxVP,
		Threshold:  threshold,
		Polled:     len(s.votingPower),
		Checkable:  checkable,
		LastPolled: s.lastPoll,
	}
}

// RechargeDue reports whether interval has passed since the last recharge
// check and, if so, stamps now as the new check time.
func (s *Store) RechargeDue(now time.Time, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastRecharge.IsZero() && now.Sub(s.lastRecharge) < interval {
		return false
	}
	s.lastRecharge = now
	return true
}

func (s *Store) MarkCheckable(actor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkable[actor] = struct{}{}
}

func (s *Store) IsCheckable(actor string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.checkable[actor]
	return ok
}

// ConsumeCheckable clears the mark and reports whether it was set.
func (s *Store) ConsumeCheckable(actor string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.checkable[actor]
	delete(s.checkable, actor)
	return ok
}

// HasRelation reports whether other is in actor's cached relation set. The
// second result is false when nothing is cached for actor.
func (s *Store) HasRelation(rel Relation, actor, other string) (member bool, cached bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.relations[relationKey{rel, actor}]
	if !ok {
		return false, false
	}
	_, member = set[other]
	return member, true
}

// MergeRelation adds members to actor's relation set and returns how many
// were new.
func (s *Store) MergeRelation(rel Relation, actor string, members []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := relationKey{rel, actor}
	set, ok := s.relations[key]
	if !ok {
		set = make(map[string]struct{}, len(members))
		s.relations[key] = set
	}
	added := 0
	for _, m := range members {
		if _, exists := set[m]; !exists {
			set[m] = struct{}{}
			added++
		}
	}
	return added
}

func (s *Store) InvalidateRelation(rel Relation, actor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.relations, relationKey{rel, actor})
}

// AuthorVotedWithin drops window entries older than cooldown and reports
// whether author was voted on within it.
func (s *Store) AuthorVotedWithin(author string, now time.Time, cooldown time.Duration) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for a, at := range s.authorVotes {
		if now.Sub(at) >= cooldown {
			delete(s.authorVotes, a)
		}
	}
	at, ok := s.authorVotes[author]
	return at, ok
}

func (s *Store) RecordAuthorVote(author string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorVotes[author] = at
}

func (s *Store) TrendingFloor() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trendingFloor, s.trendingSet
}

func (s *Store) SetTrendingFloor(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trendingFloor, s.trendingSet = v, true
}
