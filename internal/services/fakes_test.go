package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/0xRichardL/vibe-voter/internal/domain"
	"github.com/0xRichardL/vibe-voter/internal/rules"
	"github.com/0xRichardL/vibe-voter/internal/state"
	"github.com/rs/zerolog"
)

var errBoom = errors.New("boom")

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeLedger struct {
	mu sync.Mutex

	// contents holds the successive snapshots returned for a key; the last
	// one repeats.
	contents     map[domain.TargetKey][]domain.CandidateEvent
	contentErr   error
	contentCalls int
	// gate, when set, blocks GetContent until closed.
	gate chan struct{}

	accounts      map[string]domain.Account
	accountsErr   error
	accountsCalls int

	history      map[string][]time.Time
	historyCalls int

	following     map[string][]string
	followers     map[string][]string
	relationErr   error
	relationCalls int

	trending      []int64
	trendingErr   error
	trendingCalls int

	head    uint64
	headErr error
	blocks  map[uint64]domain.Block
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		contents:  make(map[domain.TargetKey][]domain.CandidateEvent),
		accounts:  make(map[string]domain.Account),
		history:   make(map[string][]time.Time),
		following: make(map[string][]string),
		followers: make(map[string][]string),
		blocks:    make(map[uint64]domain.Block),
	}
}

func (l *fakeLedger) addContent(snapshots ...domain.CandidateEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := snapshots[0].Key()
	l.contents[key] = append(l.contents[key], snapshots...)
}

func (l *fakeLedger) setVP(values map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, vp := range values {
		a := l.accounts[name]
		a.Name = name
		a.VotingPower = vp
		l.accounts[name] = a
	}
}

func (l *fakeLedger) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.contentCalls
}

func (l *fakeLedger) GetContent(ctx context.Context, author, permlink string) (domain.CandidateEvent, error) {
	l.mu.Lock()
	gate := l.gate
	l.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.CandidateEvent{}, ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.contentCalls
	l.contentCalls++
	if l.contentErr != nil {
		return domain.CandidateEvent{}, l.contentErr
	}
	snaps := l.contents[domain.TargetKey{Author: author, Permlink: permlink}]
	if len(snaps) == 0 {
		return domain.CandidateEvent{}, errors.New("content not found")
	}
	if n >= len(snaps) {
		n = len(snaps) - 1
	}
	return snaps[n], nil
}

func (l *fakeLedger) GetAccounts(_ context.Context, names []string) ([]domain.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accountsCalls++
	if l.accountsErr != nil {
		return nil, l.accountsErr
	}
	var out []domain.Account
	for _, n := range names {
		if a, ok := l.accounts[n]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (l *fakeLedger) GetVoteHistory(_ context.Context, account string, _ int) ([]time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.historyCalls++
	return l.history[account], nil
}

// page mimics the ledger: the page starts at start, inclusive.
func page(all []string, start string, limit int) []string {
	i := 0
	if start != "" {
		for i < len(all) && all[i] != start {
			i++
		}
	}
	end := min(i+limit, len(all))
	return append([]string(nil), all[i:end]...)
}

func (l *fakeLedger) GetFollowing(_ context.Context, account, start string, limit int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.relationCalls++
	if l.relationErr != nil {
		return nil, l.relationErr
	}
	return page(l.following[account], start, limit), nil
}

func (l *fakeLedger) GetFollowers(_ context.Context, account, start string, limit int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.relationCalls++
	if l.relationErr != nil {
		return nil, l.relationErr
	}
	return page(l.followers[account], start, limit), nil
}

func (l *fakeLedger) GetTrendingReputations(_ context.Context, limit int) ([]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trendingCalls++
	if l.trendingErr != nil {
		return nil, l.trendingErr
	}
	if len(l.trending) > limit {
		return l.trending[:limit], nil
	}
	return l.trending, nil
}

func (l *fakeLedger) GetLastIrreversibleBlock(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head, l.headErr
}

func (l *fakeLedger) GetBlock(_ context.Context, num uint64) (domain.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.blocks[num]
	if !ok {
		return domain.Block{}, errors.New("block not found")
	}
	return b, nil
}

type voteCall struct {
	voter  string
	target domain.TargetKey
	weight int
}

type fakeBroadcaster struct {
	mu sync.Mutex
	// results are consumed in order per voter; an exhausted queue succeeds.
	results map[string][]error
	calls   []voteCall
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{results: make(map[string][]error)}
}

func (b *fakeBroadcaster) fail(voter string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[voter] = append(b.results[voter], errs...)
}

func (b *fakeBroadcaster) Vote(_ context.Context, voter domain.Actor, target domain.TargetKey, weight int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, voteCall{voter: voter.Name, target: target, weight: weight})
	q := b.results[voter.Name]
	if len(q) == 0 {
		return nil
	}
	b.results[voter.Name] = q[1:]
	return q[0]
}

func (b *fakeBroadcaster) voters() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	for i, c := range b.calls {
		out[i] = c.voter
	}
	return out
}

func submitErr(code domain.SubmitCode, msg string) error {
	return &domain.SubmitError{Code: code, Message: msg}
}

// fakeClock advances on every Sleep instead of blocking.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: t0}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type recordingSink struct {
	mu       sync.Mutex
	outcomes []domain.VoteOutcome
}

func (s *recordingSink) Publish(_ context.Context, o domain.VoteOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return nil
}

func (s *recordingSink) all() []domain.VoteOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.VoteOutcome(nil), s.outcomes...)
}

type harness struct {
	rules  rules.Rules
	ledger *fakeLedger
	bc     *fakeBroadcaster
	clock  *fakeClock
	sink   *recordingSink
	state  *state.Store
	engine *Engine
}

// newHarness builds an engine whose random choices always take the first
// option and never invalidate caches.
func newHarness(t *testing.T, r rules.Rules, actors ...string) *harness {
	t.Helper()
	return newHarnessWithSink(t, r, nil, actors...)
}

// newHarnessWithSink is newHarness with sink in place of the recording
// sink when sink is not nil.
func newHarnessWithSink(t *testing.T, r rules.Rules, sink OutcomeSink, actors ...string) *harness {
	t.Helper()
	creds := make(map[string]string, len(actors))
	for _, a := range actors {
		creds[a] = "5K-" + a
	}
	h := &harness{
		rules:  r,
		ledger: newFakeLedger(),
		bc:     newFakeBroadcaster(),
		clock:  newFakeClock(),
		sink:   &recordingSink{},
		state:  state.NewStore(),
	}
	if sink == nil {
		sink = h.sink
	}
	h.engine = NewEngine(EngineDeps{
		Rules:       r,
		Pool:        rules.NewActorPool(creds),
		Ledger:      h.ledger,
		Broadcaster: h.bc,
		Outcomes:    sink,
		State:       h.state,
		Clock:       h.clock,
		IntN:        func(int) int { return 0 },
		Float64:     func() float64 { return 0.99 },
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(h.engine.Close)
	return h
}

// outcomes flushes the engine's outcome queue and returns what the sink got.
func (h *harness) outcomes() []domain.VoteOutcome {
	h.engine.Close()
	return h.sink.all()
}

func testRules() rules.Rules {
	r := rules.Default()
	r.MinRep = rules.RepFloor{Value: 25}
	return r
}

func post(author, permlink string) domain.CandidateEvent {
	return domain.CandidateEvent{
		Author:           author,
		Permlink:         permlink,
		ParentPermlink:   "life",
		Created:          t0,
		CashoutTime:      t0.Add(7 * 24 * time.Hour),
		AuthorReputation: 1_000_000_000_000,
		Tags:             []string{"life"},
	}
}

// slowSink blocks every Publish until release is closed.
type slowSink struct {
	release chan struct{}
	recordingSink
}

func newSlowSink() *slowSink {
	return &slowSink{release: make(chan struct{})}
}

func (s *slowSink) Publish(ctx context.Context, o domain.VoteOutcome) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.recordingSink.Publish(ctx, o)
}
