package domain

import (
	"strings"
	"time"
)

// TargetKey identifies a piece of content on the ledger.
type TargetKey struct {
	Author   string `json:"author"`
	Permlink string `json:"permlink"`
}

func (k TargetKey) String() string {
	return "@" + k.Author + "/" + k.Permlink
}

// ActiveVote is a vote already recorded on a piece of content. Percent is
// signed: negative values are flags.
type ActiveVote struct {
	Voter   string `json:"voter"`
	Percent int    `json:"percent"`
}

// CandidateEvent is a snapshot of a published post or reply. Events coming
// off the stream only carry the operation fields; a fetched snapshot carries
// everything.
type CandidateEvent struct {
	Author         string
	Permlink       string
	ParentAuthor   string
	ParentPermlink string

	Created     time.Time
	CashoutTime time.Time

	// PayoutDeclined is set when the maximum accepted payout is explicitly zero.
	PayoutDeclined bool
	// PercentNonNativePayout is the share of the reward paid in the non-native
	// asset, in hundredths of a percent. Zero means fully powered up.
	PercentNonNativePayout int

	AuthorReputation int64
	ActiveVotes      []ActiveVote
	Tags             []string
}

func (e CandidateEvent) Key() TargetKey {
	return TargetKey{Author: e.Author, Permlink: e.Permlink}
}

// IsReply reports whether the event is a comment on other content.
func (e CandidateEvent) IsReply() bool {
	return e.ParentAuthor != ""
}

// HasVoted reports whether voter has any vote on the event.
func (e CandidateEvent) HasVoted(voter string) bool {
	for _, v := range e.ActiveVotes {
		if v.Voter == voter {
			return true
		}
	}
	return false
}

// Voters returns the set of accounts that voted, split by sign.
func (e CandidateEvent) Voters() (up, down map[string]struct{}) {
	up = make(map[string]struct{})
	down = make(map[string]struct{})
	for _, v := range e.ActiveVotes {
		switch {
		case v.Percent > 0:
			up[v.Voter] = struct{}{}
		case v.Percent < 0:
			down[v.Voter] = struct{}{}
		}
	}
	return up, down
}

// NormalizedTags lowercases and trims the tag list, dropping empties.
func (e CandidateEvent) NormalizedTags() []string {
	out := make([]string, 0, len(e.Tags))
	for _, t := range e.Tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Account is the subset of ledger account state the voter reads.
type Account struct {
	Name string
	// VotingPower is the spendable capacity in basis points (0..10000).
	VotingPower int
	PostCount   int
}

// Operation is one operation inside a block transaction. Content is set
// only for content-publication operations.
type Operation struct {
	Type    string
	Content *CandidateEvent
}

type Transaction struct {
	Operations []Operation
}

type Block struct {
	Number       uint64
	Timestamp    time.Time
	Transactions []Transaction
}

// ContentEvents returns the content-publication operations of the block
// in order, with Created set to the block timestamp when absent.
func (b Block) ContentEvents() []CandidateEvent {
	var out []CandidateEvent
	for _, tx := range b.Transactions {
		for _, op := range tx.Operations {
			if op.Content == nil {
				continue
			}
			ev := *op.Content
			if ev.Created.IsZero() {
				ev.Created = b.Timestamp
			}
			out = append(out, ev)
		}
	}
	return out
}

// Actor is a credential-holding account.
type Actor struct {
	Name       string
	Credential string
}

// String never exposes the credential.
func (a Actor) String() string {
	return a.Name
}
