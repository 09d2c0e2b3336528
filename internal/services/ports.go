package services

import (
	"context"
	"time"

	"github.com/0xRichardL/vibe-voter/internal/domain"
)

// Ledger is the read side of the chain the voter depends on.
type Ledger interface {
	GetContent(ctx context.Context, author, permlink string) (domain.CandidateEvent, error)
	GetAccounts(ctx context.Context, names []string) ([]domain.Account, error)
	// GetVoteHistory returns the timestamps of the account's most recent votes.
	GetVoteHistory(ctx context.Context, account string, limit int) ([]time.Time, error)
	GetFollowing(ctx context.Context, account, start string, limit int) ([]string, error)
	GetFollowers(ctx context.Context, account, start string, limit int) ([]string, error)
	GetTrendingReputations(ctx context.Context, limit int) ([]int64, error)
	GetLastIrreversibleBlock(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, num uint64) (domain.Block, error)
}

// Broadcaster submits a signed vote. Rejections come back as
// *domain.SubmitError.
type Broadcaster interface {
	Vote(ctx context.Context, voter domain.Actor, target domain.TargetKey, weight int) error
}

// OutcomeSink receives one record per submission attempt.
type OutcomeSink interface {
	Publish(ctx context.Context, outcome domain.VoteOutcome) error
}

// BlockStream delivers blocks in order starting at from. It returns when
// ctx is done or the underlying connection fails.
type BlockStream interface {
	Stream(ctx context.Context, from uint64, fn func(domain.Block) error) error
}

// Checkpointer remembers the last block the live stream handled.
type Checkpointer interface {
	Last(ctx context.Context) (uint64, bool, error)
	Save(ctx context.Context, block uint64) error
}

// Clock abstracts time for the workflow so tests never sleep.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RealClock is wall-clock time with context-aware sleeps.
var RealClock Clock = realClock{}

type nopSink struct{}

func (nopSink) Publish(context.Context, domain.VoteOutcome) error { return nil }
