package services

import (
	"context"
	"fmt"

	"github.com/0xRichardL/vibe-voter/internal/state"
	"golang.org/x/sync/singleflight"
)

// RelationCache answers follow-graph questions for actors from lazily
// loaded, occasionally invalidated sets. It only picks weight tiers.
type RelationCache struct {
	ledger   Ledger
	state    *state.Store
	pageSize int
	// invalidate is the chance per lookup that the actor's set is refetched.
	invalidate float64
	random     func() float64

	group singleflight.Group
}

func NewRelationCache(ledger Ledger, st *state.Store, pageSize int, invalidate float64, random func() float64) *RelationCache {
	return &RelationCache{
		ledger:     ledger,
		state:      st,
		pageSize:   pageSize,
		invalidate: invalidate,
		random:     random,
	}
}

// IsFollowing reports whether actor follows author.
func (c *RelationCache) IsFollowing(ctx context.Context, actor, author string) (bool, error) {
	return c.has(ctx, state.Following, actor, author)
}

// IsFollowedBy reports whether author follows actor.
func (c *RelationCache) IsFollowedBy(ctx context.Context, actor, author string) (bool, error) {
	return c.has(ctx, state.Followers, actor, author)
}

func (c *RelationCache) has(ctx context.Context, rel state.Relation, actor, other string) (bool, error) {
	if c.invalidate > 0 && c.random() < c.invalidate {
		c.state.InvalidateRelation(rel, actor)
	}
	if member, cached := c.state.HasRelation(rel, actor, other); cached {
		return member, nil
	}
	if err := c.load(ctx, rel, actor); err != nil {
		return false, err
	}
	member, _ := c.state.HasRelation(rel, actor, other)
	return member, nil
}

// load pages through the relation until a page adds nothing new, then
// publishes the collected set.
func (c *RelationCache) load(ctx context.Context, rel state.Relation, actor string) error {
	_, err, _ := c.group.Do(rel.String()+":"+actor, func() (any, error) {
		fetch := c.ledger.GetFollowing
		if rel == state.Followers {
			fetch = c.ledger.GetFollowers
		}
		seen := make(map[string]struct{})
		members := make([]string, 0, c.pageSize)
		start := ""
		for {
			page, err := fetch(ctx, actor, start, c.pageSize)
			if err != nil {
				return nil, fmt.Errorf("get %s of %s: %w", rel, actor, err)
			}
			added := 0
			for _, m := range page {
				if _, ok := seen[m]; ok {
					continue
				}
				seen[m] = struct{}{}
				members = append(members, m)
				added++
			}
			if added == 0 {
				break
			}
			start = page[len(page)-1]
		}
		c.state.MergeRelation(rel, actor, members)
		return nil, nil
	})
	return err
}
