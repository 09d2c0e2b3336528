package services

import (
	"context"

	"github.com/0xRichardL/vibe-voter/internal/domain"
	"github.com/0xRichardL/vibe-voter/internal/rules"
)

// Relations is the follow-graph lookup the weight picker needs.
type Relations interface {
	IsFollowing(ctx context.Context, actor, author string) (bool, error)
	IsFollowedBy(ctx context.Context, actor, author string) (bool, error)
}

// WeightPicker maps an (actor, author) pair to a relation tier and its weight.
type WeightPicker struct {
	weights   rules.TierWeights
	favorites rules.Set
	relations Relations
}

func NewWeightPicker(r rules.Rules, relations Relations) *WeightPicker {
	return &WeightPicker{weights: r.Weights, favorites: r.Favorites, relations: relations}
}

// Pick returns the tier and weight for actor voting on author. A lookup
// error falls through to the next tier and is returned alongside the result.
func (p *WeightPicker) Pick(ctx context.Context, actor, author string) (domain.Tier, int, error) {
	if p.favorites.Has(author) {
		return domain.TierFavorite, p.weights.Favorite, nil
	}
	var lookupErr error
	following, err := p.relations.IsFollowing(ctx, actor, author)
	if err != nil {
		lookupErr = err
	} else if following {
		return domain.TierFollowing, p.weights.Following, nil
	}
	follower, err := p.relations.IsFollowedBy(ctx, actor, author)
	if err != nil {
		lookupErr = err
	} else if follower {
		return domain.TierFollower, p.weights.Follower, lookupErr
	}
	return domain.TierDefault, p.weights.Default, lookupErr
}
