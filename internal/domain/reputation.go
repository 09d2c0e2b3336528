package domain

import "math"

// ReputationBaseline is the effective reputation of a fresh account.
const ReputationBaseline = 25.0

// EffectiveReputation compresses a raw reputation score onto the familiar
// 25-centred scale: sign(raw) * max(log10(|raw|) - 9, 0) * 9 + 25.
func EffectiveReputation(raw int64) float64 {
	if raw == 0 {
		return ReputationBaseline
	}
	abs := math.Abs(float64(raw))
	level := math.Max(math.Log10(abs)-9, 0)
	if raw < 0 {
		level = -level
	}
	return level*9 + ReputationBaseline
}
