// Package scoreboard builds the per-game scoreboard artifact served through
// the cache coherence service.
package scoreboard

import (
	"math"

	"ctf-arena/internal/storage"
)

// ChallengeScore is the value of a challenge after solves owners have solved it.
// The first solve is worth the original score; later solves decay it towards
// original*MinScoreRate at a speed set by Difficulty.
func ChallengeScore(chal *storage.Challenge, solves int) int {
	if solves <= 1 || chal.Difficulty <= 0 {
		return chal.OriginalScore
	}
	rate := math.Min(math.Max(chal.MinScoreRate, 0), 1)
	decay := math.Exp(float64(1-solves) / chal.Difficulty)
	return int(math.Floor(float64(chal.OriginalScore) * (rate + (1-rate)*decay)))
}

// BloodScore adds the per-mille blood bonus for rank to score.
func BloodScore(score int, bonus storage.BloodBonus, rank int) int {
	return score + score*bonus.ForRank(rank)/1000
}
