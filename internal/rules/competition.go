package rules

import "reward-decision-api/internal/models"

// Draw returns a uniform value in [0, 1).
type Draw func() float64

// NeedsNonRewardCounter reports whether the rule consumes the per-version
// non-reward counter.
func NeedsNonRewardCounter(rule models.CompetitionRuleConfig) bool {
	return rule.Type == models.CompetitionNthNonReward
}

// ResolveCompetitionEntry decides the secondary grant on a non-reward outcome.
// nonRewardCounter is only consulted for nth_non_reward, where zero means the
// counter was not incremented and never grants. draw is only called for
// probability rules; a probability of zero or less never grants.
func ResolveCompetitionEntry(rule models.CompetitionRuleConfig, nonRewardCounter int64, draw Draw) bool {
	switch rule.Type {
	case models.CompetitionAllNonReward:
		return true
	case models.CompetitionProbability:
		p := clamp01(rule.Probability)
		if p <= 0 {
			return false
		}
		return draw() <= p
	case models.CompetitionNthNonReward:
		nth := rule.Nth
		if nth < 1 {
			nth = 1
		}
		if nonRewardCounter <= 0 {
			return false
		}
		return nonRewardCounter%nth == 0
	default:
		return false
	}
}

func clamp01(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
