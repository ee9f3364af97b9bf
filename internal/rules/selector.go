// Package rules holds the pure decisioning logic: eligibility, reward rule
// selection, win-rate computation and competition entries. Nothing here
// touches the store or the rewards provider, so every function is safe for
// concurrent use.
package rules

import (
	"sort"
	"time"

	"reward-decision-api/internal/models"
)

// SortRules returns the enabled rules with nth > 0, ordered by priority desc,
// then nth desc, then their position in the input. The input is not modified.
func SortRules(rules []models.RewardRuleConfig) []models.RewardRuleConfig {
	active := make([]models.RewardRuleConfig, 0, len(rules))
	for _, r := range rules {
		if r.Enabled && r.Nth > 0 {
			active = append(active, r)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].Nth > active[j].Nth
	})
	return active
}

// SelectRule returns the winning rule for counterValue, or false when no rule
// fires. A non-positive counter never matches.
func SelectRule(counterValue int64, rules []models.RewardRuleConfig) (models.RewardRuleConfig, bool) {
	if counterValue <= 0 {
		return models.RewardRuleConfig{}, false
	}
	return firstMatch(counterValue, SortRules(rules))
}

// firstMatch assumes sorted came from SortRules.
func firstMatch(counterValue int64, sorted []models.RewardRuleConfig) (models.RewardRuleConfig, bool) {
	for _, r := range sorted {
		if counterValue%r.Nth == 0 {
			return r, true
		}
	}
	return models.RewardRuleConfig{}, false
}

// DefaultConfig returns an empty campaign config: no eligibility limits, no
// reward rules and no competition.
func DefaultConfig() models.CampaignConfig {
	return models.CampaignConfig{
		Eligibility: models.EligibilityConfig{
			Stores:      []string{},
			Channels:    []string{},
			MCCs:        []string{},
			DaysOfWeek:  []time.Weekday{},
			TimeWindows: []models.TimeWindow{},
		},
		RewardRules:     []models.RewardRuleConfig{},
		CompetitionRule: models.CompetitionRuleConfig{Type: models.CompetitionNone},
	}
}
