// Package simulator previews reward decisions for a campaign config without
// touching the store or the rewards provider.
package simulator

import (
	"errors"

	"reward-decision-api/internal/models"
	"reward-decision-api/internal/rules"
)

// MaxBatchCount bounds a single SimulateBatch run.
const MaxBatchCount = 1_000_000

var (
	ErrNegativeCounter = errors.New("counter start must not be negative")
	ErrBatchCount      = errors.New("batch count must be between 1 and 1000000")
)

// Simulator composes rule selection and rate computation.
type Simulator struct {
	sampleLimit int64
}

// New returns a Simulator. sampleLimit <= 0 uses rules.DefaultSampleLimit.
func New(sampleLimit int64) *Simulator {
	if sampleLimit <= 0 {
		sampleLimit = rules.DefaultSampleLimit
	}
	return &Simulator{sampleLimit: sampleLimit}
}

// Preview is the outcome of PreviewDecision.
type Preview struct {
	CounterValue   int64                    `json:"counter_value"`
	MatchedRule    *models.RewardRuleConfig `json:"matched_rule"`
	RewardTemplate *models.RewardTemplate   `json:"reward_template"`
	RewardRates    rules.RateSummary        `json:"reward_rates"`
}

// RuleCount is the number of wins of one rule in a batch.
type RuleCount struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Nth   int64  `json:"nth"`
	Count int64  `json:"count"`
}

// BatchResult is the outcome of SimulateBatch.
type BatchResult struct {
	CounterStart               int64             `json:"counter_start"`
	Count                      int64             `json:"count"`
	RewardCounts               []RuleCount       `json:"reward_counts"`
	TotalRewards               int64             `json:"total_rewards"`
	NonRewardCount             int64             `json:"non_reward_count"`
	ExpectedCompetitionEntries float64           `json:"expected_competition_entries"`
	RewardRates                rules.RateSummary `json:"reward_rates"`
}

// PreviewDecision returns the rule that would win at counterValue and its
// template, if present in templates.
func (s *Simulator) PreviewDecision(counterValue int64, cfg models.CampaignConfig, templates []models.RewardTemplate) Preview {
	p := Preview{
		CounterValue: counterValue,
		RewardRates:  rules.ComputeRates(cfg.RewardRules, s.sampleLimit),
	}
	rule, ok := rules.SelectRule(counterValue, cfg.RewardRules)
	if !ok {
		return p
	}
	p.MatchedRule = &rule
	for i := range templates {
		if templates[i].ID == rule.RewardTemplateID {
			tpl := templates[i]
			p.RewardTemplate = &tpl
			break
		}
	}
	return p
}

// SimulateBatch replays counters counterStart+1 .. counterStart+count.
// Expected competition entries are computed analytically: every non-reward
// for all_non_reward, nonRewardCount*p for probability, and the number of
// multiples of nth crossed by the non-reward counter for nth_non_reward.
func (s *Simulator) SimulateBatch(counterStart, count int64, cfg models.CampaignConfig, nonRewardCounterStart int64) (BatchResult, error) {
	if counterStart < 0 || nonRewardCounterStart < 0 {
		return BatchResult{}, ErrNegativeCounter
	}
	if count < 1 || count > MaxBatchCount {
		return BatchResult{}, ErrBatchCount
	}

	sorted := rules.SortRules(cfg.RewardRules)
	wins := make(map[string]int64, len(sorted))
	res := BatchResult{CounterStart: counterStart, Count: count}

	for i := int64(1); i <= count; i++ {
		rule, ok := rules.SelectRule(counterStart+i, sorted)
		if ok {
			wins[rule.ID]++
			res.TotalRewards++
		} else {
			res.NonRewardCount++
		}
	}

	res.RewardCounts = make([]RuleCount, 0, len(cfg.RewardRules))
	for _, r := range cfg.RewardRules {
		res.RewardCounts = append(res.RewardCounts, RuleCount{ID: r.ID, Name: r.Name, Nth: r.Nth, Count: wins[r.ID]})
	}
	res.ExpectedCompetitionEntries = expectedEntries(cfg.CompetitionRule, res.NonRewardCount, nonRewardCounterStart)
	res.RewardRates = rules.ComputeRates(cfg.RewardRules, s.sampleLimit)
	return res, nil
}

func expectedEntries(rule models.CompetitionRuleConfig, nonRewardCount, nonRewardStart int64) float64 {
	switch rule.Type {
	case models.CompetitionAllNonReward:
		return float64(nonRewardCount)
	case models.CompetitionProbability:
		p := rule.Probability
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
		return float64(nonRewardCount) * p
	case models.CompetitionNthNonReward:
		nth := max(rule.Nth, 1)
		end := nonRewardStart + nonRewardCount
		return float64(end/nth - nonRewardStart/nth)
	}
	return 0
}

// Rates computes reward rates for rules. sampleLimit <= 0 uses the
// simulator's limit.
func (s *Simulator) Rates(list []models.RewardRuleConfig, sampleLimit int64) rules.RateSummary {
	if sampleLimit <= 0 {
		sampleLimit = s.sampleLimit
	}
	return rules.ComputeRates(list, sampleLimit)
}
