package rules

import "reward-decision-api/internal/models"

// DefaultSampleLimit caps the simulated cycle when the LCM of rule nths grows
// too large.
const DefaultSampleLimit = 10000

// RuleRate is the implied and effective win rate of one rule.
type RuleRate struct {
	RuleID        string  `json:"rule_id"`
	Name          string  `json:"name"`
	Nth           int64   `json:"nth"`
	ImpliedRate   float64 `json:"implied_rate"`
	EffectiveRate float64 `json:"effective_rate"`
}

// RateSummary is the result of ComputeRates. PerRule follows selection order.
type RateSummary struct {
	TotalRate  float64    `json:"total_rate"`
	SampleSize int64      `json:"sample_size"`
	PerRule    []RuleRate `json:"per_rule"`
}

// ComputeRates walks one full cycle of counters (the LCM of the active rule
// nths) and counts how often each rule wins under selection precedence. When
// the LCM exceeds sampleLimit the walk stops at sampleLimit, which makes the
// effective rates an approximation. sampleLimit <= 0 means DefaultSampleLimit.
func ComputeRates(rules []models.RewardRuleConfig, sampleLimit int64) RateSummary {
	if sampleLimit <= 0 {
		sampleLimit = DefaultSampleLimit
	}
	sorted := SortRules(rules)
	if len(sorted) == 0 {
		return RateSummary{PerRule: []RuleRate{}}
	}

	cycle := min(sorted[0].Nth, sampleLimit)
	for _, r := range sorted[1:] {
		if cycle == sampleLimit {
			break
		}
		cycle = cappedLCM(cycle, r.Nth, sampleLimit)
	}

	wins := make([]int64, len(sorted))
	for counter := int64(1); counter <= cycle; counter++ {
		for i, r := range sorted {
			if counter%r.Nth == 0 {
				wins[i]++
				break
			}
		}
	}

	summary := RateSummary{SampleSize: cycle, PerRule: make([]RuleRate, 0, len(sorted))}
	for i, r := range sorted {
		rate := RuleRate{
			RuleID:        r.ID,
			Name:          r.Name,
			Nth:           r.Nth,
			ImpliedRate:   1 / float64(r.Nth),
			EffectiveRate: float64(wins[i]) / float64(cycle),
		}
		summary.TotalRate += rate.EffectiveRate
		summary.PerRule = append(summary.PerRule, rate)
	}
	return summary
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// cappedLCM returns lcm(a, b), or limit when the lcm would exceed it. The
// product is never formed past limit, so huge nths cannot overflow.
func cappedLCM(a, b, limit int64) int64 {
	q := a / gcd(a, b)
	if q > limit/b {
		return limit
	}
	return min(q*b, limit)
}
