package rules

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"reward-decision-api/internal/models"
)

// Names of the eligibility checks, reported as the failing reason.
const (
	CheckMinSpend   = "min_spend"
	CheckStore      = "store"
	CheckChannel    = "channel"
	CheckMCC        = "mcc"
	CheckDay        = "day"
	CheckTimeWindow = "time_window"
)

// EligibilityResult is the outcome of CheckEligibility. Reason is empty when
// Eligible is true.
type EligibilityResult struct {
	Eligible bool
	Reason   string
}

// CheckEligibility runs the eligibility checks in a fixed order and stops at
// the first failure. now must already be in the location day and time
// windows are evaluated in.
func CheckEligibility(event models.TransactionEvent, cfg models.EligibilityConfig, now time.Time) EligibilityResult {
	if cfg.MinSpend > 0 && event.Amount < cfg.MinSpend {
		return blocked(CheckMinSpend)
	}
	if len(cfg.Stores) > 0 && !slices.Contains(cfg.Stores, event.StoreID) {
		return blocked(CheckStore)
	}
	if len(cfg.Channels) > 0 && !slices.Contains(cfg.Channels, event.Channel) {
		return blocked(CheckChannel)
	}
	if len(cfg.MCCs) > 0 && !slices.Contains(cfg.MCCs, event.MCC) {
		return blocked(CheckMCC)
	}
	if len(cfg.DaysOfWeek) > 0 && !slices.Contains(cfg.DaysOfWeek, now.Weekday()) {
		return blocked(CheckDay)
	}
	if len(cfg.TimeWindows) > 0 {
		within := false
		for _, w := range cfg.TimeWindows {
			if InTimeWindow(now, w) {
				within = true
				break
			}
		}
		if !within {
			return blocked(CheckTimeWindow)
		}
	}
	return EligibilityResult{Eligible: true}
}

func blocked(reason string) EligibilityResult {
	return EligibilityResult{Eligible: false, Reason: reason}
}

// InTimeWindow reports whether the wall-clock minute of t lies in
// [w.Start, w.End). A window with End before Start spans midnight. A window
// that fails to parse never matches.
func InTimeWindow(t time.Time, w models.TimeWindow) bool {
	start, err := ParseClock(w.Start)
	if err != nil {
		return false
	}
	end, err := ParseClock(w.End)
	if err != nil {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	if start <= end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid clock %q: bad hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid clock %q: bad minute", s)
	}
	return h*60 + m, nil
}
