package engine

import (
	"time"

	"reward-decision-api/internal/models"
)

const (
	scheduleActive      = "active"
	scheduleBeforeStart = "before_start"
	scheduleAfterEnd    = "after_end"
)

// scheduleState places now relative to the campaign's [StartAt, EndAt]
// window. A nil EndAt never ends.
func scheduleState(c *models.Campaign, now time.Time) string {
	if now.Before(c.StartAt) {
		return scheduleBeforeStart
	}
	if c.EndAt != nil && now.After(*c.EndAt) {
		return scheduleAfterEnd
	}
	return scheduleActive
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
