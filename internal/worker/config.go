// Package worker runs the push subsystem's background jobs.
package worker

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Job types, as carried in the job_type field of Pub/Sub messages.
const (
	JobCleanupInactive = "cleanup_inactive"
	JobDailyReading    = "daily_reading"
	JobWeeklyInsights  = "weekly_insights"
	JobHealthCheck     = "health_check"
)

// ScheduleConfig holds the cron expressions for scheduled jobs.
// Expressions use the standard five-field format. Empty disables a job.
type ScheduleConfig struct {
	Cleanup        string
	DailyReading   string
	WeeklyInsights string

	// Location is the time zone schedules are evaluated in. Default: UTC
	Location *time.Location
}

// DefaultScheduleConfig returns the default schedules: a nightly purge and
// no broadcasts, which are usually triggered through the cron endpoints.
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Cleanup:  "0 3 * * *",
		Location: time.UTC,
	}
}

// Entries returns the enabled schedules keyed by job type.
func (c ScheduleConfig) Entries() map[string]string {
	entries := make(map[string]string, 3)
	if c.Cleanup != "" {
		entries[JobCleanupInactive] = c.Cleanup
	}
	if c.DailyReading != "" {
		entries[JobDailyReading] = c.DailyReading
	}
	if c.WeeklyInsights != "" {
		entries[JobWeeklyInsights] = c.WeeklyInsights
	}
	return entries
}

// Validate parses every enabled schedule.
func (c ScheduleConfig) Validate() error {
	for job, spec := range c.Entries() {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid schedule for %s: %w", job, err)
		}
	}
	return nil
}
