package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarotjournal/tarotjournal/internal/worker"
)

type noopRunner struct{}

func (noopRunner) Run(_ context.Context, job string) (*worker.JobResult, error) {
	return &worker.JobResult{Job: job}, nil
}

func TestDefaultScheduleConfig(t *testing.T) {
	cfg := worker.DefaultScheduleConfig()

	assert.Equal(t, "0 3 * * *", cfg.Cleanup)
	assert.Empty(t, cfg.DailyReading)
	assert.Equal(t, map[string]string{worker.JobCleanupInactive: "0 3 * * *"}, cfg.Entries())
	assert.NoError(t, cfg.Validate())
}

func TestScheduleConfig_Validate(t *testing.T) {
	cfg := worker.ScheduleConfig{DailyReading: "every morning"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), worker.JobDailyReading)
}

func TestNewScheduler(t *testing.T) {
	cfg := worker.ScheduleConfig{
		Cleanup:        "0 3 * * *",
		DailyReading:   "0 8 * * *",
		WeeklyInsights: "0 9 * * 1",
	}

	s, err := worker.NewScheduler(cfg, noopRunner{}, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, []string{worker.JobCleanupInactive, worker.JobDailyReading, worker.JobWeeklyInsights}, s.Jobs())

	next := s.Next(worker.JobDailyReading)
	require.False(t, next.IsZero())
	assert.Equal(t, 8, next.UTC().Hour())
	assert.Equal(t, 0, next.UTC().Minute())
	assert.True(t, s.Next("unknown").IsZero())

	weekly := s.Next(worker.JobWeeklyInsights)
	assert.Equal(t, time.Monday, weekly.UTC().Weekday())

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestNewScheduler_InvalidExpression(t *testing.T) {
	_, err := worker.NewScheduler(worker.ScheduleConfig{Cleanup: "61 * * * *"}, noopRunner{}, zerolog.Nop())
	assert.Error(t, err)
}
