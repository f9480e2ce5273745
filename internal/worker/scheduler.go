package worker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Runner runs a job by type.
type Runner interface {
	Run(ctx context.Context, job string) (*JobResult, error)
}

// Scheduler triggers jobs on their cron schedules.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	logger  zerolog.Logger
	loc     *time.Location
	timeout time.Duration
	entries map[string]cron.EntryID
}

// NewScheduler registers every enabled schedule in cfg. Jobs that are still
// running when their next tick fires are skipped.
func NewScheduler(cfg ScheduleConfig, runner Runner, logger zerolog.Logger) (*Scheduler, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	cronLogger := cronLog{logger: logger}

	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		runner:  runner,
		logger:  logger,
		loc:     loc,
		timeout: 30 * time.Minute,
		entries: make(map[string]cron.EntryID),
	}

	entries := cfg.Entries()
	jobs := make([]string, 0, len(entries))
	for job := range entries {
		jobs = append(jobs, job)
	}
	sort.Strings(jobs)

	for _, job := range jobs {
		id, err := s.cron.AddFunc(entries[job], s.trigger(job))
		if err != nil {
			return nil, fmt.Errorf("scheduling %s: %w", job, err)
		}
		s.entries[job] = id
	}

	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	for job, id := range s.entries {
		s.logger.Info().
			Str("job", job).
			Time("next_run", s.cron.Entry(id).Schedule.Next(time.Now().In(s.loc))).
			Msg("job scheduled")
	}
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn().Msg("scheduler stopped before running jobs finished")
	}
}

// Jobs returns the scheduled job types.
func (s *Scheduler) Jobs() []string {
	jobs := make([]string, 0, len(s.entries))
	for job := range s.entries {
		jobs = append(jobs, job)
	}
	sort.Strings(jobs)
	return jobs
}

// Next returns the next run time of job, or the zero time if it is not scheduled.
func (s *Scheduler) Next(job string) time.Time {
	id, ok := s.entries[job]
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Schedule.Next(time.Now().In(s.loc))
}

func (s *Scheduler) trigger(job string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		result, err := s.runner.Run(ctx, job)
		if err != nil {
			s.logger.Error().Err(err).Str("job", job).Msg("scheduled job failed")
			return
		}
		s.logger.Info().
			Str("job", job).
			Bool("skipped", result.Skipped).
			Dur("duration", result.Duration).
			Msg("scheduled job completed")
	}
}

// cronLog adapts zerolog to cron.Logger.
type cronLog struct {
	logger zerolog.Logger
}

func (l cronLog) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLog) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
