package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarotjournal/tarotjournal/internal/cronlock"
	"github.com/tarotjournal/tarotjournal/internal/maintenance"
	"github.com/tarotjournal/tarotjournal/internal/notification"
)

var (
	// ErrUnknownJob is returned for job types the runner does not handle.
	ErrUnknownJob = errors.New("unknown job type")

	// ErrMalformedMessage is returned when a job message cannot be decoded.
	ErrMalformedMessage = errors.New("malformed job message")
)

// cleanupLockJob is the lock name for the purge; broadcasts share theirs with
// the HTTP cron triggers so a day's broadcast runs once whichever fires first.
const cleanupLockJob = "cleanup-inactive"

// Dispatcher broadcasts a payload to every active subscription.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload notification.Payload) (*notification.Report, error)
}

// Maintenance reports health and purges stale subscriptions.
type Maintenance interface {
	Health(ctx context.Context) *maintenance.HealthReport
	Cleanup(ctx context.Context, retention time.Duration) (*maintenance.CleanupResult, error)
}

// JobMessage is the Pub/Sub message body.
type JobMessage struct {
	JobType string `json:"job_type"`
	// RetentionDays overrides the purge window for cleanup_inactive.
	RetentionDays int `json:"retention_days,omitempty"`
}

// JobResult is the outcome of one job run.
type JobResult struct {
	Job       string
	StartTime time.Time
	Duration  time.Duration
	// Skipped is true when another instance already ran the job today.
	Skipped bool
	Report  *notification.Report
	Cleanup *maintenance.CleanupResult
	Health  *maintenance.HealthReport
}

// JobMetrics is a snapshot of job run statistics.
type JobMetrics struct {
	Runs            int64
	Failures        int64
	Skipped         int64
	Delivered       int64
	Deactivated     int64
	Purged          int64
	LastRunAt       time.Time
	LastRunDuration time.Duration
	LastError       string
}

// JobRunnerConfig holds configuration for creating a JobRunner.
type JobRunnerConfig struct {
	Dispatcher  Dispatcher
	Maintenance Maintenance
	Locker      cronlock.Locker
	Logger      zerolog.Logger
	Now         func() time.Time
}

// JobRunner executes background jobs by type.
type JobRunner struct {
	dispatcher  Dispatcher
	maintenance Maintenance
	locker      cronlock.Locker
	logger      zerolog.Logger
	now         func() time.Time

	mu      sync.RWMutex
	metrics JobMetrics
}

// NewJobRunner creates a new job runner.
func NewJobRunner(cfg JobRunnerConfig) *JobRunner {
	locker := cfg.Locker
	if locker == nil {
		locker = cronlock.NewMemoryLocker(cronlock.DefaultTTL)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &JobRunner{
		dispatcher:  cfg.Dispatcher,
		maintenance: cfg.Maintenance,
		locker:      locker,
		logger:      cfg.Logger,
		now:         now,
	}
}

// RunMessage decodes a job message and runs it.
func (j *JobRunner) RunMessage(ctx context.Context, data []byte) (*JobResult, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return j.run(ctx, msg)
}

// Run runs the job of the given type with default options.
func (j *JobRunner) Run(ctx context.Context, job string) (*JobResult, error) {
	return j.run(ctx, JobMessage{JobType: job})
}

func (j *JobRunner) run(ctx context.Context, msg JobMessage) (*JobResult, error) {
	result := &JobResult{Job: msg.JobType, StartTime: j.now()}

	var err error
	switch msg.JobType {
	case JobCleanupInactive:
		retention := time.Duration(msg.RetentionDays) * 24 * time.Hour
		err = j.locked(ctx, cleanupLockJob, result, func() error {
			cleanup, err := j.maintenance.Cleanup(ctx, retention)
			result.Cleanup = cleanup
			return err
		})
	case JobDailyReading:
		err = j.broadcast(ctx, notification.TypeDailyReading, notification.DailyReading(), result)
	case JobWeeklyInsights:
		err = j.broadcast(ctx, notification.TypeWeeklyInsights, notification.WeeklyInsights(), result)
	case JobHealthCheck:
		err = j.healthCheck(ctx, result)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, msg.JobType)
	}

	result.Duration = j.now().Sub(result.StartTime)
	j.updateMetrics(result, err)

	if err != nil {
		return result, fmt.Errorf("%s: %w", msg.JobType, err)
	}
	return result, nil
}

func (j *JobRunner) broadcast(ctx context.Context, lockJob string, payload notification.Payload, result *JobResult) error {
	return j.locked(ctx, lockJob, result, func() error {
		report, err := j.dispatcher.Dispatch(ctx, payload)
		result.Report = report
		return err
	})
}

// locked runs fn once per day across instances. A failed run releases the day.
func (j *JobRunner) locked(ctx context.Context, lockJob string, result *JobResult, fn func() error) error {
	day := result.StartTime

	acquired, err := j.locker.Acquire(ctx, lockJob, day)
	if err != nil {
		return err
	}
	if !acquired {
		result.Skipped = true
		j.logger.Info().Str("job", lockJob).Msg("job already ran today, skipping")
		return nil
	}

	if err := fn(); err != nil {
		if relErr := j.locker.Release(context.WithoutCancel(ctx), lockJob, day); relErr != nil {
			j.logger.Warn().Err(relErr).Str("job", lockJob).Msg("failed to release cron lock")
		}
		return err
	}
	return nil
}

func (j *JobRunner) healthCheck(ctx context.Context, result *JobResult) error {
	report := j.maintenance.Health(ctx)
	result.Health = report

	if report.Status == maintenance.StatusUnhealthy {
		return fmt.Errorf("push subsystem unhealthy: %s", strings.Join(report.Issues, "; "))
	}
	return nil
}

func (j *JobRunner) updateMetrics(result *JobResult, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.metrics.Runs++
	j.metrics.LastRunAt = result.StartTime
	j.metrics.LastRunDuration = result.Duration

	if err != nil {
		j.metrics.Failures++
		j.metrics.LastError = err.Error()
	}
	if result.Skipped {
		j.metrics.Skipped++
	}
	if result.Report != nil {
		j.metrics.Delivered += int64(result.Report.Succeeded)
		j.metrics.Deactivated += int64(result.Report.Deactivated)
	}
	if result.Cleanup != nil {
		j.metrics.Purged += int64(result.Cleanup.Removed)
	}
}

// GetMetrics returns a copy of the current metrics.
func (j *JobRunner) GetMetrics() JobMetrics {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.metrics
}

// MetricsSnapshot returns a snapshot of the current metrics as a map.
func (j *JobRunner) MetricsSnapshot() map[string]interface{} {
	m := j.GetMetrics()
	return map[string]interface{}{
		"runs":              m.Runs,
		"failures":          m.Failures,
		"skipped":           m.Skipped,
		"delivered":         m.Delivered,
		"deactivated":       m.Deactivated,
		"purged":            m.Purged,
		"last_run_at":       m.LastRunAt,
		"last_run_duration": m.LastRunDuration.String(),
		"last_error":        m.LastError,
	}
}
