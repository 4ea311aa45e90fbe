// Package scheduler fires configured ingestion jobs on their cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kirillkom/lexrag/internal/core/domain"
)

const fireTimeout = 30 * time.Second

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts standard five-field specs and descriptors such as @hourly.
func ParseSchedule(spec string) (cron.Schedule, error) {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse schedule", fmt.Errorf("%q: %w", spec, err))
	}
	return schedule, nil
}

// Firer enqueues the scheduled run of a job.
type Firer interface {
	Fire(ctx context.Context, jobName string, firedAt time.Time) (domain.JobInvocation, error)
}

type Scheduler struct {
	cron     *cron.Cron
	firer    Firer
	location *time.Location
	jobs     []string
	logger   *zap.Logger
}

func New(jobs []domain.IngestionJob, firer Firer, location *time.Location, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if location == nil {
		location = time.UTC
	}
	logger = logger.Named("scheduler")
	cronLog := cronLogger{sugar: logger.Sugar()}

	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(location),
			cron.WithParser(parser),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog)),
		),
		firer:    firer,
		location: location,
		logger:   logger,
	}

	for _, job := range jobs {
		if !job.Enabled {
			logger.Info("job_disabled", zap.String("job", job.Name))
			continue
		}
		schedule, err := ParseSchedule(job.Schedule)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", job.Name, err)
		}
		s.cron.Schedule(schedule, cron.FuncJob(s.fireFunc(job.Name)))
		s.jobs = append(s.jobs, job.Name)
	}
	sort.Strings(s.jobs)
	return s, nil
}

// Jobs lists the names of registered jobs.
func (s *Scheduler) Jobs() []string {
	return append([]string(nil), s.jobs...)
}

// Run blocks until ctx is done and waits for fires in progress.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler_started", zap.Strings("jobs", s.jobs), zap.String("timezone", s.location.String()))
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler_stopped")
	return nil
}

// fireFunc truncates the fire time to the minute, the finest schedule
// granularity, so replicas firing the same entry agree on it.
func (s *Scheduler) fireFunc(jobName string) func() {
	return func() {
		s.fire(jobName, time.Now().In(s.location).Truncate(time.Minute))
	}
}

func (s *Scheduler) fire(jobName string, firedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	inv, err := s.firer.Fire(ctx, jobName, firedAt)
	if err != nil {
		s.logger.Error("job_fire_failed", zap.String("job", jobName), zap.Time("fired_at", firedAt), zap.Error(err))
		return
	}
	s.logger.Info("job_fired", zap.String("job", jobName), zap.String("run_id", inv.RunID), zap.Time("fired_at", firedAt))
}

// NextRuns reports the next fire time of every enabled job after now.
func NextRuns(jobs []domain.IngestionJob, now time.Time, location *time.Location) map[string]time.Time {
	if location == nil {
		location = time.UTC
	}
	out := make(map[string]time.Time, len(jobs))
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		schedule, err := ParseSchedule(job.Schedule)
		if err != nil {
			continue
		}
		out[job.Name] = schedule.Next(now.In(location))
	}
	return out
}

// cronLogger routes cron's internal logging to zap.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
