package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/core/ports"
)

const releaseTimeout = 5 * time.Second

// JobObserver receives every persisted job state transition.
type JobObserver interface {
	ObserveJobState(jobName string, state domain.JobState)
}

// JobTable is the static job definition set, keyed by name.
type JobTable map[string]domain.IngestionJob

func NewJobTable(jobs []domain.IngestionJob) JobTable {
	table := make(JobTable, len(jobs))
	for _, job := range jobs {
		table[job.Name] = job
	}
	return table
}

func (t JobTable) lookup(name string) (domain.IngestionJob, error) {
	job, ok := t[name]
	if !ok {
		return domain.IngestionJob{}, domain.WrapError(domain.ErrUnknownJob, "lookup job", fmt.Errorf("job %q is not configured", name))
	}
	return job, nil
}

// JobRunnerUseCase executes one delivery of a job: lock, collect, ingest, record.
type JobRunnerUseCase struct {
	jobs       JobTable
	collectors ports.CollectorFactory
	ingestor   ports.DocumentIngestor
	locker     ports.JobLocker
	runs       ports.JobRunStore
	owner      string

	now      func() time.Time
	observer JobObserver
	logger   *zap.Logger
}

func NewJobRunnerUseCase(
	jobs JobTable,
	collectors ports.CollectorFactory,
	ingestor ports.DocumentIngestor,
	locker ports.JobLocker,
	runs ports.JobRunStore,
	owner string,
	logger *zap.Logger,
) *JobRunnerUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	if owner == "" {
		owner = uuid.NewString()
	}
	return &JobRunnerUseCase{
		jobs:       jobs,
		collectors: collectors,
		ingestor:   ingestor,
		locker:     locker,
		runs:       runs,
		owner:      owner,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.Named("jobs"),
	}
}

func (uc *JobRunnerUseCase) WithClock(now func() time.Time) *JobRunnerUseCase {
	if now != nil {
		uc.now = now
	}
	return uc
}

func (uc *JobRunnerUseCase) WithObserver(observer JobObserver) *JobRunnerUseCase {
	uc.observer = observer
	return uc
}

// Job exposes a definition to transport adapters that need its timeouts.
func (uc *JobRunnerUseCase) Job(name string) (domain.IngestionJob, error) {
	return uc.jobs.lookup(name)
}

// Run returns the state the invocation ended in and the attempt it used. An
// ErrJobLocked error means the job did not run and the delivery should be
// retried later without counting as an attempt.
//
// The attempt number comes from the persisted run when there is one, so
// deliveries that only hit the lock do not consume the retry budget.
// deliveryHint is used when the run store has no record.
func (uc *JobRunnerUseCase) Run(ctx context.Context, inv domain.JobInvocation, deliveryHint int) (domain.JobOutcome, error) {
	logger := uc.logger.With(
		zap.String("job", inv.JobName),
		zap.String("run_id", inv.RunID),
		zap.String("queue", string(inv.Queue)),
	)

	job, err := uc.jobs.lookup(inv.JobName)
	if err != nil {
		logger.Error("job_unknown", zap.Error(err))
		return domain.JobOutcome{State: domain.JobDead}, err
	}

	release, err := uc.locker.Acquire(ctx, job.Name, uc.owner)
	if err != nil {
		if domain.IsKind(err, domain.ErrJobLocked) {
			logger.Info("job_locked", zap.Int("delivery", deliveryHint))
			return domain.JobOutcome{State: domain.JobScheduled}, err
		}
		run, attempt := uc.loadRun(ctx, inv, deliveryHint)
		return uc.finish(ctx, logger.With(zap.Int("attempt", attempt)), job, run, attempt, domain.BatchStats{}, fmt.Errorf("acquire lock: %w", err))
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := release(releaseCtx); err != nil {
			logger.Warn("job_lock_release_failed", zap.Error(err))
		}
	}()

	run, attempt := uc.loadRun(ctx, inv, deliveryHint)
	logger = logger.With(zap.Int("attempt", attempt))
	if run.State.Terminal() {
		logger.Info("job_already_finished", zap.String("state", string(run.State)))
		return domain.JobOutcome{State: run.State, Attempt: run.Attempt}, nil
	}
	if attempt > job.MaxAttempts() {
		// The previous attempt never reported back; its worker was lost.
		return uc.finish(ctx, logger, job, run, attempt-1, run.Stats, fmt.Errorf("worker lost during attempt %d", attempt-1))
	}

	run.Attempt = attempt
	run.State = domain.JobRunning
	run.Error = ""
	run.StartedAt = uc.now()
	run.UpdatedAt = run.StartedAt
	uc.saveRun(ctx, logger, run)
	logger.Info("job_started")

	stats, runErr := uc.execute(ctx, job)
	return uc.finish(ctx, logger, job, run, attempt, stats, runErr)
}

func (uc *JobRunnerUseCase) execute(ctx context.Context, job domain.IngestionJob) (domain.BatchStats, error) {
	collector, err := uc.collectors.Build(job.Source)
	if err != nil {
		return domain.BatchStats{}, fmt.Errorf("build collector: %w", err)
	}

	runCtx := ctx
	if job.SoftTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.SoftTimeout)
		defer cancel()
	}

	stats, err := uc.ingestor.IngestBatch(runCtx, collector.Produce(runCtx))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return stats, fmt.Errorf("soft timeout %s exceeded: %w", job.SoftTimeout, err)
		}
		return stats, fmt.Errorf("ingest from %s: %w", collector.Name(), err)
	}
	return stats, nil
}

func (uc *JobRunnerUseCase) finish(
	ctx context.Context,
	logger *zap.Logger,
	job domain.IngestionJob,
	run *domain.JobRun,
	attempt int,
	stats domain.BatchStats,
	runErr error,
) (domain.JobOutcome, error) {
	run.Attempt = attempt
	run.Stats = stats
	run.FinishedAt = uc.now()
	run.UpdatedAt = run.FinishedAt

	fields := []zap.Field{
		zap.Int("received", stats.Received),
		zap.Int("indexed", stats.Indexed),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("irrelevant", stats.Irrelevant),
		zap.Int("failed", stats.Failed),
	}
	switch {
	case runErr == nil:
		run.State = domain.JobSucceeded
		run.Error = ""
		logger.Info("job_succeeded", fields...)
	case attempt < job.MaxAttempts():
		run.State = domain.JobRetrying
		run.Error = runErr.Error()
		logger.Warn("job_retrying", append(fields, zap.Error(runErr))...)
	default:
		run.State = domain.JobDead
		run.Error = runErr.Error()
		logger.Error("job_dead", append(fields, zap.Int("max_attempts", job.MaxAttempts()), zap.Error(runErr))...)
	}

	uc.saveRun(context.WithoutCancel(ctx), logger, run)
	return domain.JobOutcome{State: run.State, Attempt: run.Attempt}, runErr
}

// Abandon records a run as dead without running it, for deliveries the
// transport is about to drop. Finished runs are left as they are.
func (uc *JobRunnerUseCase) Abandon(ctx context.Context, inv domain.JobInvocation, reason string) (domain.JobOutcome, error) {
	logger := uc.logger.With(zap.String("job", inv.JobName), zap.String("run_id", inv.RunID))
	run, _ := uc.loadRun(ctx, inv, 0)
	if run.State.Terminal() {
		return domain.JobOutcome{State: run.State, Attempt: run.Attempt}, nil
	}

	run.State = domain.JobDead
	run.Error = reason
	run.FinishedAt = uc.now()
	run.UpdatedAt = run.FinishedAt
	logger.Error("job_dead", zap.Int("attempt", run.Attempt), zap.String("reason", reason))
	uc.saveRun(context.WithoutCancel(ctx), logger, run)
	return domain.JobOutcome{State: domain.JobDead, Attempt: run.Attempt}, errors.New(reason)
}

// loadRun returns the run and the number of the attempt about to start. It
// falls back to a fresh record when the run was never persisted, e.g. when
// the scheduler's store write failed.
func (uc *JobRunnerUseCase) loadRun(ctx context.Context, inv domain.JobInvocation, deliveryHint int) (*domain.JobRun, int) {
	if inv.RunID != "" {
		if run, err := uc.runs.GetRun(ctx, inv.RunID); err == nil {
			return run, run.Attempt + 1
		}
	}
	id := inv.RunID
	if id == "" {
		id = uuid.NewString()
	}
	run := &domain.JobRun{
		ID:          id,
		JobName:     inv.JobName,
		Queue:       inv.Queue,
		Trigger:     inv.Trigger,
		State:       domain.JobScheduled,
		ScheduledAt: inv.ScheduledAt,
	}
	return run, max(deliveryHint, 1)
}

func (uc *JobRunnerUseCase) saveRun(ctx context.Context, logger *zap.Logger, run *domain.JobRun) {
	err := uc.runs.UpdateRun(ctx, run)
	if domain.IsKind(err, domain.ErrNotFound) {
		err = uc.runs.CreateRun(ctx, run)
	}
	if err != nil {
		logger.Warn("job_run_save_failed", zap.String("state", string(run.State)), zap.Error(err))
	}
	if uc.observer != nil {
		uc.observer.ObserveJobState(run.JobName, run.State)
	}
}

// JobTriggerUseCase turns schedule fires and manual requests into queued invocations.
type JobTriggerUseCase struct {
	jobs   JobTable
	queue  ports.JobQueue
	runs   ports.JobRunStore
	now    func() time.Time
	logger *zap.Logger
}

func NewJobTriggerUseCase(jobs JobTable, queue ports.JobQueue, runs ports.JobRunStore, logger *zap.Logger) *JobTriggerUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobTriggerUseCase{
		jobs:   jobs,
		queue:  queue,
		runs:   runs,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.Named("trigger"),
	}
}

func (uc *JobTriggerUseCase) WithClock(now func() time.Time) *JobTriggerUseCase {
	if now != nil {
		uc.now = now
	}
	return uc
}

// Trigger enqueues a manual run; an empty queue keeps the job's own queue class.
func (uc *JobTriggerUseCase) Trigger(ctx context.Context, jobName string, queue domain.QueueClass) (domain.JobInvocation, error) {
	job, err := uc.jobs.lookup(jobName)
	if err != nil {
		return domain.JobInvocation{}, err
	}
	if queue == "" {
		queue = job.Queue
	}
	inv := domain.JobInvocation{
		RunID:       uuid.NewString(),
		JobName:     job.Name,
		Queue:       queue,
		Trigger:     domain.TriggerManual,
		ScheduledAt: uc.now(),
	}
	return inv, uc.enqueue(ctx, inv)
}

// Fire enqueues the scheduled run for firedAt. The run ID is derived from the
// job name and the fire minute, the finest schedule granularity, so that
// replicas firing together collapse into one run.
func (uc *JobTriggerUseCase) Fire(ctx context.Context, jobName string, firedAt time.Time) (domain.JobInvocation, error) {
	job, err := uc.jobs.lookup(jobName)
	if err != nil {
		return domain.JobInvocation{}, err
	}
	if !job.Enabled {
		return domain.JobInvocation{}, domain.WrapError(domain.ErrInvalidInput, "fire job", fmt.Errorf("job %q is disabled", job.Name))
	}
	firedAt = firedAt.UTC().Truncate(time.Minute)
	inv := domain.JobInvocation{
		RunID:       ScheduledRunID(job.Name, firedAt),
		JobName:     job.Name,
		Queue:       job.Queue,
		Trigger:     domain.TriggerCron,
		ScheduledAt: firedAt,
	}
	return inv, uc.enqueue(ctx, inv)
}

// ScheduledRunID is stable for one job and fire time.
func ScheduledRunID(jobName string, firedAt time.Time) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "lexrag-job:%s:%d", jobName, firedAt.Unix())).String()
}

func (uc *JobTriggerUseCase) enqueue(ctx context.Context, inv domain.JobInvocation) error {
	run := &domain.JobRun{
		ID:          inv.RunID,
		JobName:     inv.JobName,
		Queue:       inv.Queue,
		Trigger:     inv.Trigger,
		State:       domain.JobScheduled,
		ScheduledAt: inv.ScheduledAt,
		UpdatedAt:   uc.now(),
	}
	if err := uc.runs.CreateRun(ctx, run); err != nil {
		uc.logger.Warn("job_run_create_failed", zap.String("job", inv.JobName), zap.String("run_id", inv.RunID), zap.Error(err))
	}
	if err := uc.queue.Enqueue(ctx, inv); err != nil {
		return fmt.Errorf("enqueue %s: %w", inv.JobName, err)
	}
	uc.logger.Info("job_enqueued",
		zap.String("job", inv.JobName),
		zap.String("run_id", inv.RunID),
		zap.String("queue", string(inv.Queue)),
		zap.String("trigger", string(inv.Trigger)),
	)
	return nil
}
