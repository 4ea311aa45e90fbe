package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/infrastructure/resilience"
)

const (
	defaultHardTimeout    = 2 * time.Hour
	defaultLockRetryDelay = 30 * time.Second
	maxTermReasonLen      = 256

	lockBudgetReason = "lock held past delivery budget"
)

// JobRunner is the use case a worker hands each delivery to.
type JobRunner interface {
	Run(ctx context.Context, inv domain.JobInvocation, deliveryHint int) (domain.JobOutcome, error)
	Abandon(ctx context.Context, inv domain.JobInvocation, reason string) (domain.JobOutcome, error)
	Job(name string) (domain.IngestionJob, error)
}

type WorkerConfig struct {
	Queues      []domain.QueueClass
	Concurrency int
	// MaxJobsPerLoop re-creates the consume loop after that many messages.
	MaxJobsPerLoop int
	// MaxLifetimeJobs stops the worker after that many jobs so a supervisor can restart it.
	MaxLifetimeJobs int64
	LockRetryDelay  time.Duration
	// MaxDeliver mirrors the consumer's delivery limit. A lock conflict on the
	// last delivery marks the run dead instead of letting JetStream drop it.
	// Zero takes the queue's setting; negative means unlimited.
	MaxDeliver   int
	RetryBackoff resilience.RetryPolicy
	// Heartbeat is the InProgress interval; it must stay below the consumer AckWait.
	Heartbeat time.Duration
}

// message is the part of jetstream.Msg a worker uses.
type message interface {
	Data() []byte
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	NakWithDelay(delay time.Duration) error
	InProgress() error
	TermWithReason(reason string) error
}

type JobWorker struct {
	queue  *Queue
	runner JobRunner
	cfg    WorkerConfig
	logger *zap.Logger

	processed atomic.Int64
	slots     chan struct{}
	inflight  sync.WaitGroup
}

func NewJobWorker(queue *Queue, runner JobRunner, cfg WorkerConfig, logger *zap.Logger) *JobWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = domain.QueueClasses()
	}
	if cfg.LockRetryDelay <= 0 {
		cfg.LockRetryDelay = defaultLockRetryDelay
	}
	if cfg.MaxDeliver == 0 && queue != nil {
		cfg.MaxDeliver = queue.options.MaxDeliver
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 20 * time.Second
	}
	if cfg.RetryBackoff.MaxAttempts == 0 {
		cfg.RetryBackoff = resilience.RetryPolicy{
			MaxAttempts:    1,
			InitialBackoff: time.Minute,
			MaxBackoff:     30 * time.Minute,
			Multiplier:     2,
			Jitter:         0.2,
		}
	}
	return &JobWorker{
		queue:  queue,
		runner: runner,
		cfg:    cfg,
		logger: logger.Named("worker"),
		slots:  make(chan struct{}, cfg.Concurrency),
	}
}

// Processed is the number of deliveries handled since start.
func (w *JobWorker) Processed() int64 {
	return w.processed.Load()
}

// Run consumes every configured queue until ctx is done or the lifetime job
// budget is spent, then waits for in-flight jobs.
func (w *JobWorker) Run(ctx context.Context) error {
	loopCtx, stop := context.WithCancel(ctx)
	defer stop()

	errs := make(chan error, len(w.cfg.Queues))
	var loops sync.WaitGroup
	for _, queue := range w.cfg.Queues {
		loops.Add(1)
		go func() {
			defer loops.Done()
			if err := w.consumeLoop(loopCtx, stop, queue); err != nil {
				errs <- err
				stop()
			}
		}()
	}
	loops.Wait()
	w.inflight.Wait()
	close(errs)

	var joined error
	for err := range errs {
		joined = errors.Join(joined, err)
	}
	return joined
}

func (w *JobWorker) consumeLoop(ctx context.Context, stop context.CancelFunc, queue domain.QueueClass) error {
	logger := w.logger.With(zap.String("queue", string(queue)))
	for ctx.Err() == nil {
		cons, err := w.queue.consumer(ctx, queue)
		if err != nil {
			return err
		}

		opts := []jetstream.PullConsumeOpt{
			jetstream.PullMaxMessages(w.cfg.Concurrency),
			jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
				logger.Warn("consume_error", zap.Error(err))
			}),
		}
		if w.cfg.MaxJobsPerLoop > 0 {
			opts = append(opts, jetstream.StopAfter(w.cfg.MaxJobsPerLoop))
		}

		consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
			w.dispatch(ctx, stop, msg)
		}, opts...)
		if err != nil {
			return asTemporary("nats consume", fmt.Errorf("consume %s: %w", queue, err))
		}
		logger.Info("consume_loop_started")

		select {
		case <-ctx.Done():
			consumeCtx.Drain()
			<-consumeCtx.Closed()
		case <-consumeCtx.Closed():
			logger.Info("consume_loop_recycled", zap.Int("max_jobs_per_loop", w.cfg.MaxJobsPerLoop))
		}
	}
	return nil
}

// dispatch blocks the consume callback while all slots are busy.
func (w *JobWorker) dispatch(ctx context.Context, stop context.CancelFunc, msg message) {
	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		_ = msg.NakWithDelay(0)
		return
	}
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		defer func() { <-w.slots }()
		w.handle(ctx, msg)
		if n := w.processed.Add(1); w.cfg.MaxLifetimeJobs > 0 && n >= w.cfg.MaxLifetimeJobs {
			w.logger.Info("worker_lifetime_reached", zap.Int64("processed", n))
			stop()
		}
	}()
}

// handle runs one delivery to completion. The job gets its own deadline so
// that a worker shutdown lets it finish within the hard timeout.
func (w *JobWorker) handle(ctx context.Context, msg message) {
	var inv domain.JobInvocation
	if err := json.Unmarshal(msg.Data(), &inv); err != nil || inv.JobName == "" {
		w.logger.Error("job_message_malformed", zap.Error(err))
		_ = msg.TermWithReason("malformed invocation")
		return
	}
	logger := w.logger.With(zap.String("job", inv.JobName), zap.String("run_id", inv.RunID))

	delivered := 1
	if meta, err := msg.Metadata(); err == nil && meta != nil {
		delivered = int(meta.NumDelivered)
	}

	hardTimeout := defaultHardTimeout
	if job, err := w.runner.Job(inv.JobName); err == nil && job.HardTimeout > 0 {
		hardTimeout = job.HardTimeout
	}
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hardTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.heartbeat(jobCtx, msg, heartbeatDone)

	outcome, err := w.runner.Run(jobCtx, inv, delivered)
	close(heartbeatDone)

	if domain.IsKind(err, domain.ErrJobLocked) && w.lastDelivery(delivered) {
		logger.Error("job_lock_budget_exhausted", zap.Int("delivered", delivered), zap.Int("max_deliver", w.cfg.MaxDeliver))
		// Runs that already finished keep their state and settle by it.
		outcome, err = w.runner.Abandon(jobCtx, inv, lockBudgetReason)
	}

	if ackErr := w.settle(msg, outcome, err); ackErr != nil {
		logger.Warn("job_message_settle_failed", zap.String("state", string(outcome.State)), zap.Error(ackErr))
	}
}

func (w *JobWorker) lastDelivery(delivered int) bool {
	return w.cfg.MaxDeliver > 0 && delivered >= w.cfg.MaxDeliver
}

// settle backs retries off by the run's attempt, so deliveries that only met
// the lock do not stretch the delay.
func (w *JobWorker) settle(msg message, outcome domain.JobOutcome, runErr error) error {
	switch {
	case outcome.State == domain.JobDead:
		return msg.TermWithReason(termReason(runErr))
	case domain.IsKind(runErr, domain.ErrJobLocked):
		return msg.NakWithDelay(w.cfg.LockRetryDelay)
	case outcome.State == domain.JobSucceeded:
		return msg.Ack()
	default:
		return msg.NakWithDelay(w.cfg.RetryBackoff.Backoff(max(outcome.Attempt, 1)))
	}
}

func (w *JobWorker) heartbeat(ctx context.Context, msg message, done <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := msg.InProgress(); err != nil {
				w.logger.Warn("job_heartbeat_failed", zap.Error(err))
			}
		}
	}
}

func termReason(err error) string {
	if err == nil {
		return "dead"
	}
	reason := err.Error()
	if len(reason) > maxTermReasonLen {
		reason = reason[:maxTermReasonLen]
	}
	return reason
}
