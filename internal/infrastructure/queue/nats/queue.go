package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/infrastructure/resilience"
)

const (
	DefaultStream        = "LEXRAG_JOBS"
	DefaultSubjectPrefix = "lexrag.jobs"
)

// Queue publishes job invocations to a JetStream work-queue stream with one
// subject per queue class.
type Queue struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	stream   jetstream.Stream
	options  Options
	executor *resilience.Executor
	logger   *zap.Logger
}

type Options struct {
	Name                 string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool

	Stream        string
	SubjectPrefix string
	// DuplicateWindow bounds Nats-Msg-Id dedup of repeated scheduler fires.
	DuplicateWindow time.Duration
	AckWait         time.Duration
	MaxDeliver      int
	MaxAckPending   int

	ResilienceExecutor *resilience.Executor
	Logger             *zap.Logger
}

func (o Options) normalize() Options {
	out := o
	if out.Name == "" {
		out.Name = "lexrag"
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 2 * time.Second
	}
	if out.ReconnectWait <= 0 {
		out.ReconnectWait = 2 * time.Second
	}
	if out.MaxReconnects <= 0 {
		out.MaxReconnects = 60
	}
	if out.Stream == "" {
		out.Stream = DefaultStream
	}
	if out.SubjectPrefix == "" {
		out.SubjectPrefix = DefaultSubjectPrefix
	}
	out.SubjectPrefix = strings.TrimSuffix(out.SubjectPrefix, ".")
	if out.DuplicateWindow <= 0 {
		out.DuplicateWindow = 2 * time.Hour
	}
	if out.AckWait <= 0 {
		out.AckWait = time.Minute
	}
	if out.MaxDeliver == 0 {
		out.MaxDeliver = 50
	}
	if out.MaxAckPending <= 0 {
		out.MaxAckPending = 64
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

func New(ctx context.Context, url string, options Options) (*Queue, error) {
	options = options.normalize()
	logger := options.Logger.Named("nats")

	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name(options.Name),
		nats.Timeout(options.ConnectTimeout),
		nats.ReconnectWait(options.ReconnectWait),
		nats.MaxReconnects(options.MaxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       options.Stream,
		Subjects:   []string{options.SubjectPrefix + ".>"},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: options.DuplicateWindow,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", options.Stream, err)
	}

	return &Queue{
		conn:     conn,
		js:       js,
		stream:   stream,
		options:  options,
		executor: options.ResilienceExecutor,
		logger:   logger,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

// JetStream exposes the context for KV-backed helpers sharing the connection.
func (q *Queue) JetStream() jetstream.JetStream {
	return q.js
}

func (q *Queue) Ping(context.Context) error {
	if status := q.conn.Status(); status != nats.CONNECTED {
		return domain.WrapError(domain.ErrTemporary, "nats ping", fmt.Errorf("connection status %s", status))
	}
	return nil
}

func (q *Queue) Subject(queue domain.QueueClass) string {
	return subjectFor(q.options.SubjectPrefix, queue)
}

func subjectFor(prefix string, queue domain.QueueClass) string {
	if queue == "" {
		queue = domain.QueueDefault
	}
	return prefix + "." + string(queue)
}

// Enqueue publishes with the run ID as Nats-Msg-Id, so a repeated fire of the
// same scheduled run is dropped by the stream.
func (q *Queue) Enqueue(ctx context.Context, inv domain.JobInvocation) error {
	if strings.TrimSpace(inv.RunID) == "" || strings.TrimSpace(inv.JobName) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "enqueue job", errors.New("run id and job name are required"))
	}
	payload, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invocation: %w", err)
	}
	subject := q.Subject(inv.Queue)

	call := func(callCtx context.Context) error {
		ack, err := q.js.Publish(callCtx, subject, payload, jetstream.WithMsgID(inv.RunID))
		if err != nil {
			return fmt.Errorf("jetstream publish: %w", err)
		}
		if ack.Duplicate {
			q.logger.Info("job_enqueue_duplicate", zap.String("job", inv.JobName), zap.String("run_id", inv.RunID))
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return asTemporary("nats publish", err)
	}
	return nil
}

func (q *Queue) consumer(ctx context.Context, queue domain.QueueClass) (jetstream.Consumer, error) {
	cons, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "jobs-" + string(queue),
		FilterSubject: q.Subject(queue),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.options.AckWait,
		MaxDeliver:    q.options.MaxDeliver,
		MaxAckPending: q.options.MaxAckPending,
	})
	if err != nil {
		return nil, asTemporary("nats consumer", fmt.Errorf("ensure consumer for %s: %w", queue, err))
	}
	return cons, nil
}
