package domain

import (
	"fmt"
	"strings"
	"time"
)

// QueueClass names one of the worker queues a job is routed to.
type QueueClass string

const (
	QueueDefault    QueueClass = "default"
	QueueScraping   QueueClass = "scraping"
	QueueProcessing QueueClass = "processing"
	QueuePriority   QueueClass = "priority"
)

func QueueClasses() []QueueClass {
	return []QueueClass{QueueDefault, QueueScraping, QueueProcessing, QueuePriority}
}

func ParseQueueClass(raw string) (QueueClass, error) {
	value := QueueClass(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return QueueDefault, nil
	}
	for _, known := range QueueClasses() {
		if value == known {
			return value, nil
		}
	}
	return "", WrapError(ErrInvalidInput, "parse queue class", fmt.Errorf("unknown queue %q", raw))
}

// SourceSpec tells a worker which collector feeds a job and how to tag its documents.
type SourceSpec struct {
	Kind            string `json:"kind" yaml:"kind"`
	Path            string `json:"path,omitempty" yaml:"path,omitempty"`
	URL             string `json:"url,omitempty" yaml:"url,omitempty"`
	BodyFormat      string `json:"body_format,omitempty" yaml:"body_format,omitempty"`
	Jurisdiction    string `json:"jurisdiction,omitempty" yaml:"jurisdiction,omitempty"`
	SubJurisdiction string `json:"sub_jurisdiction,omitempty" yaml:"sub_jurisdiction,omitempty"`
	DocumentType    string `json:"document_type,omitempty" yaml:"document_type,omitempty"`
	Language        string `json:"language,omitempty" yaml:"language,omitempty"`
}

// IngestionJob is a named recurring collection job. It carries no runtime state.
type IngestionJob struct {
	Name        string        `json:"name" yaml:"name"`
	Schedule    string        `json:"schedule" yaml:"schedule"`
	Queue       QueueClass    `json:"queue" yaml:"queue"`
	MaxRetries  int           `json:"max_retries" yaml:"max_retries"`
	SoftTimeout time.Duration `json:"soft_timeout" yaml:"soft_timeout"`
	HardTimeout time.Duration `json:"hard_timeout" yaml:"hard_timeout"`
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Source      SourceSpec    `json:"source" yaml:"source"`
}

// MaxAttempts is the total number of executions allowed, the first run included.
func (j IngestionJob) MaxAttempts() int {
	if j.MaxRetries < 0 {
		return 1
	}
	return j.MaxRetries + 1
}

type JobState string

const (
	JobScheduled JobState = "scheduled"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobRetrying  JobState = "retrying"
	JobDead      JobState = "dead"
)

func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobDead
}

// CanTransition encodes scheduled -> running -> {succeeded | retrying -> running | dead}.
// running -> running covers redelivery after a worker was lost mid-run.
func (s JobState) CanTransition(to JobState) bool {
	switch s {
	case JobScheduled:
		return to == JobRunning || to == JobDead
	case JobRunning:
		return to == JobRunning || to == JobSucceeded || to == JobRetrying || to == JobDead
	case JobRetrying:
		return to == JobRunning || to == JobDead
	default:
		return false
	}
}

type TriggerKind string

const (
	TriggerCron   TriggerKind = "cron"
	TriggerManual TriggerKind = "manual"
)

// JobInvocation is the message a scheduler enqueues for workers.
type JobInvocation struct {
	RunID       string      `json:"run_id"`
	JobName     string      `json:"job_name"`
	Queue       QueueClass  `json:"queue"`
	Trigger     TriggerKind `json:"trigger"`
	ScheduledAt time.Time   `json:"scheduled_at"`
}

// JobOutcome is how one delivery of an invocation ended. Attempt is zero when
// the job did not start, e.g. because another worker held its lock.
type JobOutcome struct {
	State   JobState
	Attempt int
}

// JobRun is the persisted history of one invocation.
type JobRun struct {
	ID          string      `json:"id" yaml:"id"`
	JobName     string      `json:"job_name" yaml:"job_name"`
	Queue       QueueClass  `json:"queue" yaml:"queue"`
	Trigger     TriggerKind `json:"trigger" yaml:"trigger"`
	Attempt     int         `json:"attempt" yaml:"attempt"`
	State       JobState    `json:"state" yaml:"state"`
	Error       string      `json:"error,omitempty" yaml:"error,omitempty"`
	Stats       BatchStats  `json:"stats" yaml:"stats"`
	ScheduledAt time.Time   `json:"scheduled_at" yaml:"scheduled_at"`
	StartedAt   time.Time   `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt  time.Time   `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at" yaml:"updated_at"`
}
