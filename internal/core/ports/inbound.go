package ports

import (
	"context"
	"iter"

	"github.com/kirillkom/lexrag/internal/core/domain"
)

// DocumentIngestor drives raw documents through the ingestion pipeline.
type DocumentIngestor interface {
	IngestDocument(ctx context.Context, doc domain.RawDocument) domain.IngestOutcome
	IngestBatch(ctx context.Context, docs iter.Seq2[domain.RawDocument, error]) (domain.BatchStats, error)
}

// RelevanceClassifier decides whether a candidate document is worth indexing.
type RelevanceClassifier interface {
	Classify(ctx context.Context, doc domain.RawDocument) domain.ClassificationResult
}

// AnswerService answers a question scoped to one jurisdiction.
type AnswerService interface {
	Answer(ctx context.Context, req domain.AnswerRequest) (*domain.Answer, error)
}

// GroundingVerifier checks an answer against the context it was generated from.
type GroundingVerifier interface {
	Verify(ctx context.Context, contextText, answer string) domain.VerificationResult
}

// JobRunner executes one delivery of a job invocation.
type JobRunner interface {
	Run(ctx context.Context, inv domain.JobInvocation, deliveryHint int) (domain.JobOutcome, error)
	// Abandon marks a run dead without executing it.
	Abandon(ctx context.Context, inv domain.JobInvocation, reason string) (domain.JobOutcome, error)
}

// JobTrigger enqueues a job outside its schedule.
type JobTrigger interface {
	Trigger(ctx context.Context, jobName string, queue domain.QueueClass) (domain.JobInvocation, error)
}
