package ports

import (
	"context"
	"iter"
	"time"

	"github.com/kirillkom/lexrag/internal/core/domain"
)

// DedupStore persists which fingerprints have been indexed per jurisdiction.
// Get returns an error of kind domain.ErrNotFound when no record exists.
type DedupStore interface {
	Get(ctx context.Context, fingerprint, jurisdiction string) (*domain.DedupRecord, error)
	Put(ctx context.Context, rec domain.DedupRecord) error
	Touch(ctx context.Context, fingerprint, jurisdiction string, seenAt time.Time) error
}

// LanguageModel is the external text generation capability.
type LanguageModel interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
}

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorStore holds index records. Upsert is last-write-wins on record ID.
type VectorStore interface {
	Upsert(ctx context.Context, records []domain.IndexRecord) error
	DeleteByFingerprint(ctx context.Context, jurisdiction, fingerprint string) error
	Search(ctx context.Context, queryVector []float32, filter domain.SearchFilter, limit int) ([]domain.IndexRecord, error)
}

// Chunker splits a document body into ordered, overlapping chunks.
type Chunker interface {
	Chunk(parentFingerprint, body string) iter.Seq[domain.Chunk]
}

// DocumentIndexer embeds and upserts all chunks of one document, or none of them.
type DocumentIndexer interface {
	IndexDocument(
		ctx context.Context,
		doc domain.RawDocument,
		fingerprint string,
		chunks []domain.Chunk,
		classification domain.ClassificationResult,
	) error
	// RemoveDocument drops every record of a fingerprint.
	RemoveDocument(ctx context.Context, jurisdiction, fingerprint string) error
}

// SourceCollector produces raw documents from one external source.
type SourceCollector interface {
	Name() string
	Produce(ctx context.Context) iter.Seq2[domain.RawDocument, error]
}

// CollectorFactory builds the collector a job's source spec describes.
type CollectorFactory interface {
	Build(spec domain.SourceSpec) (SourceCollector, error)
}

// JobQueue carries job invocations from the scheduler to workers.
type JobQueue interface {
	Enqueue(ctx context.Context, inv domain.JobInvocation) error
}

// JobLocker prevents overlapping runs of the same job across workers.
// Acquire returns an error of kind domain.ErrJobLocked when the lock is held.
type JobLocker interface {
	Acquire(ctx context.Context, jobName, owner string) (release func(context.Context) error, err error)
}

// JobRunStore keeps the history of job invocations.
type JobRunStore interface {
	CreateRun(ctx context.Context, run *domain.JobRun) error
	UpdateRun(ctx context.Context, run *domain.JobRun) error
	GetRun(ctx context.Context, id string) (*domain.JobRun, error)
	ListRuns(ctx context.Context, jobName string, limit int) ([]domain.JobRun, error)
	ListDead(ctx context.Context, limit int) ([]domain.JobRun, error)
}
