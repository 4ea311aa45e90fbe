// Package indexing turns accepted chunks into vector index records.
package indexing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/core/fingerprint"
	"github.com/kirillkom/lexrag/internal/core/ports"
	"github.com/kirillkom/lexrag/internal/infrastructure/resilience"
)

const (
	DefaultBatchSize      = 16
	defaultCleanupTimeout = 30 * time.Second
)

type Config struct {
	BatchSize      int
	Policy         resilience.RetryPolicy
	CleanupTimeout time.Duration
}

// Adapter embeds and upserts every chunk of a document. When any call
// exhausts its retry budget, the document's records are deleted again so
// that callers only ever observe all or none of its chunks.
type Adapter struct {
	embedder ports.Embedder
	store    ports.VectorStore
	executor *resilience.Executor

	policy         resilience.RetryPolicy
	batchSize      int
	cleanupTimeout time.Duration
	now            func() time.Time
	logger         *zap.Logger
}

func NewAdapter(
	embedder ports.Embedder,
	store ports.VectorStore,
	executor *resilience.Executor,
	cfg Config,
	logger *zap.Logger,
) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if executor == nil {
		executor = resilience.NewExecutor(resilience.Config{Retry: cfg.Policy}, logger)
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	cleanupTimeout := cfg.CleanupTimeout
	if cleanupTimeout <= 0 {
		cleanupTimeout = defaultCleanupTimeout
	}
	return &Adapter{
		embedder:       embedder,
		store:          store,
		executor:       executor,
		policy:         cfg.Policy,
		batchSize:      batchSize,
		cleanupTimeout: cleanupTimeout,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         logger.Named("indexing"),
	}
}

func (a *Adapter) WithClock(now func() time.Time) *Adapter {
	if now != nil {
		a.now = now
	}
	return a
}

func (a *Adapter) IndexDocument(
	ctx context.Context,
	doc domain.RawDocument,
	fp string,
	chunks []domain.Chunk,
	classification domain.ClassificationResult,
) error {
	if len(chunks) == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "index document", errors.New("no chunks"))
	}

	indexedAt := a.now()
	for start := 0; start < len(chunks); start += a.batchSize {
		end := min(start+a.batchSize, len(chunks))
		batch := chunks[start:end]

		records, err := a.embedBatch(ctx, doc, fp, batch, classification, indexedAt)
		if err != nil {
			return a.rollback(ctx, doc.Jurisdiction, fp, err)
		}
		if err := a.upsertBatch(ctx, records); err != nil {
			return a.rollback(ctx, doc.Jurisdiction, fp, err)
		}
	}
	return nil
}

func (a *Adapter) RemoveDocument(ctx context.Context, jurisdiction, fp string) error {
	return a.executor.ExecuteWithPolicy(ctx, "index.delete", a.policy, func(ctx context.Context) error {
		return a.store.DeleteByFingerprint(ctx, jurisdiction, fp)
	}, classifyIndexError)
}

func (a *Adapter) embedBatch(
	ctx context.Context,
	doc domain.RawDocument,
	fp string,
	batch []domain.Chunk,
	classification domain.ClassificationResult,
	indexedAt time.Time,
) ([]domain.IndexRecord, error) {
	texts := make([]string, len(batch))
	for i, chunk := range batch {
		texts[i] = strings.TrimSpace(chunk.Text)
	}

	var vectors [][]float32
	err := a.executor.ExecuteWithPolicy(ctx, "index.embed", a.policy, func(ctx context.Context) error {
		out, err := a.embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}
		if len(out) != len(texts) {
			return fmt.Errorf("vectors/chunks mismatch: %d/%d", len(out), len(texts))
		}
		vectors = out
		return nil
	}, classifyIndexError)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}

	records := make([]domain.IndexRecord, len(batch))
	for i, chunk := range batch {
		records[i] = domain.IndexRecord{
			ID:                  fingerprint.RecordID(fp, chunk.Index),
			Vector:              vectors[i],
			Jurisdiction:        doc.Jurisdiction,
			SubJurisdiction:     doc.SubJurisdiction,
			Title:               doc.Title,
			Text:                texts[i],
			SourceURL:           doc.SourceURL,
			DocumentType:        doc.DocumentType,
			Language:            doc.Language,
			PublishedAt:         doc.PublishedAt,
			Fingerprint:         fp,
			ChunkIndex:          chunk.Index,
			RelevanceConfidence: classification.Confidence,
			IndexedAt:           indexedAt,
		}
	}
	return records, nil
}

func (a *Adapter) upsertBatch(ctx context.Context, records []domain.IndexRecord) error {
	err := a.executor.ExecuteWithPolicy(ctx, "index.upsert", a.policy, func(ctx context.Context) error {
		return a.store.Upsert(ctx, records)
	}, classifyIndexError)
	if err != nil {
		return fmt.Errorf("upsert records: %w", err)
	}
	return nil
}

// rollback runs on a context detached from cancellation so a soft timeout
// still leaves no partial state behind.
func (a *Adapter) rollback(ctx context.Context, jurisdiction, fp string, cause error) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cleanupTimeout)
	defer cancel()

	if err := a.RemoveDocument(cleanupCtx, jurisdiction, fp); err != nil {
		a.logger.Error("index_rollback_failed",
			zap.String("fingerprint", fp),
			zap.String("jurisdiction", jurisdiction),
			zap.Error(err),
		)
		return domain.WrapError(domain.ErrIndexFailed, "index document", fmt.Errorf("%w; rollback: %v", cause, err))
	}
	return domain.WrapError(domain.ErrIndexFailed, "index document", cause)
}

func classifyIndexError(err error) resilience.ErrorClassification {
	switch {
	case err == nil:
		return resilience.ErrorClassification{}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	case domain.IsKind(err, domain.ErrInvalidInput), domain.IsKind(err, domain.ErrUnauthorized):
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	case resilience.IsCircuitOpen(err):
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	default:
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
}
