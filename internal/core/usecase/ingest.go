package usecase

import (
	"context"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/core/ports"
)

// DefaultFreshnessWindow is how long a dedup record suppresses reprocessing.
const DefaultFreshnessWindow = 90 * 24 * time.Hour

// IngestObserver receives one call per finished document.
type IngestObserver interface {
	ObserveIngest(outcome domain.IngestOutcome, elapsed time.Duration)
}

type CoordinatorConfig struct {
	FreshnessWindow time.Duration
}

// IngestionCoordinator drives each raw document through
// fingerprint, dedup, classify, chunk, index and dedup-record steps.
type IngestionCoordinator struct {
	dedup      ports.DedupStore
	classifier ports.RelevanceClassifier
	chunker    ports.Chunker
	indexer    ports.DocumentIndexer

	freshness time.Duration
	now       func() time.Time
	observer  IngestObserver
	logger    *zap.Logger
}

func NewIngestionCoordinator(
	dedup ports.DedupStore,
	classifier ports.RelevanceClassifier,
	chunker ports.Chunker,
	indexer ports.DocumentIndexer,
	cfg CoordinatorConfig,
	logger *zap.Logger,
) *IngestionCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	freshness := cfg.FreshnessWindow
	if freshness <= 0 {
		freshness = DefaultFreshnessWindow
	}
	return &IngestionCoordinator{
		dedup:      dedup,
		classifier: classifier,
		chunker:    chunker,
		indexer:    indexer,
		freshness:  freshness,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.Named("ingest"),
	}
}

func (uc *IngestionCoordinator) WithClock(now func() time.Time) *IngestionCoordinator {
	if now != nil {
		uc.now = now
	}
	return uc
}

func (uc *IngestionCoordinator) WithObserver(observer IngestObserver) *IngestionCoordinator {
	uc.observer = observer
	return uc
}

// IngestDocument never returns an error: every failure becomes a skip reason.
func (uc *IngestionCoordinator) IngestDocument(ctx context.Context, doc domain.RawDocument) domain.IngestOutcome {
	started := time.Now()
	outcome := uc.process(ctx, doc)

	fields := []zap.Field{
		zap.String("fingerprint", outcome.Fingerprint),
		zap.String("jurisdiction", outcome.Jurisdiction),
		zap.String("status", string(outcome.Status)),
		zap.Int("chunks", outcome.Chunks),
		zap.Float64("confidence", outcome.Classification.Confidence),
		zap.String("method", string(outcome.Classification.Method)),
		zap.Duration("elapsed", time.Since(started)),
	}
	switch outcome.Reason {
	case domain.SkipNone:
		uc.logger.Info("document_indexed", fields...)
	case domain.SkipIndexFailure, domain.SkipInvalid:
		uc.logger.Warn("document_skipped", append(fields, zap.String("reason", string(outcome.Reason)), zap.String("error", outcome.Error))...)
	default:
		uc.logger.Info("document_skipped", append(fields, zap.String("reason", string(outcome.Reason)))...)
	}

	if uc.observer != nil {
		uc.observer.ObserveIngest(outcome, time.Since(started))
	}
	return outcome
}

// IngestBatch processes documents in order until the source is exhausted.
// A document-level failure is counted, a source error or cancellation ends the batch.
func (uc *IngestionCoordinator) IngestBatch(ctx context.Context, docs iter.Seq2[domain.RawDocument, error]) (domain.BatchStats, error) {
	var stats domain.BatchStats
	for doc, err := range docs {
		if err != nil {
			return stats, fmt.Errorf("collect documents: %w", err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stats, ctxErr
		}
		stats.Add(uc.IngestDocument(ctx, doc))
	}
	return stats, nil
}
