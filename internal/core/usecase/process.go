package usecase

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/core/fingerprint"
)

func (uc *IngestionCoordinator) process(ctx context.Context, raw domain.RawDocument) domain.IngestOutcome {
	doc := raw.Normalized()
	if err := doc.Validate(); err != nil {
		return skipped(domain.IngestOutcome{Jurisdiction: doc.Jurisdiction}, domain.SkipInvalid, err)
	}

	fp := fingerprint.Of(doc.Body)
	outcome := domain.IngestOutcome{Fingerprint: fp, Jurisdiction: doc.Jurisdiction}
	now := uc.now()

	existing := uc.lookupDedup(ctx, fp, doc.Jurisdiction)
	if existing != nil && existing.IsFresh(now, uc.freshness) {
		uc.touchDedup(ctx, fp, doc.Jurisdiction, now)
		outcome.Classification = existing.Classification
		return skipped(outcome, domain.SkipDuplicate, nil)
	}

	classification := uc.classifier.Classify(ctx, doc)
	outcome.Classification = classification
	if !classification.IsRelevant {
		if existing != nil {
			uc.retire(ctx, doc, fp, classification, now)
		}
		return skipped(outcome, domain.SkipIrrelevant, nil)
	}

	chunks, err := uc.chunk(fp, doc.Body)
	if err != nil {
		return skipped(outcome, domain.SkipInvalid, err)
	}

	if err := uc.index(ctx, doc, fp, chunks, classification, existing); err != nil {
		return skipped(outcome, domain.SkipIndexFailure, err)
	}

	uc.recordDedup(ctx, domain.DedupRecord{
		Fingerprint:    fp,
		Jurisdiction:   doc.Jurisdiction,
		IndexedAt:      now,
		LastSeenAt:     now,
		Classification: classification,
		ChunkCount:     len(chunks),
		SourceURL:      doc.SourceURL,
		Title:          doc.Title,
	})

	outcome.Status = domain.IngestIndexed
	outcome.Chunks = len(chunks)
	return outcome
}

// lookupDedup treats read failures as a miss: reprocessing is safe because upserts are idempotent.
func (uc *IngestionCoordinator) lookupDedup(ctx context.Context, fp, jurisdiction string) *domain.DedupRecord {
	rec, err := uc.dedup.Get(ctx, fp, jurisdiction)
	if err != nil {
		if !domain.IsKind(err, domain.ErrNotFound) {
			uc.logger.Warn("dedup_lookup_failed", zap.String("fingerprint", fp), zap.Error(err))
		}
		return nil
	}
	return rec
}

func (uc *IngestionCoordinator) touchDedup(ctx context.Context, fp, jurisdiction string, seenAt time.Time) {
	if err := uc.dedup.Touch(ctx, fp, jurisdiction, seenAt); err != nil {
		uc.logger.Debug("dedup_touch_failed", zap.String("fingerprint", fp), zap.Error(err))
	}
}

func (uc *IngestionCoordinator) chunk(fp, body string) ([]domain.Chunk, error) {
	chunks := slices.Collect(uc.chunker.Chunk(fp, body))
	if len(chunks) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "chunk document", errors.New("chunking produced zero chunks"))
	}
	return chunks, nil
}

func (uc *IngestionCoordinator) index(
	ctx context.Context,
	doc domain.RawDocument,
	fp string,
	chunks []domain.Chunk,
	classification domain.ClassificationResult,
	previous *domain.DedupRecord,
) error {
	// A stale record indexed with more chunks would leave orphans behind the overwrite.
	if previous != nil && previous.ChunkCount > len(chunks) {
		if err := uc.indexer.RemoveDocument(ctx, doc.Jurisdiction, fp); err != nil {
			return fmt.Errorf("remove stale chunks: %w", err)
		}
	}
	if err := uc.indexer.IndexDocument(ctx, doc, fp, chunks, classification); err != nil {
		return fmt.Errorf("index document: %w", err)
	}
	return nil
}

// retire drops the chunks of a previously indexed document that no longer
// classifies as relevant and records the rejection, so sightings within the
// freshness window skip without another classification. The record is kept
// stale when removal fails, so the next sighting retries it.
func (uc *IngestionCoordinator) retire(
	ctx context.Context,
	doc domain.RawDocument,
	fp string,
	classification domain.ClassificationResult,
	now time.Time,
) {
	if err := uc.indexer.RemoveDocument(ctx, doc.Jurisdiction, fp); err != nil {
		uc.logger.Warn("stale_document_remove_failed", zap.String("fingerprint", fp), zap.Error(err))
		return
	}
	uc.recordDedup(ctx, domain.DedupRecord{
		Fingerprint:    fp,
		Jurisdiction:   doc.Jurisdiction,
		IndexedAt:      now,
		LastSeenAt:     now,
		Classification: classification,
		SourceURL:      doc.SourceURL,
		Title:          doc.Title,
	})
}

// recordDedup failures leave the document indexed; the next sighting reprocesses it.
func (uc *IngestionCoordinator) recordDedup(ctx context.Context, rec domain.DedupRecord) {
	if err := uc.dedup.Put(ctx, rec); err != nil {
		uc.logger.Error("dedup_record_failed",
			zap.String("fingerprint", rec.Fingerprint),
			zap.String("jurisdiction", rec.Jurisdiction),
			zap.Error(err),
		)
	}
}

func skipped(outcome domain.IngestOutcome, reason domain.SkipReason, err error) domain.IngestOutcome {
	outcome.Status = domain.IngestSkipped
	outcome.Reason = reason
	if err != nil {
		outcome.Error = err.Error()
	}
	return outcome
}
