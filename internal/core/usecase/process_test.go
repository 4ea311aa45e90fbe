package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/core/fingerprint"
)

func TestProcessRemovesStaleChunksWhenDocumentShrinks(t *testing.T) {
	dedup := newDedupFake()
	indexer := &indexerFake{}
	clock := &fixedClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	uc := newTestCoordinator(dedup, &classifierFake{result: relevant}, indexer, clock)

	body := "Nur ein Absatz."
	fp := fingerprint.Of(body)
	dedup.records[fingerprint.DedupKey("DE", fp)] = domain.DedupRecord{
		Fingerprint:  fp,
		Jurisdiction: "DE",
		IndexedAt:    clock.Now().Add(-2 * DefaultFreshnessWindow),
		ChunkCount:   4,
	}

	outcome := uc.IngestDocument(context.Background(), deDoc(body))
	if outcome.Status != domain.IngestIndexed {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(indexer.removed) != 1 || indexer.removed[0] != fp {
		t.Fatalf("expected stale chunks removed, got %v", indexer.removed)
	}
	if got := dedup.records[fingerprint.DedupKey("DE", fp)].ChunkCount; got != 1 {
		t.Fatalf("expected refreshed chunk count 1, got %d", got)
	}
}

func TestProcessRetiresStaleDocumentThatTurnedIrrelevant(t *testing.T) {
	dedup := newDedupFake()
	indexer := &indexerFake{}
	classifier := &classifierFake{result: domain.ClassificationResult{IsRelevant: false, Method: domain.MethodKeyword}}
	clock := &fixedClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	uc := newTestCoordinator(dedup, classifier, indexer, clock)

	body := "Hinweise zur Parkplatzordnung."
	fp := fingerprint.Of(body)
	key := fingerprint.DedupKey("DE", fp)
	dedup.records[key] = domain.DedupRecord{
		Fingerprint:    fp,
		Jurisdiction:   "DE",
		IndexedAt:      clock.Now().Add(-2 * DefaultFreshnessWindow),
		Classification: relevant,
		ChunkCount:     3,
	}

	outcome := uc.IngestDocument(context.Background(), deDoc(body))
	if outcome.Status != domain.IngestSkipped || outcome.Reason != domain.SkipIrrelevant {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(indexer.removed) != 1 || indexer.removed[0] != fp {
		t.Fatalf("expected old chunks removed, got %v", indexer.removed)
	}
	rec := dedup.records[key]
	if rec.Classification.IsRelevant || rec.ChunkCount != 0 || !rec.IndexedAt.Equal(clock.Now()) {
		t.Fatalf("expected refreshed rejection record, got %+v", rec)
	}

	again := uc.IngestDocument(context.Background(), deDoc(body))
	if again.Reason != domain.SkipDuplicate || classifier.calls != 1 {
		t.Fatalf("expected duplicate skip without reclassifying, got %+v after %d calls", again, classifier.calls)
	}
}

func TestProcessKeepsStaleRecordWhenRetireFails(t *testing.T) {
	dedup := newDedupFake()
	indexer := &indexerFake{removeErr: errors.New("qdrant down")}
	classifier := &classifierFake{result: domain.ClassificationResult{IsRelevant: false, Method: domain.MethodKeyword}}
	clock := &fixedClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	uc := newTestCoordinator(dedup, classifier, indexer, clock)

	body := "Hinweise zur Parkplatzordnung."
	fp := fingerprint.Of(body)
	key := fingerprint.DedupKey("DE", fp)
	stale := clock.Now().Add(-2 * DefaultFreshnessWindow)
	dedup.records[key] = domain.DedupRecord{Fingerprint: fp, Jurisdiction: "DE", IndexedAt: stale, Classification: relevant, ChunkCount: 3}

	outcome := uc.IngestDocument(context.Background(), deDoc(body))
	if outcome.Reason != domain.SkipIrrelevant {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if rec := dedup.records[key]; !rec.IndexedAt.Equal(stale) || !rec.Classification.IsRelevant {
		t.Fatalf("record must stay stale so removal is retried, got %+v", rec)
	}
}

func TestProcessTreatsDedupReadFailureAsMiss(t *testing.T) {
	dedup := newDedupFake()
	dedup.getErr = errors.New("connection refused")
	indexer := &indexerFake{}
	uc := newTestCoordinator(dedup, &classifierFake{result: relevant}, indexer, &fixedClock{now: time.Now()})

	outcome := uc.IngestDocument(context.Background(), deDoc("Steuerrecht."))
	if outcome.Status != domain.IngestIndexed {
		t.Fatalf("expected indexing despite dedup read failure, got %+v", outcome)
	}
}

func TestProcessKeepsDocumentIndexedWhenDedupWriteFails(t *testing.T) {
	dedup := newDedupFake()
	dedup.putErr = errors.New("disk full")
	indexer := &indexerFake{}
	uc := newTestCoordinator(dedup, &classifierFake{result: relevant}, indexer, &fixedClock{now: time.Now()})

	outcome := uc.IngestDocument(context.Background(), deDoc("Steuerrecht."))
	if outcome.Status != domain.IngestIndexed {
		t.Fatalf("expected indexed outcome, got %+v", outcome)
	}
	if len(indexer.indexed) != 1 {
		t.Fatalf("expected index call")
	}
}

func TestProcessDuplicateCarriesStoredClassification(t *testing.T) {
	dedup := newDedupFake()
	clock := &fixedClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	classifier := &classifierFake{result: relevant}
	uc := newTestCoordinator(dedup, classifier, &indexerFake{}, clock)

	stored := domain.ClassificationResult{IsRelevant: true, Confidence: 0.9, Method: domain.MethodExternalCheck}
	fp := fingerprint.Of("Mietrecht.")
	dedup.records[fingerprint.DedupKey("DE", fp)] = domain.DedupRecord{
		Fingerprint:    fp,
		Jurisdiction:   "DE",
		IndexedAt:      clock.Now().Add(-time.Hour),
		Classification: stored,
	}

	outcome := uc.IngestDocument(context.Background(), deDoc("Mietrecht."))
	if outcome.Reason != domain.SkipDuplicate || outcome.Classification != stored {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if classifier.calls != 0 {
		t.Fatalf("duplicate must not be classified")
	}
}
