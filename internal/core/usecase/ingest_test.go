package usecase

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/core/fingerprint"
)

var relevant = domain.ClassificationResult{IsRelevant: true, Confidence: 1, Method: domain.MethodKeyword}

func newTestCoordinator(dedup *dedupFake, classifier *classifierFake, indexer *indexerFake, clock *fixedClock) *IngestionCoordinator {
	return NewIngestionCoordinator(dedup, classifier, chunkerFake{}, indexer, CoordinatorConfig{}, nil).WithClock(clock.Now)
}

func deDoc(body string) domain.RawDocument {
	return domain.RawDocument{Title: "BMF", Body: body, Jurisdiction: "de", SourceURL: "https://example.test/bmf"}
}

func TestIngestDocumentIndexesAndRecordsDedup(t *testing.T) {
	dedup := newDedupFake()
	indexer := &indexerFake{}
	clock := &fixedClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	uc := newTestCoordinator(dedup, &classifierFake{result: relevant}, indexer, clock)

	outcome := uc.IngestDocument(context.Background(), deDoc("Absatz eins.\n\nAbsatz zwei."))
	if outcome.Status != domain.IngestIndexed || outcome.Chunks != 2 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if outcome.Jurisdiction != "DE" {
		t.Fatalf("expected normalized jurisdiction, got %q", outcome.Jurisdiction)
	}
	rec, ok := dedup.records[fingerprint.DedupKey("DE", outcome.Fingerprint)]
	if !ok {
		t.Fatalf("expected dedup record")
	}
	if rec.ChunkCount != 2 || !rec.IndexedAt.Equal(clock.Now()) || rec.SourceURL != "https://example.test/bmf" {
		t.Fatalf("unexpected dedup record: %+v", rec)
	}
}

func TestIngestDocumentSkipsDuplicateWithinWindow(t *testing.T) {
	dedup := newDedupFake()
	classifier := &classifierFake{result: relevant}
	indexer := &indexerFake{}
	clock := &fixedClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	uc := newTestCoordinator(dedup, classifier, indexer, clock)

	first := uc.IngestDocument(context.Background(), deDoc("Mietvertrag Regeln."))
	clock.Advance(24 * time.Hour)
	second := uc.IngestDocument(context.Background(), deDoc("Mietvertrag   Regeln. "))

	if second.Status != domain.IngestSkipped || second.Reason != domain.SkipDuplicate {
		t.Fatalf("expected duplicate skip, got %+v", second)
	}
	if second.Fingerprint != first.Fingerprint {
		t.Fatalf("expected same fingerprint for whitespace variant")
	}
	if classifier.calls != 1 {
		t.Fatalf("expected classifier to run once, got %d", classifier.calls)
	}
	if dedup.touches != 1 {
		t.Fatalf("expected last_seen refresh, got %d touches", dedup.touches)
	}
	rec := dedup.records[fingerprint.DedupKey("DE", first.Fingerprint)]
	if !rec.LastSeenAt.Equal(clock.Now()) {
		t.Fatalf("expected last_seen_at %s, got %s", clock.Now(), rec.LastSeenAt)
	}
}

func TestIngestDocumentReprocessesAfterWindow(t *testing.T) {
	dedup := newDedupFake()
	classifier := &classifierFake{result: relevant}
	clock := &fixedClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	uc := newTestCoordinator(dedup, classifier, &indexerFake{}, clock)

	uc.IngestDocument(context.Background(), deDoc("Mietvertrag Regeln."))
	clock.Advance(DefaultFreshnessWindow)
	outcome := uc.IngestDocument(context.Background(), deDoc("Mietvertrag Regeln."))

	if outcome.Status != domain.IngestIndexed {
		t.Fatalf("expected reprocessing after window, got %+v", outcome)
	}
	if classifier.calls != 2 {
		t.Fatalf("expected second classification, got %d", classifier.calls)
	}
}

func TestIngestDocumentSameBodyDifferentJurisdictionIsNotDuplicate(t *testing.T) {
	dedup := newDedupFake()
	clock := &fixedClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	uc := newTestCoordinator(dedup, &classifierFake{result: relevant}, &indexerFake{}, clock)

	uc.IngestDocument(context.Background(), deDoc("Gleicher Text."))
	at := deDoc("Gleicher Text.")
	at.Jurisdiction = "AT"
	outcome := uc.IngestDocument(context.Background(), at)
	if outcome.Status != domain.IngestIndexed {
		t.Fatalf("expected AT copy to be indexed, got %+v", outcome)
	}
}

func TestIngestDocumentSkipsIrrelevant(t *testing.T) {
	dedup := newDedupFake()
	indexer := &indexerFake{}
	clock := &fixedClock{now: time.Now()}
	uc := newTestCoordinator(dedup, &classifierFake{result: domain.ClassificationResult{Method: domain.MethodKeyword}}, indexer, clock)

	outcome := uc.IngestDocument(context.Background(), deDoc("Fussball Ergebnisse."))
	if outcome.Reason != domain.SkipIrrelevant {
		t.Fatalf("expected irrelevant skip, got %+v", outcome)
	}
	if len(indexer.indexed) != 0 || dedup.puts != 0 {
		t.Fatalf("irrelevant document must not be indexed or recorded")
	}
}

func TestIngestDocumentCountsIndexFailure(t *testing.T) {
	dedup := newDedupFake()
	indexer := &indexerFake{err: domain.WrapError(domain.ErrIndexFailed, "index document", errors.New("embed exhausted"))}
	core, logs := observer.New(zap.WarnLevel)
	uc := NewIngestionCoordinator(dedup, &classifierFake{result: relevant}, chunkerFake{}, indexer, CoordinatorConfig{}, zap.New(core))

	outcome := uc.IngestDocument(context.Background(), deDoc("Mietrecht."))
	if outcome.Reason != domain.SkipIndexFailure || outcome.Error == "" {
		t.Fatalf("expected index failure, got %+v", outcome)
	}
	if dedup.puts != 0 {
		t.Fatalf("failed document must not be recorded")
	}
	if logs.FilterMessage("document_skipped").Len() != 1 {
		t.Fatalf("expected warning log for index failure")
	}
}

func TestIngestDocumentRejectsInvalid(t *testing.T) {
	uc := newTestCoordinator(newDedupFake(), &classifierFake{result: relevant}, &indexerFake{}, &fixedClock{now: time.Now()})

	missingJurisdiction := uc.IngestDocument(context.Background(), domain.RawDocument{Body: "text"})
	blank := uc.IngestDocument(context.Background(), deDoc("   "))
	for _, outcome := range []domain.IngestOutcome{missingJurisdiction, blank} {
		if outcome.Reason != domain.SkipInvalid {
			t.Fatalf("expected invalid skip, got %+v", outcome)
		}
	}
}

type ingestObserverFake struct {
	outcomes []domain.IngestOutcome
}

func (o *ingestObserverFake) ObserveIngest(outcome domain.IngestOutcome, _ time.Duration) {
	o.outcomes = append(o.outcomes, outcome)
}

func TestIngestBatchContinuesPastFailures(t *testing.T) {
	dedup := newDedupFake()
	obs := &ingestObserverFake{}
	uc := newTestCoordinator(dedup, &classifierFake{result: relevant}, &indexerFake{}, &fixedClock{now: time.Now()}).WithObserver(obs)

	stats, err := uc.IngestBatch(context.Background(), docsOf(
		deDoc("Erstes Dokument."),
		domain.RawDocument{Body: "no jurisdiction"},
		deDoc("Erstes Dokument."),
		deDoc("Zweites Dokument."),
	))
	if err != nil {
		t.Fatalf("IngestBatch() error = %v", err)
	}
	want := domain.BatchStats{Received: 4, Indexed: 2, Duplicates: 1, Invalid: 1}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
	if len(obs.outcomes) != 4 {
		t.Fatalf("expected observer per document, got %d", len(obs.outcomes))
	}
}

func TestIngestBatchStopsOnSourceError(t *testing.T) {
	uc := newTestCoordinator(newDedupFake(), &classifierFake{result: relevant}, &indexerFake{}, &fixedClock{now: time.Now()})
	sourceErr := errors.New("feed unreachable")

	docs := func(yield func(domain.RawDocument, error) bool) {
		if !yield(deDoc("Eins."), nil) {
			return
		}
		yield(domain.RawDocument{}, sourceErr)
	}
	stats, err := uc.IngestBatch(context.Background(), iter.Seq2[domain.RawDocument, error](docs))
	if !errors.Is(err, sourceErr) {
		t.Fatalf("expected source error, got %v", err)
	}
	if stats.Indexed != 1 {
		t.Fatalf("expected documents before the error to count, got %+v", stats)
	}
}

func TestIngestBatchStopsStartingDocumentsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	indexer := &indexerFake{}
	uc := newTestCoordinator(newDedupFake(), &classifierFake{result: relevant}, indexer, &fixedClock{now: time.Now()})

	docs := func(yield func(domain.RawDocument, error) bool) {
		if !yield(deDoc("Eins."), nil) {
			return
		}
		cancel()
		if !yield(deDoc("Zwei."), nil) {
			return
		}
		yield(deDoc("Drei."), nil)
	}
	stats, err := uc.IngestBatch(ctx, docs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if stats.Received != 1 || len(indexer.indexed) != 1 {
		t.Fatalf("expected one finished document, got %+v", stats)
	}
}
