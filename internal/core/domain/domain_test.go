package domain

import (
	"errors"
	"testing"
	"time"
)

func TestJobStateTransitions(t *testing.T) {
	cases := []struct {
		from, to JobState
		want     bool
	}{
		{JobScheduled, JobRunning, true},
		{JobScheduled, JobDead, true},
		{JobScheduled, JobSucceeded, false},
		{JobRunning, JobSucceeded, true},
		{JobRunning, JobRetrying, true},
		{JobRunning, JobRunning, true},
		{JobRetrying, JobRunning, true},
		{JobRetrying, JobSucceeded, false},
		{JobSucceeded, JobRunning, false},
		{JobDead, JobRunning, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Fatalf("%s -> %s = %t, want %t", tc.from, tc.to, got, tc.want)
		}
	}
	if !JobSucceeded.Terminal() || !JobDead.Terminal() || JobRetrying.Terminal() {
		t.Fatalf("unexpected terminal states")
	}
}

func TestMaxAttempts(t *testing.T) {
	if got := (IngestionJob{MaxRetries: 3}).MaxAttempts(); got != 4 {
		t.Fatalf("MaxAttempts() = %d, want 4", got)
	}
	if got := (IngestionJob{MaxRetries: -1}).MaxAttempts(); got != 1 {
		t.Fatalf("negative retries must still run once, got %d", got)
	}
}

func TestParseQueueClass(t *testing.T) {
	if q, err := ParseQueueClass(""); err != nil || q != QueueDefault {
		t.Fatalf("empty queue = %q, %v", q, err)
	}
	if q, err := ParseQueueClass(" Priority "); err != nil || q != QueuePriority {
		t.Fatalf("ParseQueueClass = %q, %v", q, err)
	}
	if _, err := ParseQueueClass("bulk"); !IsKind(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestDedupRecordFreshness(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	rec := DedupRecord{IndexedAt: now.Add(-89 * 24 * time.Hour)}
	if !rec.IsFresh(now, 90*24*time.Hour) {
		t.Fatalf("record inside window must be fresh")
	}
	rec.IndexedAt = now.Add(-91 * 24 * time.Hour)
	if rec.IsFresh(now, 90*24*time.Hour) {
		t.Fatalf("record outside window must be stale")
	}
	if !rec.IsFresh(now, 0) {
		t.Fatalf("zero window never expires")
	}
}

func TestBatchStatsAddAndMerge(t *testing.T) {
	var stats BatchStats
	for _, outcome := range []IngestOutcome{
		{Status: IngestIndexed},
		{Status: IngestSkipped, Reason: SkipDuplicate},
		{Status: IngestSkipped, Reason: SkipIrrelevant},
		{Status: IngestSkipped, Reason: SkipInvalid},
		{Status: IngestSkipped, Reason: SkipIndexFailure},
	} {
		stats.Add(outcome)
	}
	want := BatchStats{Received: 5, Indexed: 1, Duplicates: 1, Irrelevant: 1, Invalid: 1, Failed: 1}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
	stats.Merge(want)
	if stats.Received != 10 || stats.Failed != 2 {
		t.Fatalf("unexpected merged stats: %+v", stats)
	}
}

func TestRawDocumentValidation(t *testing.T) {
	doc := RawDocument{Body: "  ", Jurisdiction: "de"}
	if err := doc.Validate(); !IsKind(err, ErrInvalidInput) {
		t.Fatalf("empty body must be invalid, got %v", err)
	}
	doc = RawDocument{Body: "text", Jurisdiction: " de ", SubJurisdiction: "by", Language: " DE "}.Normalized()
	if err := doc.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if doc.Jurisdiction != "DE" || doc.SubJurisdiction != "BY" || doc.Language != "de" {
		t.Fatalf("unexpected normalization: %+v", doc)
	}
	if err := (RawDocument{Body: "text"}).Validate(); !IsKind(err, ErrInvalidInput) {
		t.Fatalf("missing jurisdiction must be invalid, got %v", err)
	}
}

func TestSearchFilterMatches(t *testing.T) {
	rec := IndexRecord{Jurisdiction: "DE", SubJurisdiction: "BY"}
	if !(SearchFilter{Jurisdiction: "de"}).Matches(rec) {
		t.Fatalf("jurisdiction match must ignore case")
	}
	if !(SearchFilter{Jurisdiction: "DE", SubJurisdiction: "by"}).Matches(rec) {
		t.Fatalf("sub-jurisdiction must match")
	}
	if (SearchFilter{Jurisdiction: "US"}).Matches(rec) || (SearchFilter{Jurisdiction: "DE", SubJurisdiction: "NW"}).Matches(rec) {
		t.Fatalf("foreign records must not match")
	}
}

func TestChunkFresh(t *testing.T) {
	c := Chunk{Text: "Satz eins. Satz zwei.", OverlapChars: 11}
	if got := c.Fresh(); got != "Satz zwei." {
		t.Fatalf("Fresh() = %q", got)
	}
	if got := (Chunk{Text: "abc", OverlapChars: 10}).Fresh(); got != "abc" {
		t.Fatalf("oversized overlap must return text, got %q", got)
	}
}

func TestWrapErrorKeepsKindAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(ErrTemporary, "qdrant search", cause)
	if !IsKind(err, ErrTemporary) || !errors.Is(err, cause) {
		t.Fatalf("expected kind and cause in chain, got %v", err)
	}
	if IsKind(err, ErrNotFound) {
		t.Fatalf("unexpected kind match")
	}
}
