package domain

import (
	"errors"
	"strings"
	"time"
)

// RawDocument is the record a collector hands to the ingestion pipeline.
// It is treated as immutable once produced.
type RawDocument struct {
	Title           string    `json:"title"`
	Body            string    `json:"body"`
	Jurisdiction    string    `json:"jurisdiction"`
	SubJurisdiction string    `json:"sub_jurisdiction,omitempty"`
	SourceURL       string    `json:"source_url,omitempty"`
	PublishedAt     time.Time `json:"published_at,omitempty"`
	DocumentType    string    `json:"document_type,omitempty"`
	Language        string    `json:"language,omitempty"`
}

// Normalized returns a copy with jurisdiction codes canonicalized.
func (d RawDocument) Normalized() RawDocument {
	d.Jurisdiction = NormalizeJurisdiction(d.Jurisdiction)
	d.SubJurisdiction = NormalizeJurisdiction(d.SubJurisdiction)
	d.Language = strings.ToLower(strings.TrimSpace(d.Language))
	return d
}

func (d RawDocument) Validate() error {
	if strings.TrimSpace(d.Body) == "" {
		return WrapError(ErrInvalidInput, "validate document", errors.New("body is empty"))
	}
	if NormalizeJurisdiction(d.Jurisdiction) == "" {
		return WrapError(ErrInvalidInput, "validate document", errors.New("jurisdiction is required"))
	}
	return nil
}

func NormalizeJurisdiction(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// DedupRecord marks a fingerprint as indexed for a jurisdiction.
type DedupRecord struct {
	Fingerprint    string               `json:"fingerprint"`
	Jurisdiction   string               `json:"jurisdiction"`
	IndexedAt      time.Time            `json:"indexed_at"`
	LastSeenAt     time.Time            `json:"last_seen_at"`
	Classification ClassificationResult `json:"classification"`
	ChunkCount     int                  `json:"chunk_count"`
	SourceURL      string               `json:"source_url,omitempty"`
	Title          string               `json:"title,omitempty"`
}

// IsFresh reports whether the record is younger than window at now.
func (r DedupRecord) IsFresh(now time.Time, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	return now.Sub(r.IndexedAt) < window
}

type IngestStatus string

const (
	IngestIndexed IngestStatus = "indexed"
	IngestSkipped IngestStatus = "skipped"
)

type SkipReason string

const (
	SkipNone         SkipReason = ""
	SkipDuplicate    SkipReason = "duplicate"
	SkipIrrelevant   SkipReason = "irrelevant"
	SkipIndexFailure SkipReason = "index-failure"
	SkipInvalid      SkipReason = "invalid"
)

// IngestOutcome is the terminal state of one document's pipeline run.
type IngestOutcome struct {
	Fingerprint    string               `json:"fingerprint,omitempty"`
	Jurisdiction   string               `json:"jurisdiction,omitempty"`
	Status         IngestStatus         `json:"status"`
	Reason         SkipReason           `json:"reason,omitempty"`
	Chunks         int                  `json:"chunks"`
	Classification ClassificationResult `json:"classification"`
	Error          string               `json:"error,omitempty"`
}

// BatchStats aggregates outcomes for one batch or job run.
type BatchStats struct {
	Received   int `json:"received"`
	Indexed    int `json:"indexed"`
	Duplicates int `json:"duplicates"`
	Irrelevant int `json:"irrelevant"`
	Failed     int `json:"failed"`
	Invalid    int `json:"invalid"`
}

func (s *BatchStats) Add(outcome IngestOutcome) {
	s.Received++
	switch {
	case outcome.Status == IngestIndexed:
		s.Indexed++
	case outcome.Reason == SkipDuplicate:
		s.Duplicates++
	case outcome.Reason == SkipIrrelevant:
		s.Irrelevant++
	case outcome.Reason == SkipInvalid:
		s.Invalid++
	default:
		s.Failed++
	}
}

func (s *BatchStats) Merge(other BatchStats) {
	s.Received += other.Received
	s.Indexed += other.Indexed
	s.Duplicates += other.Duplicates
	s.Irrelevant += other.Irrelevant
	s.Failed += other.Failed
	s.Invalid += other.Invalid
}
