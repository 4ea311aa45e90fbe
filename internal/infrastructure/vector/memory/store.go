// Package memory is an in-process VectorStore backed by chromem-go, used for
// local development, the lexctl ingest command and engine-level tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/kirillkom/lexrag/internal/core/domain"
)

const concurrency = 4

type Store struct {
	collection *chromem.Collection
}

// New keeps the index in memory only; with a non-empty path it is persisted there.
func New(path, collection string) (*Store, error) {
	db := chromem.NewDB()
	if path != "" {
		var err error
		db, err = chromem.NewPersistentDB(path, true)
		if err != nil {
			return nil, fmt.Errorf("open chromem db %s: %w", path, err)
		}
	}
	col, err := db.GetOrCreateCollection(collection, nil, refuseEmbedding)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", collection, err)
	}
	return &Store{collection: col}, nil
}

// refuseEmbedding guards against chromem embedding text on its own: every
// record arrives with its vector.
func refuseEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("memory store does not embed text")
}

func (s *Store) Upsert(ctx context.Context, records []domain.IndexRecord) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]chromem.Document, 0, len(records))
	for _, rec := range records {
		if len(rec.Vector) == 0 {
			return domain.WrapError(domain.ErrInvalidInput, "memory upsert", fmt.Errorf("record %s has no vector", rec.ID))
		}
		docs = append(docs, chromem.Document{
			ID:        rec.ID,
			Metadata:  metadata(rec),
			Embedding: rec.Vector,
			Content:   rec.Text,
		})
	}
	if err := s.collection.AddDocuments(ctx, docs, concurrency); err != nil {
		return fmt.Errorf("memory upsert: %w", err)
	}
	return nil
}

func (s *Store) DeleteByFingerprint(ctx context.Context, jurisdiction, fp string) error {
	where := map[string]string{
		"jurisdiction": domain.NormalizeJurisdiction(jurisdiction),
		"fingerprint":  fp,
	}
	if err := s.collection.Delete(ctx, where, nil); err != nil {
		return fmt.Errorf("memory delete: %w", err)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, queryVector []float32, filter domain.SearchFilter, limit int) ([]domain.IndexRecord, error) {
	where := map[string]string{"jurisdiction": domain.NormalizeJurisdiction(filter.Jurisdiction)}
	if where["jurisdiction"] == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "memory search", errors.New("jurisdiction filter is required"))
	}
	if filter.SubJurisdiction != "" {
		where["sub_jurisdiction"] = domain.NormalizeJurisdiction(filter.SubJurisdiction)
	}

	n := min(limit, s.collection.Count())
	if n <= 0 {
		return nil, nil
	}
	results, err := s.collection.QueryEmbedding(ctx, queryVector, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("memory search: %w", err)
	}

	out := make([]domain.IndexRecord, 0, len(results))
	for _, r := range results {
		rec := fromMetadata(r.ID, r.Metadata, r.Content)
		rec.Score = float64(r.Similarity)
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Count() int {
	return s.collection.Count()
}

func metadata(rec domain.IndexRecord) map[string]string {
	m := map[string]string{
		"jurisdiction":         domain.NormalizeJurisdiction(rec.Jurisdiction),
		"fingerprint":          rec.Fingerprint,
		"chunk_index":          strconv.Itoa(rec.ChunkIndex),
		"title":                rec.Title,
		"source_url":           rec.SourceURL,
		"document_type":        rec.DocumentType,
		"language":             rec.Language,
		"relevance_confidence": strconv.FormatFloat(rec.RelevanceConfidence, 'f', -1, 64),
		"indexed_at":           rec.IndexedAt.UTC().Format(time.RFC3339),
	}
	if rec.SubJurisdiction != "" {
		m["sub_jurisdiction"] = domain.NormalizeJurisdiction(rec.SubJurisdiction)
	}
	if !rec.PublishedAt.IsZero() {
		m["published_at"] = rec.PublishedAt.UTC().Format(time.RFC3339)
	}
	return m
}

func fromMetadata(id string, m map[string]string, text string) domain.IndexRecord {
	chunkIndex, _ := strconv.Atoi(m["chunk_index"])
	confidence, _ := strconv.ParseFloat(m["relevance_confidence"], 64)
	indexedAt, _ := time.Parse(time.RFC3339, m["indexed_at"])
	publishedAt, _ := time.Parse(time.RFC3339, m["published_at"])
	return domain.IndexRecord{
		ID:                  id,
		Jurisdiction:        m["jurisdiction"],
		SubJurisdiction:     m["sub_jurisdiction"],
		Title:               m["title"],
		Text:                text,
		SourceURL:           m["source_url"],
		DocumentType:        m["document_type"],
		Language:            m["language"],
		PublishedAt:         publishedAt,
		Fingerprint:         m["fingerprint"],
		ChunkIndex:          chunkIndex,
		RelevanceConfidence: confidence,
		IndexedAt:           indexedAt,
	}
}
