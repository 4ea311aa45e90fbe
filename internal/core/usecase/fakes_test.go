package usecase

import (
	"context"
	"errors"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/core/fingerprint"
)

type modelFake struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests []domain.CompletionRequest
}

func (f *modelFake) Complete(_ context.Context, req domain.CompletionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return reply, nil
}

func (f *modelFake) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type dedupFake struct {
	mu      sync.Mutex
	records map[string]domain.DedupRecord
	getErr  error
	putErr  error
	puts    int
	touches int
}

func newDedupFake() *dedupFake {
	return &dedupFake{records: map[string]domain.DedupRecord{}}
}

func (f *dedupFake) Get(_ context.Context, fp, jurisdiction string) (*domain.DedupRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	rec, ok := f.records[fingerprint.DedupKey(jurisdiction, fp)]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get dedup record", errors.New("missing"))
	}
	return &rec, nil
}

func (f *dedupFake) Put(_ context.Context, rec domain.DedupRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.puts++
	f.records[fingerprint.DedupKey(rec.Jurisdiction, rec.Fingerprint)] = rec
	return nil
}

func (f *dedupFake) Touch(_ context.Context, fp, jurisdiction string, seenAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fingerprint.DedupKey(jurisdiction, fp)
	rec, ok := f.records[key]
	if !ok {
		return domain.ErrNotFound
	}
	f.touches++
	rec.LastSeenAt = seenAt
	f.records[key] = rec
	return nil
}

// embedderFake maps each text to a vector derived from its keyword hits so
// that searches are deterministic.
type embedderFake struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *embedderFake) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("embedding backend unavailable")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = fakeVector(text)
	}
	return out, nil
}

func (f *embedderFake) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := f.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func fakeVector(text string) []float32 {
	lower := strings.ToLower(text)
	return []float32{
		float32(strings.Count(lower, "miet")) + 0.1,
		float32(strings.Count(lower, "afa")) + 0.1,
		float32(strings.Count(lower, "tax")) + 0.1,
	}
}

// vectorStoreFake is an exact in-memory store that ignores the filter when
// leak is set, to prove the engine re-checks jurisdiction itself.
type vectorStoreFake struct {
	mu        sync.Mutex
	records   map[string]domain.IndexRecord
	upsertErr error
	searchErr error
	leak      bool
	searches  []domain.SearchFilter
}

func newVectorStoreFake() *vectorStoreFake {
	return &vectorStoreFake{records: map[string]domain.IndexRecord{}}
}

func (f *vectorStoreFake) Upsert(_ context.Context, records []domain.IndexRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	for _, rec := range records {
		f.records[rec.ID] = rec
	}
	return nil
}

func (f *vectorStoreFake) DeleteByFingerprint(_ context.Context, jurisdiction, fp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, rec := range f.records {
		if rec.Fingerprint == fp && rec.Jurisdiction == jurisdiction {
			delete(f.records, id)
		}
	}
	return nil
}

func (f *vectorStoreFake) Search(_ context.Context, _ []float32, filter domain.SearchFilter, limit int) ([]domain.IndexRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, filter)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	out := make([]domain.IndexRecord, 0, len(f.records))
	for _, rec := range f.records {
		if !f.leak && !filter.Matches(rec) {
			continue
		}
		rec.Score = 0.9
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *vectorStoreFake) countFingerprint(fp string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.records {
		if rec.Fingerprint == fp {
			n++
		}
	}
	return n
}

type indexerFake struct {
	mu        sync.Mutex
	err       error
	removeErr error
	indexed   map[string]int
	removed   []string
}

func (f *indexerFake) IndexDocument(_ context.Context, _ domain.RawDocument, fp string, chunks []domain.Chunk, _ domain.ClassificationResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.indexed == nil {
		f.indexed = map[string]int{}
	}
	f.indexed[fp] = len(chunks)
	return nil
}

func (f *indexerFake) RemoveDocument(_ context.Context, _ string, fp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, fp)
	return nil
}

type classifierFake struct {
	result domain.ClassificationResult
	calls  int
}

func (f *classifierFake) Classify(context.Context, domain.RawDocument) domain.ClassificationResult {
	f.calls++
	return f.result
}

func docsOf(docs ...domain.RawDocument) iter.Seq2[domain.RawDocument, error] {
	return func(yield func(domain.RawDocument, error) bool) {
		for _, doc := range docs {
			if !yield(doc, nil) {
				return
			}
		}
	}
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// chunkerFake splits on blank lines, one chunk per paragraph.
type chunkerFake struct{}

func (chunkerFake) Chunk(fp, body string) iter.Seq[domain.Chunk] {
	return func(yield func(domain.Chunk) bool) {
		offset := 0
		idx := 0
		for _, para := range strings.Split(body, "\n\n") {
			start := offset
			offset += len(para) + 2
			if strings.TrimSpace(para) == "" {
				continue
			}
			chunk := domain.Chunk{
				ParentFingerprint: fp,
				Index:             idx,
				Text:              para,
				CharRange:         domain.CharRange{Start: start, End: start + len(para)},
			}
			idx++
			if !yield(chunk) {
				return
			}
		}
	}
}
