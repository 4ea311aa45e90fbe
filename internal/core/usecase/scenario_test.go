package usecase_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/core/fingerprint"
	"github.com/kirillkom/lexrag/internal/core/usecase"
	"github.com/kirillkom/lexrag/internal/infrastructure/chunking"
	"github.com/kirillkom/lexrag/internal/infrastructure/indexing"
	"github.com/kirillkom/lexrag/internal/infrastructure/resilience"
	"github.com/kirillkom/lexrag/internal/infrastructure/vector/memory"
)

const afaCircular = `Bundesministerium der Finanzen. Schreiben zur Absetzung für Abnutzung (AfA) bei vermieteten Wohngebäuden.
Für Gebäude, die Wohnzwecken dienen und nach dem 31. Dezember 2022 fertiggestellt werden, beträgt die AfA 3 Prozent.
Die Einkünfte aus Vermietung und Verpachtung sind um die AfA zu mindern. Der Vermieter muss die Anschaffungskosten nachweisen.
Bei Mietwohnungen im Privatvermögen gilt die lineare AfA nach § 7 Abs. 4 EStG.`

var keywords = map[string][]string{
	"DE": {"afa", "vermietung", "miet", "einkünfte", "estg", "steuer"},
	"US": {"irs", "rental", "depreciation", "tax"},
}

// keywordEmbedder places texts on axes of a few domain terms.
type keywordEmbedder struct {
	mu       sync.Mutex
	failures int
}

func (e *keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failures > 0 {
		e.failures--
		return nil, errors.New("embedding backend unavailable")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = axisVector(text)
	}
	return out, nil
}

func (e *keywordEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func axisVector(text string) []float32 {
	lower := strings.ToLower(text)
	return []float32{
		float32(strings.Count(lower, "afa")) + 0.1,
		float32(strings.Count(lower, "miet")+strings.Count(lower, "rental")) + 0.1,
		float32(strings.Count(lower, "tax")+strings.Count(lower, "steuer")) + 0.1,
	}
}

type dedupMap struct {
	mu      sync.Mutex
	records map[string]domain.DedupRecord
}

func (d *dedupMap) Get(_ context.Context, fp, jurisdiction string) (*domain.DedupRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[fingerprint.DedupKey(jurisdiction, fp)]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get", errors.New("missing"))
	}
	return &rec, nil
}

func (d *dedupMap) Put(_ context.Context, rec domain.DedupRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[fingerprint.DedupKey(rec.Jurisdiction, rec.Fingerprint)] = rec
	return nil
}

func (d *dedupMap) Touch(_ context.Context, fp, jurisdiction string, seenAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := fingerprint.DedupKey(jurisdiction, fp)
	rec := d.records[key]
	rec.LastSeenAt = seenAt
	d.records[key] = rec
	return nil
}

type scriptedModel struct {
	mu      sync.Mutex
	replies map[string]string
	calls   int
}

// Complete answers by the system prompt so that generation and verification
// calls can be scripted independently.
func (m *scriptedModel) Complete(_ context.Context, req domain.CompletionRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	for marker, reply := range m.replies {
		if strings.Contains(req.System, marker) {
			return reply, nil
		}
	}
	return "", errors.New("unscripted call")
}

type pipeline struct {
	store    *memory.Store
	embedder *keywordEmbedder
	model    *scriptedModel
	ingest   *usecase.IngestionCoordinator
	answer   *usecase.RetrievalUseCase
	now      time.Time
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	store, err := memory.New("", "scenario")
	if err != nil {
		t.Fatalf("memory.New() error = %v", err)
	}
	p := &pipeline{
		store:    store,
		embedder: &keywordEmbedder{},
		model: &scriptedModel{replies: map[string]string{
			"legal research assistant": "Für vermietete Wohngebäude beträgt die AfA 3 Prozent [1].",
			"fact checker":             "VERIFIED",
			"binary document":          "RELEVANT",
		}},
		now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}

	policy := resilience.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
	executor := resilience.NewExecutor(resilience.Config{Retry: policy}, nil)
	indexer := indexing.NewAdapter(p.embedder, store, executor, indexing.Config{BatchSize: 2, Policy: policy}, nil)
	classifier := usecase.NewRelevanceClassifierUseCase(p.model, usecase.ClassifierConfig{Keywords: keywords}, nil)

	p.ingest = usecase.NewIngestionCoordinator(
		&dedupMap{records: map[string]domain.DedupRecord{}},
		classifier,
		chunking.NewSentenceChunker(200, 1),
		indexer,
		usecase.CoordinatorConfig{},
		nil,
	).WithClock(func() time.Time { return p.now })

	localizer := usecase.NewLocalizer([]string{"en", "de"}, map[string]string{"DE": "de", "US": "en"})
	verifier := usecase.NewGroundingVerifierUseCase(p.model, time.Second, nil)
	p.answer = usecase.NewRetrievalUseCase(p.embedder, store, p.model, verifier, localizer, usecase.RetrievalConfig{}, nil)
	return p
}

func TestScenarioGermanDepreciationQuestion(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	outcome := p.ingest.IngestDocument(ctx, domain.RawDocument{
		Title:        "BMF-Schreiben AfA Wohngebäude",
		Body:         afaCircular,
		Jurisdiction: "DE",
		SourceURL:    "https://example.test/bmf/afa",
		DocumentType: "circular",
	})
	if outcome.Status != domain.IngestIndexed || outcome.Chunks < 2 {
		t.Fatalf("expected indexed multi-chunk document, got %+v", outcome)
	}

	answer, err := p.answer.Answer(ctx, domain.AnswerRequest{
		Query:        "Wie hoch ist die AfA für meine vermietete Wohnung?",
		Jurisdiction: "DE",
	})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if len(answer.Sources) == 0 {
		t.Fatalf("expected sources")
	}
	for _, src := range answer.Sources {
		if src.Jurisdiction != "DE" || src.Fingerprint != outcome.Fingerprint {
			t.Fatalf("unexpected source: %+v", src)
		}
	}
	if answer.Language != "de" || answer.VerificationStatus != domain.VerificationVerified {
		t.Fatalf("unexpected answer: %+v", answer)
	}
	if answer.JurisdictionWarning != "" {
		t.Fatalf("unexpected warning: %q", answer.JurisdictionWarning)
	}
}

func TestScenarioReingestNextDayIsDuplicate(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	doc := domain.RawDocument{Title: "BMF", Body: afaCircular, Jurisdiction: "DE"}

	first := p.ingest.IngestDocument(ctx, doc)
	indexed := p.store.Count()
	p.now = p.now.Add(24 * time.Hour)
	second := p.ingest.IngestDocument(ctx, doc)

	if first.Status != domain.IngestIndexed || second.Reason != domain.SkipDuplicate {
		t.Fatalf("unexpected outcomes: %+v / %+v", first, second)
	}
	if p.store.Count() != indexed {
		t.Fatalf("duplicate must not change the index: %d -> %d", indexed, p.store.Count())
	}
}

func TestScenarioGermanQuestionAgainstUSOnlyIndex(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	us := p.ingest.IngestDocument(ctx, domain.RawDocument{
		Title:        "IRS Publication 527",
		Body:         "Residential rental property depreciation is reported to the IRS. Rental income is subject to federal tax. Depreciation of rental property uses MACRS.",
		Jurisdiction: "US",
	})
	if us.Status != domain.IngestIndexed {
		t.Fatalf("expected US document indexed, got %+v", us)
	}
	calls := p.model.calls

	answer, err := p.answer.Answer(ctx, domain.AnswerRequest{
		Query:        "Welche Regeln gelten für meine Mietwohnung?",
		Jurisdiction: "DE",
	})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if !strings.Contains(answer.Answer, "keine Informationen") || len(answer.Sources) != 0 {
		t.Fatalf("expected German no-information answer, got %+v", answer)
	}
	if p.model.calls != calls {
		t.Fatalf("expected no generation call")
	}
}

func TestScenarioEmbeddingFailuresLeaveNoPartialRecords(t *testing.T) {
	p := newPipeline(t)
	p.embedder.failures = 3

	outcome := p.ingest.IngestDocument(context.Background(), domain.RawDocument{Title: "BMF", Body: afaCircular, Jurisdiction: "DE"})
	if outcome.Reason != domain.SkipIndexFailure {
		t.Fatalf("expected index failure, got %+v", outcome)
	}
	if p.store.Count() != 0 {
		t.Fatalf("expected zero records, got %d", p.store.Count())
	}

	stats := domain.BatchStats{}
	stats.Add(outcome)
	if stats.Failed != 1 {
		t.Fatalf("expected failure counted, got %+v", stats)
	}
}
