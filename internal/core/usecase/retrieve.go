package usecase

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/core/ports"
)

const (
	DefaultTopK            = 5
	DefaultMaxContextChars = 6000
)

type VerifyMode string

const (
	VerifySync VerifyMode = "sync"
	VerifyOff  VerifyMode = "off"
)

// RetrievalObserver receives one call per answered request.
type RetrievalObserver interface {
	ObserveRetrieval(outcome string, status domain.VerificationStatus)
}

const (
	retrievalAnswered = "answered"
	retrievalNoInfo   = "no_information"
	retrievalDegraded = "degraded"
	retrievalFailed   = "failed"
)

type RetrievalConfig struct {
	TopK            int
	MinScore        float64
	MaxContextChars int
	VerifyMode      VerifyMode
	Cues            JurisdictionCues
}

// RetrievalUseCase answers questions from the index of a single jurisdiction.
type RetrievalUseCase struct {
	embedder  ports.Embedder
	store     ports.VectorStore
	model     ports.LanguageModel
	verifier  ports.GroundingVerifier
	localizer *Localizer

	topK            int
	minScore        float64
	maxContextChars int
	verifyMode      VerifyMode
	cues            JurisdictionCues

	observer RetrievalObserver
	logger   *zap.Logger
}

func NewRetrievalUseCase(
	embedder ports.Embedder,
	store ports.VectorStore,
	model ports.LanguageModel,
	verifier ports.GroundingVerifier,
	localizer *Localizer,
	cfg RetrievalConfig,
	logger *zap.Logger,
) *RetrievalUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	if localizer == nil {
		localizer = NewLocalizer(nil, nil)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = DefaultMaxContextChars
	}
	if cfg.VerifyMode == "" {
		cfg.VerifyMode = VerifySync
	}
	return &RetrievalUseCase{
		embedder:        embedder,
		store:           store,
		model:           model,
		verifier:        verifier,
		localizer:       localizer,
		topK:            cfg.TopK,
		minScore:        cfg.MinScore,
		maxContextChars: cfg.MaxContextChars,
		verifyMode:      cfg.VerifyMode,
		cues:            cfg.Cues,
		logger:          logger.Named("retrieval"),
	}
}

func (uc *RetrievalUseCase) WithObserver(observer RetrievalObserver) *RetrievalUseCase {
	uc.observer = observer
	return uc
}

// Retrieve searches the jurisdiction's index and assembles the context block
// and generation prompt, in the language the query is written in.
func (uc *RetrievalUseCase) Retrieve(ctx context.Context, query, jurisdiction, subJurisdiction string) (domain.RetrievalContext, error) {
	lang := uc.localizer.Resolve("", query, domain.NormalizeJurisdiction(jurisdiction))
	return uc.retrieve(ctx, query, jurisdiction, subJurisdiction, lang)
}

func (uc *RetrievalUseCase) retrieve(ctx context.Context, query, jurisdiction, subJurisdiction string, lang locale) (domain.RetrievalContext, error) {
	query = strings.TrimSpace(query)
	filter := domain.SearchFilter{
		Jurisdiction:    domain.NormalizeJurisdiction(jurisdiction),
		SubJurisdiction: domain.NormalizeJurisdiction(subJurisdiction),
	}
	rc := domain.RetrievalContext{Query: query, Jurisdiction: filter.Jurisdiction, SubJurisdiction: filter.SubJurisdiction}

	if filter.Jurisdiction == "" {
		return rc, domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("jurisdiction is required"))
	}
	if query == "" {
		return rc, domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("query is required"))
	}

	vector, err := uc.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return rc, fmt.Errorf("embed query: %w", err)
	}
	found, err := uc.store.Search(ctx, vector, filter, uc.topK)
	if err != nil {
		return rc, fmt.Errorf("search index: %w", err)
	}

	hits := make([]domain.IndexRecord, 0, len(found))
	for _, rec := range found {
		if !filter.Matches(rec) {
			uc.logger.Error("cross_jurisdiction_result_dropped",
				zap.String("jurisdiction", filter.Jurisdiction),
				zap.String("record_jurisdiction", rec.Jurisdiction),
				zap.String("record_id", rec.ID),
			)
			continue
		}
		if rec.Score < uc.minScore {
			continue
		}
		hits = append(hits, rec)
	}
	slices.SortStableFunc(hits, func(a, b domain.IndexRecord) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})
	if len(hits) > uc.topK {
		hits = hits[:uc.topK]
	}

	rc.Chunks, rc.ContextText = assembleContext(hits, uc.maxContextChars)
	if len(rc.Chunks) > 0 {
		rc.Prompt = buildAnswerPrompt(rc, lang, lang.noInformation(filter.Jurisdiction))
	}
	return rc, nil
}

// assembleContext appends entries in order while they fit the rune budget.
// An entry that does not fit is skipped whole.
func assembleContext(hits []domain.IndexRecord, budget int) ([]domain.IndexRecord, string) {
	var (
		used []domain.IndexRecord
		b    strings.Builder
		size int
	)
	for _, rec := range hits {
		entry := formatContextEntry(len(used)+1, rec)
		cost := utf8.RuneCountInString(entry)
		if b.Len() > 0 {
			cost += 2
		}
		if size+cost > budget {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(entry)
		size += cost
		used = append(used, rec)
	}
	return used, b.String()
}

func formatContextEntry(n int, rec domain.IndexRecord) string {
	title := rec.Title
	if title == "" {
		title = "untitled"
	}
	header := fmt.Sprintf("[%d] %s", n, title)
	if rec.SourceURL != "" {
		header += " (" + rec.SourceURL + ")"
	}
	return header + "\n" + rec.Text
}

// Answer never fabricates: without sources it returns the localized
// no-information message and skips generation.
func (uc *RetrievalUseCase) Answer(ctx context.Context, req domain.AnswerRequest) (*domain.Answer, error) {
	jurisdiction := domain.NormalizeJurisdiction(req.Jurisdiction)
	lang := uc.localizer.Resolve(req.Language, req.Query, jurisdiction)
	noInfo := lang.noInformation(jurisdiction)

	answer := &domain.Answer{
		Language:           lang.code,
		Sources:            []domain.IndexRecord{},
		VerificationStatus: domain.VerificationSkipped,
	}
	if detected := uc.cues.detectMismatch(req.Query, jurisdiction); detected != "" {
		answer.JurisdictionWarning = lang.mismatchWarning(detected, jurisdiction)
	}

	rc, err := uc.retrieve(ctx, req.Query, jurisdiction, req.SubJurisdiction, lang)
	if err != nil {
		if domain.IsKind(err, domain.ErrInvalidInput) {
			return nil, err
		}
		uc.logger.Warn("retrieval_degraded",
			zap.String("jurisdiction", jurisdiction),
			zap.Error(err),
		)
		answer.Answer = noInfo
		uc.observe(retrievalDegraded, answer.VerificationStatus)
		return answer, nil
	}
	if len(rc.Chunks) == 0 {
		answer.Answer = noInfo
		uc.observe(retrievalNoInfo, answer.VerificationStatus)
		return answer, nil
	}

	text, err := uc.model.Complete(ctx, answerRequest(rc.Prompt))
	if err != nil {
		uc.observe(retrievalFailed, domain.VerificationSkipped)
		return nil, domain.WrapError(domain.ErrTemporary, "generate answer", err)
	}
	answer.Answer = strings.TrimSpace(text)
	answer.Sources = rc.Chunks

	if uc.verifyMode == VerifySync && uc.verifier != nil && answer.Answer != noInfo {
		result := uc.verifier.Verify(ctx, rc.ContextText, answer.Answer)
		answer.VerificationStatus = result.Status
		answer.UnsupportedClaim = result.Claim
	}

	uc.logger.Info("answer_generated",
		zap.String("jurisdiction", jurisdiction),
		zap.String("language", lang.code),
		zap.Int("sources", len(answer.Sources)),
		zap.String("verification", string(answer.VerificationStatus)),
	)
	uc.observe(retrievalAnswered, answer.VerificationStatus)
	return answer, nil
}

func (uc *RetrievalUseCase) observe(outcome string, status domain.VerificationStatus) {
	if uc.observer != nil {
		uc.observer.ObserveRetrieval(outcome, status)
	}
}
