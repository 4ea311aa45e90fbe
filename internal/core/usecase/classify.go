package usecase

import (
	"context"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/core/ports"
)

const (
	// Keyword stage bounds: below minEscalateMatches rejects, at autoAcceptMatches accepts.
	minEscalateMatches   = 1
	autoAcceptMatches    = 5
	fullConfidenceAt     = 3.0
	relevantConfidence   = 0.7
	irrelevantConfidence = 0.3

	DefaultFallbackThreshold = 0.3
	defaultKeywordSet        = "DEFAULT"
)

type ClassifierConfig struct {
	// Keywords maps a jurisdiction code to its keyword set. The "default"
	// entry applies to jurisdictions without their own set.
	Keywords          map[string][]string
	FallbackThreshold float64
	CallTimeout       time.Duration
}

// RelevanceClassifierUseCase is the two-stage relevance gate run before any indexing cost.
type RelevanceClassifierUseCase struct {
	model             ports.LanguageModel
	keywords          map[string][]string
	fallbackThreshold float64
	callTimeout       time.Duration
	logger            *zap.Logger
}

func NewRelevanceClassifierUseCase(model ports.LanguageModel, cfg ClassifierConfig, logger *zap.Logger) *RelevanceClassifierUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.FallbackThreshold
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultFallbackThreshold
	}

	keywords := make(map[string][]string, len(cfg.Keywords))
	for jurisdiction, words := range cfg.Keywords {
		normalized := make([]string, 0, len(words))
		for _, w := range words {
			w = normalizeMatchText(w)
			if w != "" {
				normalized = append(normalized, w)
			}
		}
		keywords[domain.NormalizeJurisdiction(jurisdiction)] = normalized
	}

	return &RelevanceClassifierUseCase{
		model:             model,
		keywords:          keywords,
		fallbackThreshold: threshold,
		callTimeout:       cfg.CallTimeout,
		logger:            logger.Named("classifier"),
	}
}

// Classify never fails: an unavailable external check degrades to the keyword score.
func (uc *RelevanceClassifierUseCase) Classify(ctx context.Context, doc domain.RawDocument) domain.ClassificationResult {
	keywords := uc.keywordSet(doc.Jurisdiction)
	matches := countKeywordMatches(doc.Title+"\n"+doc.Body, keywords)
	score := keywordScore(matches)

	switch {
	case matches < minEscalateMatches:
		return domain.ClassificationResult{IsRelevant: false, Confidence: 0, Method: domain.MethodKeyword, Matches: matches}
	case matches >= autoAcceptMatches:
		return domain.ClassificationResult{IsRelevant: true, Confidence: score, Method: domain.MethodKeyword, Matches: matches}
	}

	verdict, err := uc.checkRelevance(ctx, doc, keywords)
	if err != nil {
		accepted := score > uc.fallbackThreshold
		uc.logger.Warn("relevance_check_fallback",
			zap.String("jurisdiction", doc.Jurisdiction),
			zap.Int("matches", matches),
			zap.Float64("keyword_score", score),
			zap.Bool("accepted", accepted),
			zap.Error(err),
		)
		return domain.ClassificationResult{
			IsRelevant: accepted,
			Confidence: score,
			Method:     domain.MethodKeyword,
			Matches:    matches,
			Fallback:   true,
		}
	}

	if verdict == domain.VerdictRelevant {
		return domain.ClassificationResult{IsRelevant: true, Confidence: relevantConfidence, Method: domain.MethodExternalCheck, Matches: matches}
	}
	return domain.ClassificationResult{IsRelevant: false, Confidence: irrelevantConfidence, Method: domain.MethodExternalCheck, Matches: matches}
}

func (uc *RelevanceClassifierUseCase) checkRelevance(ctx context.Context, doc domain.RawDocument, keywords []string) (domain.RelevanceVerdict, error) {
	if uc.model == nil {
		return "", domain.ErrClassifierUnavailable
	}
	if uc.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.callTimeout)
		defer cancel()
	}

	reply, err := uc.model.Complete(ctx, buildRelevanceRequest(doc, keywords))
	if err != nil {
		return "", domain.WrapError(domain.ErrClassifierUnavailable, "relevance check", err)
	}
	return parseRelevanceVerdict(reply)
}

func (uc *RelevanceClassifierUseCase) keywordSet(jurisdiction string) []string {
	if words, ok := uc.keywords[domain.NormalizeJurisdiction(jurisdiction)]; ok {
		return words
	}
	return uc.keywords[defaultKeywordSet]
}

func normalizeMatchText(text string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(text)))
}

// countKeywordMatches sums non-overlapping, case-insensitive occurrences of every keyword.
func countKeywordMatches(text string, keywords []string) int {
	if len(keywords) == 0 {
		return 0
	}
	haystack := normalizeMatchText(text)
	total := 0
	for _, kw := range keywords {
		total += strings.Count(haystack, kw)
	}
	return total
}

func keywordScore(matches int) float64 {
	return math.Min(float64(matches)/fullConfidenceAt, 1.0)
}
