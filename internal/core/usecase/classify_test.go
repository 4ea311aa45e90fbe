package usecase

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kirillkom/lexrag/internal/core/domain"
)

var testKeywords = map[string][]string{
	"DE":      {"afa", "abschreibung", "gebäude", "estg", "miete", "mieter"},
	"US":      {"depreciation", "irs", "tenant"},
	"default": {"law"},
}

func newTestClassifier(model *modelFake, logger *zap.Logger) *RelevanceClassifierUseCase {
	return NewRelevanceClassifierUseCase(model, ClassifierConfig{Keywords: testKeywords}, logger)
}

func TestClassifyZeroMatchesRejectsWithoutExternalCall(t *testing.T) {
	model := &modelFake{replies: []string{"RELEVANT"}}
	got := newTestClassifier(model, nil).Classify(context.Background(), domain.RawDocument{
		Title: "Fußball", Body: "Bundesliga Ergebnisse vom Wochenende.", Jurisdiction: "DE",
	})
	if got.IsRelevant || got.Confidence != 0.0 || got.Method != domain.MethodKeyword {
		t.Fatalf("unexpected result: %+v", got)
	}
	if model.calls() != 0 {
		t.Fatalf("expected no external call, got %d", model.calls())
	}
}

func TestClassifyFiveOrMoreMatchesAcceptsWithoutExternalCall(t *testing.T) {
	model := &modelFake{replies: []string{"IRRELEVANT"}}
	got := newTestClassifier(model, nil).Classify(context.Background(), domain.RawDocument{
		Title:        "AfA Gebäude",
		Body:         "AfA Gebäude 2% jährlich. Die Abschreibung nach EStG gilt für jedes Gebäude.",
		Jurisdiction: "de",
	})
	if !got.IsRelevant || got.Confidence != 1.0 || got.Method != domain.MethodKeyword {
		t.Fatalf("unexpected result: %+v", got)
	}
	if got.Matches < 5 {
		t.Fatalf("expected at least 5 matches, got %d", got.Matches)
	}
	if model.calls() != 0 {
		t.Fatalf("expected no external call, got %d", model.calls())
	}
}

func TestClassifyBorderlineEscalates(t *testing.T) {
	cases := []struct {
		name       string
		reply      string
		relevant   bool
		confidence float64
	}{
		{name: "relevant", reply: "RELEVANT", relevant: true, confidence: 0.7},
		{name: "irrelevant", reply: "IRRELEVANT", relevant: false, confidence: 0.3},
		{name: "lowercase irrelevant", reply: " irrelevant.\n", relevant: false, confidence: 0.3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			model := &modelFake{replies: []string{tc.reply}}
			got := newTestClassifier(model, nil).Classify(context.Background(), domain.RawDocument{
				Title: "Mietrecht", Body: "Der Mieter darf kündigen.", Jurisdiction: "DE",
			})
			if got.IsRelevant != tc.relevant || got.Confidence != tc.confidence || got.Method != domain.MethodExternalCheck {
				t.Fatalf("unexpected result: %+v", got)
			}
			if model.calls() != 1 {
				t.Fatalf("expected exactly one external call, got %d", model.calls())
			}
			if model.requests[0].Temperature != 0 {
				t.Fatalf("external check must run at zero temperature")
			}
		})
	}
}

func TestClassifyFallsBackToKeywordScoreOnFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	model := &modelFake{err: errors.New("connection refused")}
	got := newTestClassifier(model, zap.New(core)).Classify(context.Background(), domain.RawDocument{
		Title: "Mieter", Body: "Der Mieter darf kündigen.", Jurisdiction: "DE",
	})
	if !got.IsRelevant || !got.Fallback || got.Method != domain.MethodKeyword {
		t.Fatalf("expected conservative accept, got %+v", got)
	}
	if got.Confidence <= 0.3 {
		t.Fatalf("expected keyword score above threshold, got %v", got.Confidence)
	}
	if logs.FilterMessage("relevance_check_fallback").Len() != 1 {
		t.Fatalf("expected fallback to be logged")
	}
}

func TestClassifyFallbackRespectsConfiguredThreshold(t *testing.T) {
	model := &modelFake{replies: []string{"maybe"}}
	uc := NewRelevanceClassifierUseCase(model, ClassifierConfig{Keywords: testKeywords, FallbackThreshold: 0.5}, nil)
	got := uc.Classify(context.Background(), domain.RawDocument{
		Title: "Hinweis", Body: "Eine Miete.", Jurisdiction: "DE",
	})
	if got.IsRelevant || !got.Fallback {
		t.Fatalf("one match scores 0.33 and must be rejected at threshold 0.5, got %+v", got)
	}
}

func TestClassifyUsesDefaultKeywordSet(t *testing.T) {
	model := &modelFake{replies: []string{"RELEVANT"}}
	got := newTestClassifier(model, nil).Classify(context.Background(), domain.RawDocument{
		Title: "Notice", Body: "A new law was passed.", Jurisdiction: "FR",
	})
	if !got.IsRelevant || got.Method != domain.MethodExternalCheck {
		t.Fatalf("expected default set to escalate, got %+v", got)
	}
}

func TestCountKeywordMatchesIsCaseInsensitive(t *testing.T) {
	if got := countKeywordMatches("IRS Depreciation and irs rules", []string{"irs", "depreciation"}); got != 3 {
		t.Fatalf("expected 3 matches, got %d", got)
	}
}

func TestParseRelevanceVerdict(t *testing.T) {
	cases := map[string]domain.RelevanceVerdict{
		"RELEVANT":       domain.VerdictRelevant,
		" relevant.\n":   domain.VerdictRelevant,
		"IRRELEVANT":     domain.VerdictIrrelevant,
		"NOT RELEVANT":   domain.VerdictIrrelevant,
		"not_relevant":   domain.VerdictIrrelevant,
		"\"Irrelevant\"": domain.VerdictIrrelevant,
		"**RELEVANT**":   domain.VerdictRelevant,
	}
	for reply, want := range cases {
		got, err := parseRelevanceVerdict(reply)
		if err != nil || got != want {
			t.Fatalf("parseRelevanceVerdict(%q) = %q, %v, want %q", reply, got, err, want)
		}
	}
	if _, err := parseRelevanceVerdict("Maybe, it mentions RELEVANT law"); !domain.IsKind(err, domain.ErrClassifierUnavailable) {
		t.Fatalf("expected unparseable reply rejected, got %v", err)
	}
}
