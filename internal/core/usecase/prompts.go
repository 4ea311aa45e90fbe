package usecase

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/lexrag/internal/core/domain"
)

const (
	relevanceSnippetRunes = 4000
	verificationMaxTokens = 256
)

func truncateRunes(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}

func buildRelevanceRequest(doc domain.RawDocument, keywords []string) domain.CompletionRequest {
	topic := "legal source material (statutes, court rulings, administrative circulars)"
	if len(keywords) > 0 {
		hint := keywords
		if len(hint) > 12 {
			hint = hint[:12]
		}
		topic += " on topics such as: " + strings.Join(hint, ", ")
	}

	prompt := fmt.Sprintf(`Decide whether the document below is relevant %s for jurisdiction %s.
Reply with exactly one word: RELEVANT or IRRELEVANT.

Title:
%s

Document:
%s
`, topic, doc.Jurisdiction, doc.Title, truncateRunes(doc.Body, relevanceSnippetRunes))

	return domain.CompletionRequest{
		System:      "You are a strict binary document classifier.",
		Prompt:      prompt,
		Temperature: 0,
		MaxTokens:   5,
	}
}

// parseRelevanceVerdict decides on the reply's leading word, so "NOT RELEVANT"
// and "IRRELEVANT" both reject.
func parseRelevanceVerdict(raw string) (domain.RelevanceVerdict, error) {
	reply := strings.ToUpper(strings.TrimLeft(strings.TrimSpace(raw), "\"'*`(["))
	switch {
	case strings.HasPrefix(reply, "NOT"), strings.HasPrefix(reply, "IR"):
		return domain.VerdictIrrelevant, nil
	case strings.HasPrefix(reply, string(domain.VerdictRelevant)):
		return domain.VerdictRelevant, nil
	default:
		return "", domain.WrapError(domain.ErrClassifierUnavailable, "parse relevance verdict", fmt.Errorf("unexpected reply %q", truncateRunes(raw, 64)))
	}
}

// buildAnswerPrompt restricts generation to the assembled context.
func buildAnswerPrompt(rc domain.RetrievalContext, lang locale, noInfo string) string {
	scope := rc.Jurisdiction
	if rc.SubJurisdiction != "" {
		scope += "/" + rc.SubJurisdiction
	}

	return fmt.Sprintf(`Answer the question in %s using only the context below.
Rules:
1. Use only facts stated in the context. Do not add outside knowledge.
2. If the context is insufficient, reply exactly: %q
3. The question is scoped to the jurisdiction %s. If the question appears to concern a different jurisdiction, say so explicitly in the first sentence.
4. Cite the supporting context entries as [n].

Question:
%s

Context:
%s
`, lang.name, noInfo, scope, rc.Query, rc.ContextText)
}

func answerRequest(prompt string) domain.CompletionRequest {
	return domain.CompletionRequest{
		System:      "You are a careful legal research assistant. You never answer beyond the provided sources.",
		Prompt:      prompt,
		Temperature: 0.1,
	}
}

func buildGroundingRequest(contextText, answer string) domain.CompletionRequest {
	prompt := fmt.Sprintf(`Check the answer against the context, sentence by sentence.
Every factual claim in the answer must be directly traceable to the context.
Reply with exactly one line, either:
VERIFIED
or
HALLUCINATION_DETECTED: <the first claim that is not supported by the context>

Context:
%s

Answer:
%s
`, contextText, answer)

	return domain.CompletionRequest{
		System:      "You are an independent fact checker.",
		Prompt:      prompt,
		Temperature: 0,
		MaxTokens:   verificationMaxTokens,
	}
}
