package usecase

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/core/ports"
)

const defaultVerifyTimeout = 30 * time.Second

// GroundingVerifierUseCase asks an independent model call whether an answer
// is supported by its context. Failures only downgrade the status.
type GroundingVerifierUseCase struct {
	model   ports.LanguageModel
	timeout time.Duration
	logger  *zap.Logger
}

func NewGroundingVerifierUseCase(model ports.LanguageModel, timeout time.Duration, logger *zap.Logger) *GroundingVerifierUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	return &GroundingVerifierUseCase{model: model, timeout: timeout, logger: logger.Named("verify")}
}

func (uc *GroundingVerifierUseCase) Verify(ctx context.Context, contextText, answer string) domain.VerificationResult {
	if strings.TrimSpace(answer) == "" || strings.TrimSpace(contextText) == "" {
		return domain.VerificationResult{Status: domain.VerificationSkipped}
	}

	callCtx, cancel := context.WithTimeout(ctx, uc.timeout)
	defer cancel()

	reply, err := uc.model.Complete(callCtx, buildGroundingRequest(contextText, answer))
	if err != nil {
		uc.logger.Warn("verification_failed", zap.Error(err))
		return domain.VerificationResult{Status: domain.VerificationError}
	}

	result := parseGroundingVerdict(reply)
	if result.Status == domain.VerificationError {
		uc.logger.Warn("verification_unparseable", zap.String("reply", truncateRunes(reply, 200)))
	}
	if result.Status == domain.VerificationHallucination {
		uc.logger.Warn("hallucination_detected", zap.String("claim", result.Claim))
	}
	return result
}

// parseGroundingVerdict decides on the leading token of the first line:
// "VERIFIED" or "HALLUCINATION_DETECTED: claim", optionally inside a code
// fence or a {"status","claim"} object. Later mentions of either are ignored.
func parseGroundingVerdict(raw string) domain.VerificationResult {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "{") {
		var payload struct {
			Status  string `json:"status"`
			Verdict string `json:"verdict"`
			Claim   string `json:"claim"`
		}
		if err := json.Unmarshal([]byte(text), &payload); err == nil {
			verdict := payload.Status
			if verdict == "" {
				verdict = payload.Verdict
			}
			text = verdict
			if payload.Claim != "" {
				text += ": " + payload.Claim
			}
		}
	}

	line, _, _ := strings.Cut(text, "\n")
	line = strings.TrimSpace(line)
	marker := string(domain.VerificationHallucination)
	switch {
	case hasPrefixFold(line, marker):
		claim := strings.TrimSpace(line[len(marker):])
		claim = strings.TrimSpace(strings.TrimLeft(claim, ":-"))
		return domain.VerificationResult{Status: domain.VerificationHallucination, Claim: claim}
	case hasPrefixFold(line, string(domain.VerificationVerified)):
		return domain.VerificationResult{Status: domain.VerificationVerified}
	default:
		return domain.VerificationResult{Status: domain.VerificationError}
	}
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
