package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillkom/lexrag/internal/core/domain"
)

func TestParseGroundingVerdict(t *testing.T) {
	cases := []struct {
		name   string
		reply  string
		status domain.VerificationStatus
		claim  string
	}{
		{name: "verified", reply: "VERIFIED", status: domain.VerificationVerified},
		{name: "verified lowercase", reply: "  verified.\n", status: domain.VerificationVerified},
		{name: "hallucination", reply: "HALLUCINATION_DETECTED: Die AfA beträgt 5 %.", status: domain.VerificationHallucination, claim: "Die AfA beträgt 5 %."},
		{name: "hallucination multiline", reply: "hallucination_detected - rate is 3%\nreasoning follows", status: domain.VerificationHallucination, claim: "rate is 3%"},
		{name: "json object", reply: "```json\n{\"status\":\"HALLUCINATION_DETECTED\",\"claim\":\"x\"}\n```", status: domain.VerificationHallucination, claim: "x"},
		{name: "json verified", reply: `{"verdict":"VERIFIED"}`, status: domain.VerificationVerified},
		{name: "unparseable", reply: "I think it is mostly fine", status: domain.VerificationError},
		{name: "verified mentioning marker", reply: "VERIFIED. No HALLUCINATION_DETECTED.", status: domain.VerificationVerified},
		{name: "verified explaining marker", reply: "VERIFIED: every sentence is supported; no HALLUCINATION_DETECTED marker needed", status: domain.VerificationVerified},
		{name: "marker after preamble", reply: "The answer is fine, HALLUCINATION_DETECTED is not needed", status: domain.VerificationError},
		{name: "verified with reasoning below", reply: "VERIFIED\nHALLUCINATION_DETECTED would apply if the rate differed.", status: domain.VerificationVerified},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseGroundingVerdict(tc.reply)
			if got.Status != tc.status || got.Claim != tc.claim {
				t.Fatalf("parseGroundingVerdict(%q) = %+v, want %s %q", tc.reply, got, tc.status, tc.claim)
			}
		})
	}
}

func TestVerifyUsesZeroTemperatureAndReportsErrors(t *testing.T) {
	model := &modelFake{replies: []string{"VERIFIED"}}
	uc := NewGroundingVerifierUseCase(model, 0, nil)

	result := uc.Verify(context.Background(), "[1] context", "answer")
	if result.Status != domain.VerificationVerified {
		t.Fatalf("unexpected result: %+v", result)
	}
	if model.requests[0].Temperature != 0 {
		t.Fatalf("expected zero temperature")
	}

	failing := NewGroundingVerifierUseCase(&modelFake{err: errors.New("timeout")}, 0, nil)
	if got := failing.Verify(context.Background(), "[1] context", "answer"); got.Status != domain.VerificationError {
		t.Fatalf("expected ERROR on model failure, got %+v", got)
	}
}

func TestVerifySkipsEmptyAnswer(t *testing.T) {
	model := &modelFake{replies: []string{"VERIFIED"}}
	uc := NewGroundingVerifierUseCase(model, 0, nil)
	if got := uc.Verify(context.Background(), "ctx", " "); got.Status != domain.VerificationSkipped {
		t.Fatalf("expected SKIPPED, got %+v", got)
	}
	if model.calls() != 0 {
		t.Fatalf("expected no model call")
	}
}
