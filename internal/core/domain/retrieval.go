package domain

// SearchFilter scopes a vector search. Jurisdiction is mandatory.
type SearchFilter struct {
	Jurisdiction    string
	SubJurisdiction string
}

// Matches reports whether a stored record satisfies the filter.
func (f SearchFilter) Matches(rec IndexRecord) bool {
	if NormalizeJurisdiction(rec.Jurisdiction) != NormalizeJurisdiction(f.Jurisdiction) {
		return false
	}
	if f.SubJurisdiction != "" && NormalizeJurisdiction(rec.SubJurisdiction) != NormalizeJurisdiction(f.SubJurisdiction) {
		return false
	}
	return true
}

// RetrievalContext is built per query. Prompt is empty when nothing was retrieved.
type RetrievalContext struct {
	Query           string        `json:"query"`
	Jurisdiction    string        `json:"jurisdiction"`
	SubJurisdiction string        `json:"sub_jurisdiction,omitempty"`
	Chunks          []IndexRecord `json:"chunks"`
	ContextText     string        `json:"-"`
	Prompt          string        `json:"-"`
}

type AnswerRequest struct {
	Query           string `json:"query"`
	Jurisdiction    string `json:"jurisdiction"`
	SubJurisdiction string `json:"sub_jurisdiction,omitempty"`
	Language        string `json:"language,omitempty"`
}

type VerificationStatus string

const (
	VerificationVerified      VerificationStatus = "VERIFIED"
	VerificationHallucination VerificationStatus = "HALLUCINATION_DETECTED"
	VerificationSkipped       VerificationStatus = "SKIPPED"
	VerificationError         VerificationStatus = "ERROR"
)

type VerificationResult struct {
	Status VerificationStatus `json:"status"`
	Claim  string             `json:"claim,omitempty"`
}

type Answer struct {
	Answer              string             `json:"answer"`
	Language            string             `json:"language"`
	JurisdictionWarning string             `json:"jurisdiction_warning,omitempty"`
	Sources             []IndexRecord      `json:"sources"`
	VerificationStatus  VerificationStatus `json:"verification_status"`
	UnsupportedClaim    string             `json:"unsupported_claim,omitempty"`
}

// CompletionRequest is one call to the external language model.
type CompletionRequest struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	JSON        bool
}
