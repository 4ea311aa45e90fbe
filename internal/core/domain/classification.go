package domain

type ClassificationMethod string

const (
	MethodKeyword       ClassificationMethod = "keyword"
	MethodExternalCheck ClassificationMethod = "external-check"
)

// ClassificationResult is the relevance decision for one candidate document.
type ClassificationResult struct {
	IsRelevant bool                 `json:"is_relevant"`
	Confidence float64              `json:"confidence"`
	Method     ClassificationMethod `json:"method"`
	Matches    int                  `json:"matches"`
	Fallback   bool                 `json:"fallback,omitempty"`
}

// RelevanceVerdict is the answer of an external relevance check.
type RelevanceVerdict string

const (
	VerdictRelevant   RelevanceVerdict = "RELEVANT"
	VerdictIrrelevant RelevanceVerdict = "IRRELEVANT"
)
