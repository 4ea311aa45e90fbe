package domain

import "time"

// CharRange is a half-open byte range [Start, End) into the document body.
type CharRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Chunk is a slice of a document body. The first OverlapChars bytes of Text
// repeat the trailing OverlapSentences sentences of the previous chunk.
type Chunk struct {
	ParentFingerprint string    `json:"parent_fingerprint"`
	Index             int       `json:"index"`
	Text              string    `json:"text"`
	CharRange         CharRange `json:"char_range"`
	OverlapSentences  int       `json:"overlap_sentences"`
	OverlapChars      int       `json:"overlap_chars"`
}

// Fresh returns the part of the chunk that is not repeated from its predecessor.
func (c Chunk) Fresh() string {
	if c.OverlapChars <= 0 || c.OverlapChars > len(c.Text) {
		return c.Text
	}
	return c.Text[c.OverlapChars:]
}

// IndexRecord is one embedded chunk as stored in the vector index.
type IndexRecord struct {
	ID                  string    `json:"id"`
	Vector              []float32 `json:"-"`
	Jurisdiction        string    `json:"jurisdiction"`
	SubJurisdiction     string    `json:"sub_jurisdiction,omitempty"`
	Title               string    `json:"title"`
	Text                string    `json:"text"`
	SourceURL           string    `json:"source_url,omitempty"`
	DocumentType        string    `json:"document_type,omitempty"`
	Language            string    `json:"language,omitempty"`
	PublishedAt         time.Time `json:"published_at,omitempty"`
	Fingerprint         string    `json:"fingerprint"`
	ChunkIndex          int       `json:"chunk_index"`
	RelevanceConfidence float64   `json:"relevance_confidence"`
	IndexedAt           time.Time `json:"indexed_at"`
	Score               float64   `json:"score,omitempty"`
}
