package qdrant

import (
	"fmt"
	"strconv"
	"time"

	"github.com/kirillkom/lexrag/internal/core/domain"
)

const (
	fieldRecordID        = "record_id"
	fieldJurisdiction    = "jurisdiction"
	fieldSubJurisdiction = "sub_jurisdiction"
	fieldFingerprint     = "fingerprint"
)

func recordPayload(rec domain.IndexRecord) map[string]any {
	payload := map[string]any{
		fieldRecordID:          rec.ID,
		fieldJurisdiction:      rec.Jurisdiction,
		fieldFingerprint:       rec.Fingerprint,
		"chunk_index":          rec.ChunkIndex,
		"title":                rec.Title,
		"text":                 rec.Text,
		"source_url":           rec.SourceURL,
		"document_type":        rec.DocumentType,
		"language":             rec.Language,
		"relevance_confidence": rec.RelevanceConfidence,
		"indexed_at":           rec.IndexedAt.UTC().Format(time.RFC3339),
	}
	if rec.SubJurisdiction != "" {
		payload[fieldSubJurisdiction] = rec.SubJurisdiction
	}
	if !rec.PublishedAt.IsZero() {
		payload["published_at"] = rec.PublishedAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func recordFromPayload(payload map[string]any, score float64) domain.IndexRecord {
	return domain.IndexRecord{
		ID:                  getStringPayload(payload, fieldRecordID),
		Jurisdiction:        getStringPayload(payload, fieldJurisdiction),
		SubJurisdiction:     getStringPayload(payload, fieldSubJurisdiction),
		Title:               getStringPayload(payload, "title"),
		Text:                getStringPayload(payload, "text"),
		SourceURL:           getStringPayload(payload, "source_url"),
		DocumentType:        getStringPayload(payload, "document_type"),
		Language:            getStringPayload(payload, "language"),
		PublishedAt:         getTimePayload(payload, "published_at"),
		Fingerprint:         getStringPayload(payload, fieldFingerprint),
		ChunkIndex:          int(getFloatPayload(payload, "chunk_index")),
		RelevanceConfidence: getFloatPayload(payload, "relevance_confidence"),
		IndexedAt:           getTimePayload(payload, "indexed_at"),
		Score:               score,
	}
}

// filterConditions lists the exact-match conditions every search must carry.
func filterConditions(filter domain.SearchFilter) map[string]string {
	conditions := map[string]string{fieldJurisdiction: domain.NormalizeJurisdiction(filter.Jurisdiction)}
	if filter.SubJurisdiction != "" {
		conditions[fieldSubJurisdiction] = domain.NormalizeJurisdiction(filter.SubJurisdiction)
	}
	return conditions
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getFloatPayload(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

func getTimePayload(payload map[string]any, key string) time.Time {
	raw := getStringPayload(payload, key)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
