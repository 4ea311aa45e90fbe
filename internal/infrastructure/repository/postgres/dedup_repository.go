package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kirillkom/lexrag/internal/core/domain"
)

type DedupRepository struct {
	db *sql.DB
}

func NewDedupRepository(db *sql.DB) *DedupRepository {
	return &DedupRepository{db: db}
}

func (r *DedupRepository) Get(ctx context.Context, fingerprint, jurisdiction string) (*domain.DedupRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT fingerprint, jurisdiction, indexed_at, last_seen_at, classification, chunk_count, source_url, title
FROM dedup_records
WHERE fingerprint = $1 AND jurisdiction = $2
`, fingerprint, jurisdiction)

	var rec domain.DedupRecord
	var classificationRaw []byte
	err := row.Scan(
		&rec.Fingerprint, &rec.Jurisdiction, &rec.IndexedAt, &rec.LastSeenAt,
		&classificationRaw, &rec.ChunkCount, &rec.SourceURL, &rec.Title,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.WrapError(domain.ErrNotFound, "get dedup record", fmt.Errorf("fingerprint=%s jurisdiction=%s", fingerprint, jurisdiction))
		}
		return nil, fmt.Errorf("scan dedup record: %w", err)
	}
	if err := json.Unmarshal(classificationRaw, &rec.Classification); err != nil {
		return nil, fmt.Errorf("unmarshal classification: %w", err)
	}
	return &rec, nil
}

// Put replaces the record for (fingerprint, jurisdiction).
func (r *DedupRepository) Put(ctx context.Context, rec domain.DedupRecord) error {
	classificationJSON, err := json.Marshal(rec.Classification)
	if err != nil {
		return fmt.Errorf("marshal classification: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO dedup_records (fingerprint, jurisdiction, indexed_at, last_seen_at, classification, chunk_count, source_url, title)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (fingerprint, jurisdiction) DO UPDATE SET
	indexed_at = EXCLUDED.indexed_at,
	last_seen_at = EXCLUDED.last_seen_at,
	classification = EXCLUDED.classification,
	chunk_count = EXCLUDED.chunk_count,
	source_url = EXCLUDED.source_url,
	title = EXCLUDED.title
`,
		rec.Fingerprint, rec.Jurisdiction, rec.IndexedAt.UTC(), rec.LastSeenAt.UTC(),
		classificationJSON, rec.ChunkCount, rec.SourceURL, rec.Title,
	)
	if err != nil {
		return fmt.Errorf("upsert dedup record: %w", err)
	}
	return nil
}

func (r *DedupRepository) Touch(ctx context.Context, fingerprint, jurisdiction string, seenAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE dedup_records
SET last_seen_at = $3
WHERE fingerprint = $1 AND jurisdiction = $2
`, fingerprint, jurisdiction, seenAt.UTC())
	if err != nil {
		return fmt.Errorf("touch dedup record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch dedup rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrNotFound, "touch dedup record", fmt.Errorf("fingerprint=%s jurisdiction=%s", fingerprint, jurisdiction))
	}
	return nil
}
