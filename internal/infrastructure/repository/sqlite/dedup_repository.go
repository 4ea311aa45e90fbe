// Package sqlite keeps the dedup index in a single-file database for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kirillkom/lexrag/internal/core/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS dedup_records (
	fingerprint TEXT NOT NULL,
	jurisdiction TEXT NOT NULL,
	indexed_at TEXT NOT NULL,
	last_seen_at TEXT NOT NULL,
	classification TEXT NOT NULL DEFAULT '{}',
	chunk_count INTEGER NOT NULL DEFAULT 0,
	source_url TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (fingerprint, jurisdiction)
);
`

type DedupRepository struct {
	db *sql.DB
}

// Open creates the database file if needed. ":memory:" keeps everything in process.
func Open(path string) (*DedupRepository, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Serialized writes; an in-memory database also lives only as long as its one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &DedupRepository{db: db}, nil
}

func (r *DedupRepository) Close() error {
	return r.db.Close()
}

func (r *DedupRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *DedupRepository) Get(ctx context.Context, fingerprint, jurisdiction string) (*domain.DedupRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT fingerprint, jurisdiction, indexed_at, last_seen_at, classification, chunk_count, source_url, title
FROM dedup_records
WHERE fingerprint = ? AND jurisdiction = ?
`, fingerprint, jurisdiction)

	var rec domain.DedupRecord
	var indexedAt, lastSeenAt, classificationRaw string
	err := row.Scan(&rec.Fingerprint, &rec.Jurisdiction, &indexedAt, &lastSeenAt, &classificationRaw, &rec.ChunkCount, &rec.SourceURL, &rec.Title)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get dedup record", fmt.Errorf("fingerprint=%s jurisdiction=%s", fingerprint, jurisdiction))
		}
		return nil, fmt.Errorf("scan dedup record: %w", err)
	}
	if rec.IndexedAt, err = time.Parse(time.RFC3339Nano, indexedAt); err != nil {
		return nil, fmt.Errorf("parse indexed_at: %w", err)
	}
	if rec.LastSeenAt, err = time.Parse(time.RFC3339Nano, lastSeenAt); err != nil {
		return nil, fmt.Errorf("parse last_seen_at: %w", err)
	}
	if err := json.Unmarshal([]byte(classificationRaw), &rec.Classification); err != nil {
		return nil, fmt.Errorf("unmarshal classification: %w", err)
	}
	return &rec, nil
}

func (r *DedupRepository) Put(ctx context.Context, rec domain.DedupRecord) error {
	classificationJSON, err := json.Marshal(rec.Classification)
	if err != nil {
		return fmt.Errorf("marshal classification: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO dedup_records (fingerprint, jurisdiction, indexed_at, last_seen_at, classification, chunk_count, source_url, title)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (fingerprint, jurisdiction) DO UPDATE SET
	indexed_at = excluded.indexed_at,
	last_seen_at = excluded.last_seen_at,
	classification = excluded.classification,
	chunk_count = excluded.chunk_count,
	source_url = excluded.source_url,
	title = excluded.title
`,
		rec.Fingerprint, rec.Jurisdiction, formatTime(rec.IndexedAt), formatTime(rec.LastSeenAt),
		string(classificationJSON), rec.ChunkCount, rec.SourceURL, rec.Title,
	)
	if err != nil {
		return fmt.Errorf("upsert dedup record: %w", err)
	}
	return nil
}

func (r *DedupRepository) Touch(ctx context.Context, fingerprint, jurisdiction string, seenAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE dedup_records SET last_seen_at = ? WHERE fingerprint = ? AND jurisdiction = ?`,
		formatTime(seenAt), fingerprint, jurisdiction)
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

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
