package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/lexrag/internal/core/domain"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestEnsureSchemaTakesAdvisoryLock(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(schemaLockID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS dedup_records").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDedupGetReturnsDomainNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDedupRepository(db)

	mock.ExpectQuery("SELECT fingerprint, jurisdiction").
		WithArgs("fp", "DE").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "fp", "DE")
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDedupGetDecodesClassification(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDedupRepository(db)
	indexedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"fingerprint", "jurisdiction", "indexed_at", "last_seen_at", "classification", "chunk_count", "source_url", "title"}).
		AddRow("fp", "DE", indexedAt, indexedAt, []byte(`{"is_relevant":true,"confidence":0.7,"method":"external_check","matches":2}`), 4, "https://bmf", "AfA")
	mock.ExpectQuery("SELECT fingerprint, jurisdiction").WithArgs("fp", "DE").WillReturnRows(rows)

	rec, err := repo.Get(context.Background(), "fp", "DE")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !rec.Classification.IsRelevant || rec.Classification.Confidence != 0.7 || rec.ChunkCount != 4 || !rec.IndexedAt.Equal(indexedAt) {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestDedupPutUpsertsOnConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDedupRepository(db)
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (fingerprint, jurisdiction) DO UPDATE")).
		WithArgs("fp", "DE", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), 3, "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Put(context.Background(), domain.DedupRecord{Fingerprint: "fp", Jurisdiction: "DE", IndexedAt: now, LastSeenAt: now, ChunkCount: 3})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDedupTouchReturnsNotFoundWhenNoRowsAffected(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDedupRepository(db)

	mock.ExpectExec("UPDATE dedup_records").
		WithArgs("fp", "DE", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Touch(context.Background(), "fp", "DE", time.Now()); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobRunCreateIsIdempotent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobRunRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (id) DO NOTHING")).
		WithArgs("run-1", "bmf", "scraping", "cron", 0, "scheduled", "", sqlmock.AnyArg(), sqlmock.AnyArg(), sql.NullTime{}, sql.NullTime{}, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.CreateRun(context.Background(), &domain.JobRun{
		ID:          "run-1",
		JobName:     "bmf",
		Queue:       domain.QueueScraping,
		Trigger:     domain.TriggerCron,
		State:       domain.JobScheduled,
		ScheduledAt: time.Now(),
		UpdatedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestJobRunUpdateReturnsNotFoundWhenMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobRunRepository(db)

	mock.ExpectExec("UPDATE job_runs").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateRun(context.Background(), &domain.JobRun{ID: "missing", State: domain.JobRunning})
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListDeadScansNullableTimes(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobRunRepository(db)
	at := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "job_name", "queue", "trigger", "attempt", "state", "error_message", "stats", "scheduled_at", "started_at", "finished_at", "updated_at"}).
		AddRow("run-1", "bmf", "scraping", "cron", 3, "dead", "boom", []byte(`{"received":4,"failed":4}`), at, at, nil, at)
	mock.ExpectQuery("FROM job_runs").
		WithArgs("dead", defaultListLimit).
		WillReturnRows(rows)

	runs, err := repo.ListDead(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListDead() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected one run, got %d", len(runs))
	}
	run := runs[0]
	if run.State != domain.JobDead || run.Stats.Failed != 4 || !run.FinishedAt.IsZero() || !run.StartedAt.Equal(at) {
		t.Fatalf("unexpected run: %+v", run)
	}
}
