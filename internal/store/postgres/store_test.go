package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/mailrelay/internal/delivery"
	"github.com/djlord-it/mailrelay/internal/domain"
)

var recordCols = []string{
	"id", "recipient", "subject", "body", "status", "error_reason", "attempt_count",
	"created_at", "last_attempt_at", "sent_at", "version",
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return New(db), mock
}

var created = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestGetByID_Found(t *testing.T) {
	s, mock := newMock(t)
	sent := created.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("FROM delivery_records\nWHERE id = $1")).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow("e1", "a@x.io", "Hi", "Body", "SENT", nil, 2, created, sent, sent, int64(4)))

	rec, err := s.GetByID(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryRecord{
		ID:            "e1",
		Recipient:     "a@x.io",
		Subject:       "Hi",
		Body:          "Body",
		Status:        domain.StatusSent,
		AttemptCount:  2,
		CreatedAt:     created,
		LastAttemptAt: sent,
		SentAt:        sent,
		Version:       4,
	}, rec)
}

func TestGetByID_NotFound(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery("FROM delivery_records").
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetByID(context.Background(), "nope")
	assert.ErrorIs(t, err, delivery.ErrRecordNotFound)
}

func TestGetByID_NullableColumns(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery("FROM delivery_records").
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow("e1", "a@x.io", "Hi", "Body", "PENDING", nil, 0, created, nil, nil, int64(1)))

	rec, err := s.GetByID(context.Background(), "e1")
	require.NoError(t, err)
	assert.True(t, rec.LastAttemptAt.IsZero())
	assert.True(t, rec.SentAt.IsZero())
	assert.Empty(t, rec.ErrorReason)
}

func TestSave_Insert(t *testing.T) {
	s, mock := newMock(t)
	rec := domain.NewPendingRecord(domain.Message{ID: "e1", Recipient: "a@x.io", Subject: "Hi", Content: "Body"}, created)

	mock.ExpectExec("INSERT INTO delivery_records").
		WithArgs("e1", "a@x.io", "Hi", "Body", "PENDING", nil, 0, created, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	saved, err := s.Save(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)
}

func TestSave_InsertDuplicateIsConflict(t *testing.T) {
	s, mock := newMock(t)
	rec := domain.NewPendingRecord(domain.Message{ID: "e1"}, created)

	mock.ExpectExec("INSERT INTO delivery_records").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := s.Save(context.Background(), rec)
	assert.ErrorIs(t, err, delivery.ErrVersionConflict)
}

func TestSave_InsertOtherErrorPassesThrough(t *testing.T) {
	s, mock := newMock(t)
	boom := &pq.Error{Code: "08006", Message: "connection failure"}

	mock.ExpectExec("INSERT INTO delivery_records").WillReturnError(boom)

	_, err := s.Save(context.Background(), domain.NewPendingRecord(domain.Message{ID: "e1"}, created))
	require.Error(t, err)
	assert.False(t, errors.Is(err, delivery.ErrVersionConflict))
}

func TestSave_UpdateMatchingVersion(t *testing.T) {
	s, mock := newMock(t)
	rec := domain.DeliveryRecord{ID: "e1", Recipient: "a@x.io", Status: domain.StatusFailed, CreatedAt: created, Version: 3}
	rec.MarkFailed(created.Add(time.Minute), "timeout: deadline")

	mock.ExpectExec(regexp.QuoteMeta("AND version = $10")).
		WithArgs("e1", "a@x.io", "", "", "FAILED", "timeout: deadline", 1, created.Add(time.Minute), nil, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	saved, err := s.Save(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, int64(4), saved.Version)
	assert.Equal(t, 1, saved.AttemptCount)
}

func TestSave_UpdateStaleVersionIsConflict(t *testing.T) {
	s, mock := newMock(t)
	rec := domain.DeliveryRecord{ID: "e1", Status: domain.StatusFailed, Version: 2}

	mock.ExpectExec("UPDATE delivery_records").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := s.Save(context.Background(), rec)
	assert.ErrorIs(t, err, delivery.ErrVersionConflict)
}

func TestFindByStatus(t *testing.T) {
	s, mock := newMock(t)
	attempted := created.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1")).
		WithArgs("FAILED").
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow("e1", "a@x.io", "", "", "FAILED", "other: x", 1, created, attempted, nil, int64(2)).
			AddRow("e2", "b@x.io", "", "", "FAILED", "other: y", 3, created, attempted, nil, int64(5)))

	recs, err := s.FindByStatus(context.Background(), domain.StatusFailed)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "e1", recs[0].ID)
	assert.Equal(t, "other: y", recs[1].ErrorReason)
	assert.Equal(t, 3, recs[1].AttemptCount)
}

func TestFindByStatus_QueryError(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery("FROM delivery_records").WillReturnError(errors.New("conn reset"))

	_, err := s.FindByStatus(context.Background(), domain.StatusFailed)
	assert.Error(t, err)
}

func TestInsertAndListDeliveryAttempts(t *testing.T) {
	s, mock := newMock(t)
	id := uuid.New()
	attempt := domain.DeliveryAttempt{
		ID:          id,
		RecordID:    "e1",
		Attempt:     2,
		Outcome:     domain.AttemptOutcomeFailed,
		FailureKind: domain.FailureTimeout,
		Error:       "deadline",
		StartedAt:   created,
		FinishedAt:  created.Add(time.Second),
	}

	mock.ExpectExec("INSERT INTO delivery_attempts").
		WithArgs(id, "e1", 2, "failed", "timeout", "deadline", created, created.Add(time.Second)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM delivery_attempts").
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "record_id", "attempt", "outcome", "failure_kind", "error", "started_at", "finished_at"}).
			AddRow(id.String(), "e1", 2, "failed", "timeout", "deadline", created, created.Add(time.Second)).
			AddRow(uuid.New().String(), "e1", 3, "sent", nil, nil, created.Add(time.Minute), created.Add(time.Minute)))

	require.NoError(t, s.InsertDeliveryAttempt(context.Background(), attempt))

	got, err := s.ListDeliveryAttempts(context.Background(), "e1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, attempt, got[0])
	assert.Equal(t, domain.AttemptOutcomeSent, got[1].Outcome)
	assert.Empty(t, got[1].FailureKind)
}

func TestCountByStatus(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery("GROUP BY status").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("SENT", 10).
			AddRow("FAILED", 2))

	counts, err := s.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[domain.Status]int{domain.StatusSent: 10, domain.StatusFailed: 2}, counts)
}

func TestEmbeddedMigrations(t *testing.T) {
	files, err := fs.Glob(embedMigrations, "migrations/*.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"migrations/00001_delivery_records.sql",
		"migrations/00002_delivery_attempts.sql",
	}, files)

	body, err := fs.ReadFile(embedMigrations, files[0])
	require.NoError(t, err)
	assert.Contains(t, string(body), "-- +goose Up")
	assert.Contains(t, string(body), "version         BIGINT")
}
