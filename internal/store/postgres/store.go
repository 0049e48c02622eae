package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/djlord-it/mailrelay/internal/delivery"
	"github.com/djlord-it/mailrelay/internal/domain"
)

const codeUniqueViolation = "23505"

// Store implements delivery.Store and the history reader using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetByID returns delivery.ErrRecordNotFound if no row exists.
func (s *Store) GetByID(ctx context.Context, id string) (domain.DeliveryRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, queryGetRecordByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeliveryRecord{}, delivery.ErrRecordNotFound
	}
	if err != nil {
		return domain.DeliveryRecord{}, err
	}
	return rec, nil
}

// Save inserts a record with Version 0 and updates any other record only if
// the stored version matches. Both paths report a lost race as
// delivery.ErrVersionConflict.
func (s *Store) Save(ctx context.Context, rec domain.DeliveryRecord) (domain.DeliveryRecord, error) {
	if rec.Version == 0 {
		return s.insert(ctx, rec)
	}

	// The WHERE clause is evaluated under the row lock, so two writers
	// holding the same version cannot both succeed.
	result, err := s.db.ExecContext(ctx, queryUpdateRecord,
		rec.ID,
		rec.Recipient,
		rec.Subject,
		rec.Body,
		string(rec.Status),
		nullString(rec.ErrorReason),
		rec.AttemptCount,
		nullTime(rec.LastAttemptAt),
		nullTime(rec.SentAt),
		rec.Version,
	)
	if err != nil {
		return domain.DeliveryRecord{}, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return domain.DeliveryRecord{}, err
	}
	if rowsAffected == 0 {
		// Missing row, stale version, or already SENT.
		return domain.DeliveryRecord{}, fmt.Errorf("%w: %s at version %d", delivery.ErrVersionConflict, rec.ID, rec.Version)
	}

	rec.Version++
	return rec, nil
}

func (s *Store) insert(ctx context.Context, rec domain.DeliveryRecord) (domain.DeliveryRecord, error) {
	_, err := s.db.ExecContext(ctx, queryInsertRecord,
		rec.ID,
		rec.Recipient,
		rec.Subject,
		rec.Body,
		string(rec.Status),
		nullString(rec.ErrorReason),
		rec.AttemptCount,
		rec.CreatedAt,
		nullTime(rec.LastAttemptAt),
		nullTime(rec.SentAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.DeliveryRecord{}, fmt.Errorf("%w: %s already exists", delivery.ErrVersionConflict, rec.ID)
		}
		return domain.DeliveryRecord{}, err
	}
	rec.Version = 1
	return rec, nil
}

// FindByStatus returns every record in status, oldest first.
func (s *Store) FindByStatus(ctx context.Context, status domain.Status) ([]domain.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, queryFindRecordsByStatus, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DeliveryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// InsertDeliveryAttempt inserts a new delivery attempt record.
func (s *Store) InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error {
	_, err := s.db.ExecContext(ctx, queryInsertDeliveryAttempt,
		attempt.ID,
		attempt.RecordID,
		attempt.Attempt,
		string(attempt.Outcome),
		nullString(string(attempt.FailureKind)),
		nullString(attempt.Error),
		attempt.StartedAt,
		attempt.FinishedAt,
	)
	return err
}

// ListDeliveryAttempts returns the attempts for one record in order.
func (s *Store) ListDeliveryAttempts(ctx context.Context, recordID string) ([]domain.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, queryListDeliveryAttempts, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DeliveryAttempt
	for rows.Next() {
		var a domain.DeliveryAttempt
		var outcome string
		var kind, errText sql.NullString

		err := rows.Scan(
			&a.ID,
			&a.RecordID,
			&a.Attempt,
			&outcome,
			&kind,
			&errText,
			&a.StartedAt,
			&a.FinishedAt,
		)
		if err != nil {
			return nil, err
		}
		a.Outcome = domain.AttemptOutcome(outcome)
		a.FailureKind = domain.FailureKind(kind.String)
		a.Error = errText.String
		result = append(result, a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// CountByStatus returns the number of records per status. Statuses with no
// records are absent from the map.
func (s *Store) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, queryCountByStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(status)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.DeliveryRecord, error) {
	var rec domain.DeliveryRecord
	var status string
	var errorReason sql.NullString
	var lastAttemptAt, sentAt sql.NullTime

	err := row.Scan(
		&rec.ID,
		&rec.Recipient,
		&rec.Subject,
		&rec.Body,
		&status,
		&errorReason,
		&rec.AttemptCount,
		&rec.CreatedAt,
		&lastAttemptAt,
		&sentAt,
		&rec.Version,
	)
	if err != nil {
		return domain.DeliveryRecord{}, err
	}

	rec.Status = domain.Status(status)
	rec.ErrorReason = errorReason.String
	if lastAttemptAt.Valid {
		rec.LastAttemptAt = lastAttemptAt.Time
	}
	if sentAt.Valid {
		rec.SentAt = sentAt.Time
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == codeUniqueViolation
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Compile-time interface assertions
var _ delivery.Store = (*Store)(nil)
