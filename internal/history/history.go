// Package history is the read-only reporting view over delivery records.
// Nothing here mutates the store.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/djlord-it/mailrelay/internal/delivery"
	"github.com/djlord-it/mailrelay/internal/domain"
)

// ErrUnsupportedStatus is returned for statuses other than SENT and FAILED.
var ErrUnsupportedStatus = errors.New("history: only SENT and FAILED can be listed")

type Reader interface {
	GetByID(ctx context.Context, id string) (domain.DeliveryRecord, error)
	FindByStatus(ctx context.Context, status domain.Status) ([]domain.DeliveryRecord, error)
	ListDeliveryAttempts(ctx context.Context, recordID string) ([]domain.DeliveryAttempt, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
}

// Record is the reporting projection of a delivery record.
type Record struct {
	ID            string `json:"id"`
	Recipient     string `json:"recipient"`
	Subject       string `json:"subject"`
	Content       string `json:"content"`
	Status        string `json:"status"`
	ErrorReason   string `json:"error_reason,omitempty"`
	AttemptCount  int    `json:"attempt_count"`
	CreatedAt     string `json:"created_at"`
	LastAttemptAt string `json:"last_attempt_at,omitempty"`
	SentAt        string `json:"sent_at,omitempty"`
}

type Attempt struct {
	ID          string `json:"id"`
	Attempt     int    `json:"attempt"`
	Outcome     string `json:"outcome"`
	FailureKind string `json:"failure_kind,omitempty"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	FinishedAt  string `json:"finished_at"`
	DurationMs  int64  `json:"duration_ms"`
}

type Service struct {
	reader Reader
}

func New(reader Reader) *Service {
	return &Service{reader: reader}
}

// ListByStatus returns every record in status, in the store's order.
func (s *Service) ListByStatus(ctx context.Context, status domain.Status) ([]Record, error) {
	if status != domain.StatusSent && status != domain.StatusFailed {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStatus, status)
	}

	recs, err := s.reader.FindByStatus(ctx, status)
	if err != nil {
		return nil, unavailable("list "+string(status), err)
	}

	out := make([]Record, len(recs))
	for i, rec := range recs {
		out[i] = Project(rec)
	}
	return out, nil
}

// Get returns one record in any status. Missing ids return
// delivery.ErrRecordNotFound.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	rec, err := s.reader.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, delivery.ErrRecordNotFound) {
			return Record{}, err
		}
		return Record{}, unavailable("get", err)
	}
	return Project(rec), nil
}

// Attempts returns the audit trail for id, oldest first.
func (s *Service) Attempts(ctx context.Context, id string) ([]Attempt, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	attempts, err := s.reader.ListDeliveryAttempts(ctx, id)
	if err != nil {
		return nil, unavailable("list attempts", err)
	}

	out := make([]Attempt, len(attempts))
	for i, a := range attempts {
		out[i] = Attempt{
			ID:          a.ID.String(),
			Attempt:     a.Attempt,
			Outcome:     string(a.Outcome),
			FailureKind: string(a.FailureKind),
			Error:       a.Error,
			StartedAt:   formatTime(a.StartedAt),
			FinishedAt:  formatTime(a.FinishedAt),
			DurationMs:  a.FinishedAt.Sub(a.StartedAt).Milliseconds(),
		}
	}
	return out, nil
}

// Counts returns the number of records per status. Every status is present.
func (s *Service) Counts(ctx context.Context) (map[string]int, error) {
	counts, err := s.reader.CountByStatus(ctx)
	if err != nil {
		return nil, unavailable("count", err)
	}

	out := map[string]int{
		string(domain.StatusPending): 0,
		string(domain.StatusSent):    0,
		string(domain.StatusFailed):  0,
	}
	for status, n := range counts {
		out[string(status)] = n
	}
	return out, nil
}

func Project(rec domain.DeliveryRecord) Record {
	return Record{
		ID:            rec.ID,
		Recipient:     rec.Recipient,
		Subject:       rec.Subject,
		Content:       rec.Body,
		Status:        string(rec.Status),
		ErrorReason:   rec.ErrorReason,
		AttemptCount:  rec.AttemptCount,
		CreatedAt:     formatTime(rec.CreatedAt),
		LastAttemptAt: formatTime(rec.LastAttemptAt),
		SentAt:        formatTime(rec.SentAt),
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("history: %s: %w: %w", op, delivery.ErrStoreUnavailable, err)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
