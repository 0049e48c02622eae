package domain

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// ParseStatus accepts the canonical upper-case form as well as lower case.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, true
	case StatusSent:
		return StatusSent, true
	case StatusFailed:
		return StatusFailed, true
	}
	return "", false
}

// DeliveryRecord is the persisted state of one logical email, keyed by the
// producer-supplied ID.
type DeliveryRecord struct {
	ID string

	Recipient string
	Subject   string
	Body      string

	Status       Status
	ErrorReason  string
	AttemptCount int

	CreatedAt     time.Time
	LastAttemptAt time.Time // zero until the first attempt
	SentAt        time.Time // zero until delivered

	// Version is the optimistic concurrency token. Zero means the record
	// has never been persisted; every successful save increments it.
	Version int64
}

// IsTerminal reports whether no further send attempts may happen.
func (r DeliveryRecord) IsTerminal() bool {
	return r.Status == StatusSent
}

// ApplyContent overwrites the mutable content fields. Callers must not
// invoke it on a terminal record.
func (r *DeliveryRecord) ApplyContent(msg Message) {
	r.Recipient = msg.Recipient
	r.Subject = msg.Subject
	r.Body = msg.Content
}

// MarkSent applies the PENDING/FAILED -> SENT transition.
func (r *DeliveryRecord) MarkSent(at time.Time) {
	r.Status = StatusSent
	r.ErrorReason = ""
	r.LastAttemptAt = at
	if r.SentAt.IsZero() {
		r.SentAt = at
	}
}

// MarkFailed applies the PENDING/FAILED -> FAILED transition.
func (r *DeliveryRecord) MarkFailed(at time.Time, reason string) {
	r.Status = StatusFailed
	r.ErrorReason = reason
	r.LastAttemptAt = at
	r.AttemptCount++
}

// NewPendingRecord builds the record for the first observation of msg.ID.
func NewPendingRecord(msg Message, now time.Time) DeliveryRecord {
	return DeliveryRecord{
		ID:        msg.ID,
		Recipient: msg.Recipient,
		Subject:   msg.Subject,
		Body:      msg.Content,
		Status:    StatusPending,
		CreatedAt: now,
	}
}
