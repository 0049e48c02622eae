package domain

import (
	"time"

	"github.com/google/uuid"
)

type AttemptOutcome string

const (
	AttemptOutcomeSent   AttemptOutcome = "sent"
	AttemptOutcomeFailed AttemptOutcome = "failed"
)

// DeliveryAttempt is the audit row written for every transport call.
type DeliveryAttempt struct {
	ID       uuid.UUID
	RecordID string
	Attempt  int

	Outcome     AttemptOutcome
	FailureKind FailureKind
	Error       string

	StartedAt  time.Time
	FinishedAt time.Time
}
