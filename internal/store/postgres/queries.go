package postgres

const recordColumns = `
    id, recipient, subject, body, status, error_reason, attempt_count,
    created_at, last_attempt_at, sent_at, version`

const queryGetRecordByID = `
SELECT` + recordColumns + `
FROM delivery_records
WHERE id = $1
`

const queryInsertRecord = `
INSERT INTO delivery_records (id, recipient, subject, body, status, error_reason, attempt_count, created_at, last_attempt_at, sent_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
`

// A SENT row is never overwritten, whatever version the caller holds.
const queryUpdateRecord = `
UPDATE delivery_records
SET recipient = $2,
    subject = $3,
    body = $4,
    status = $5,
    error_reason = $6,
    attempt_count = $7,
    last_attempt_at = $8,
    sent_at = $9,
    version = version + 1
WHERE id = $1
  AND version = $10
  AND status <> 'SENT'
`

const queryFindRecordsByStatus = `
SELECT` + recordColumns + `
FROM delivery_records
WHERE status = $1
ORDER BY created_at ASC, id ASC
`

const queryInsertDeliveryAttempt = `
INSERT INTO delivery_attempts (id, record_id, attempt, outcome, failure_kind, error, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const queryListDeliveryAttempts = `
SELECT id, record_id, attempt, outcome, failure_kind, error, started_at, finished_at
FROM delivery_attempts
WHERE record_id = $1
ORDER BY started_at ASC, attempt ASC
`

const queryCountByStatus = `
SELECT status, COUNT(*)
FROM delivery_records
GROUP BY status
`
