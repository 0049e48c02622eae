// Package delivery owns the delivery record state machine.
//
// Every record moves PENDING -> SENT or PENDING/FAILED -> FAILED. SENT is
// terminal: redelivering an id that is already SENT never calls the mail
// transport again. The engine is the only writer of delivery records.
//
// Each read-modify-write on a record runs under a per-id lock, and every
// save is a compare-and-swap on the record version, so concurrent intake and
// retry of the same id cannot lose updates.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/mailrelay/internal/domain"
	"github.com/djlord-it/mailrelay/internal/lock"
)

var (
	// ErrRecordNotFound is returned by Store.GetByID when no record exists.
	ErrRecordNotFound = errors.New("delivery record not found")

	// ErrVersionConflict is returned by Store.Save when the stored version
	// differs from the one being written (or an insert finds the id taken).
	ErrVersionConflict = errors.New("delivery record version conflict")

	// ErrStoreUnavailable wraps any other store failure. It is the only
	// fault that crosses the engine boundary.
	ErrStoreUnavailable = errors.New("delivery store unavailable")

	// ErrLockUnavailable is returned when the per-id lock cannot be taken.
	ErrLockUnavailable = errors.New("delivery record lock unavailable")
)

// DefaultSendTimeout bounds one transport call.
const DefaultSendTimeout = 30 * time.Second

// maxSaveConflicts bounds how often a conflicting save is re-applied onto a
// fresh read before the operation gives up.
const maxSaveConflicts = 3

// Store persists delivery records.
type Store interface {
	// GetByID returns ErrRecordNotFound if the id was never saved.
	GetByID(ctx context.Context, id string) (domain.DeliveryRecord, error)

	// Save inserts the record when Version is zero, otherwise updates it
	// only if the stored version equals rec.Version. It returns the record
	// with its new version, or ErrVersionConflict.
	Save(ctx context.Context, rec domain.DeliveryRecord) (domain.DeliveryRecord, error)

	FindByStatus(ctx context.Context, status domain.Status) ([]domain.DeliveryRecord, error)

	InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error
}

// Email is what the engine hands to the mail transport.
type Email struct {
	To      string
	Subject string
	Body    string
}

// Mailer sends one email. Any returned error is a transport failure; it is
// recorded on the record, never propagated.
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// Locker provides per-key mutual exclusion.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type AnalyticsSink interface {
	Record(ctx context.Context, outcome domain.AttemptOutcome, at time.Time)
}

// MetricsSink defines the interface for recording engine metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	IntakeOutcome(outcome string)
	SendAttemptCompleted(outcome string, failureKind string, duration time.Duration)
	SendsInFlightIncr()
	SendsInFlightDecr()
	StoreError(op string)
}

// Intake outcomes reported to MetricsSink.
const (
	IntakeCreated   = "created"
	IntakeUpdated   = "updated"
	IntakeDuplicate = "duplicate"
)

type Engine struct {
	store       Store
	mailer      Mailer
	locker      Locker
	analytics   AnalyticsSink // optional, nil = disabled
	metrics     MetricsSink   // optional, nil = disabled
	logger      *zap.Logger
	sendTimeout time.Duration
	clock       func() time.Time
}

func New(store Store, mailer Mailer) *Engine {
	return &Engine{
		store:       store,
		mailer:      mailer,
		locker:      lock.NewLocal(),
		logger:      zap.NewNop(),
		sendTimeout: DefaultSendTimeout,
		clock:       time.Now,
	}
}

// WithLocker replaces the default in-process lock, e.g. with a distributed one.
func (e *Engine) WithLocker(l Locker) *Engine {
	e.locker = l
	return e
}

func (e *Engine) WithAnalytics(sink AnalyticsSink) *Engine {
	e.analytics = sink
	return e
}

// WithMetrics attaches a metrics sink to the engine.
func (e *Engine) WithMetrics(sink MetricsSink) *Engine {
	e.metrics = sink
	return e
}

func (e *Engine) WithLogger(logger *zap.Logger) *Engine {
	e.logger = logger
	return e
}

// WithSendTimeout bounds each transport call. Non-positive values are ignored.
func (e *Engine) WithSendTimeout(d time.Duration) *Engine {
	if d > 0 {
		e.sendTimeout = d
	}
	return e
}

// Intake reconciles an inbound message against stored state and attempts
// delivery unless the id is already SENT. A transport failure is recorded
// and reported as success; only store and lock faults are returned.
func (e *Engine) Intake(ctx context.Context, msg domain.Message) error {
	if !msg.HasID() {
		return domain.ErrInvalidMessage
	}

	return e.withRecordLock(ctx, msg.ID, func(ctx context.Context) error {
		rec, created, err := e.loadOrCreate(ctx, msg)
		if err != nil {
			return err
		}

		switch {
		case created:
			e.intakeOutcome(IntakeCreated)
		case rec.IsTerminal():
			e.logger.Info("delivery: already sent, skipping", zap.String("id", rec.ID))
			e.intakeOutcome(IntakeDuplicate)
			return nil
		default:
			e.logger.Info("delivery: updating existing record and retrying",
				zap.String("id", rec.ID), zap.String("status", string(rec.Status)))
			rec.ApplyContent(msg)
			e.intakeOutcome(IntakeUpdated)
		}

		_, err = e.attemptSend(ctx, rec)
		return err
	})
}

// RetrySend attempts delivery of one stored record. A SENT record is
// returned unchanged without a transport call.
func (e *Engine) RetrySend(ctx context.Context, id string) (domain.DeliveryRecord, error) {
	var out domain.DeliveryRecord
	err := e.withRecordLock(ctx, id, func(ctx context.Context) error {
		rec, err := e.store.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
			}
			return e.storeFailure("get", id, err)
		}
		if rec.IsTerminal() {
			out = rec
			return nil
		}
		out, err = e.attemptSend(ctx, rec)
		return err
	})
	return out, err
}

// SweepResult summarizes one RetryAllFailed pass.
type SweepResult struct {
	Candidates int // FAILED at sweep start
	Sent       int
	Failed     int
	Skipped    int // no longer FAILED when its turn came
	Errors     int // store or lock faults
}

// RetryAllFailed attempts every record that is FAILED at sweep start. Each
// record is handled independently: a fault on one is logged, counted, and
// joined into the returned error while the others continue.
func (e *Engine) RetryAllFailed(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	failed, err := e.store.FindByStatus(ctx, domain.StatusFailed)
	if err != nil {
		return res, e.storeFailure("find", "", err)
	}
	res.Candidates = len(failed)

	var errs []error
	for _, candidate := range failed {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		status, err := e.retryFailed(ctx, candidate)
		if err != nil {
			e.logger.Error("delivery: retry failed record",
				zap.String("id", candidate.ID), zap.Error(err))
			res.Errors++
			errs = append(errs, err)
			continue
		}
		switch status {
		case domain.StatusSent:
			res.Sent++
		case domain.StatusFailed:
			res.Failed++
		default:
			res.Skipped++
		}
	}

	return res, errors.Join(errs...)
}

// retryFailed re-reads the candidate under its lock and only resends it if
// it is still FAILED. It returns the resulting status, or "" when skipped.
func (e *Engine) retryFailed(ctx context.Context, candidate domain.DeliveryRecord) (domain.Status, error) {
	var status domain.Status
	err := e.withRecordLock(ctx, candidate.ID, func(ctx context.Context) error {
		rec, err := e.store.GetByID(ctx, candidate.ID)
		if err != nil {
			return e.storeFailure("get", candidate.ID, err)
		}
		if rec.Status != domain.StatusFailed {
			return nil
		}

		e.logger.Info("delivery: retrying",
			zap.String("id", rec.ID),
			zap.String("recipient", rec.Recipient),
			zap.Int("attempt", rec.AttemptCount+1))

		saved, err := e.attemptSend(ctx, rec)
		if err != nil {
			return err
		}
		status = saved.Status
		return nil
	})
	return status, err
}

// attemptSend calls the transport once and persists the outcome. The send
// and the save are detached from ctx cancellation: an attempt that started
// is always recorded.
func (e *Engine) attemptSend(ctx context.Context, rec domain.DeliveryRecord) (domain.DeliveryRecord, error) {
	if e.metrics != nil {
		e.metrics.SendsInFlightIncr()
		defer e.metrics.SendsInFlightDecr()
	}

	ctx = context.WithoutCancel(ctx)

	startedAt := e.clock().UTC()
	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	sendErr := e.mailer.Send(sendCtx, Email{To: rec.Recipient, Subject: rec.Subject, Body: rec.Body})
	cancel()
	finishedAt := e.clock().UTC()

	attempt := domain.DeliveryAttempt{
		ID:         uuid.New(),
		RecordID:   rec.ID,
		Attempt:    rec.AttemptCount + 1,
		Outcome:    domain.AttemptOutcomeSent,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}

	var apply func(*domain.DeliveryRecord)
	if sendErr == nil {
		e.logger.Info("delivery: sent",
			zap.String("id", rec.ID), zap.String("recipient", rec.Recipient))
		apply = func(r *domain.DeliveryRecord) { r.MarkSent(finishedAt) }
	} else {
		failure := domain.AsTransportFailure(sendErr)
		e.logger.Warn("delivery: send failed",
			zap.String("id", rec.ID),
			zap.String("recipient", rec.Recipient),
			zap.String("kind", string(failure.Kind)),
			zap.String("error", failure.Description))
		attempt.Outcome = domain.AttemptOutcomeFailed
		attempt.FailureKind = failure.Kind
		attempt.Error = failure.Description
		reason := failure.Error()
		apply = func(r *domain.DeliveryRecord) { r.MarkFailed(finishedAt, reason) }
	}

	if e.metrics != nil {
		e.metrics.SendAttemptCompleted(string(attempt.Outcome), string(attempt.FailureKind), finishedAt.Sub(startedAt))
	}
	if e.analytics != nil {
		e.analytics.Record(ctx, attempt.Outcome, finishedAt)
	}

	if err := e.store.InsertDeliveryAttempt(ctx, attempt); err != nil {
		e.logger.Warn("delivery: failed to record attempt", zap.String("id", rec.ID), zap.Error(err))
	}

	return e.persistOutcome(ctx, rec, apply)
}

// persistOutcome saves rec with apply applied. On a version conflict it
// re-reads the record and re-applies the outcome onto the fresh copy, so
// counters advance from the latest stored state. A record that became SENT
// meanwhile is kept as is.
func (e *Engine) persistOutcome(ctx context.Context, rec domain.DeliveryRecord, apply func(*domain.DeliveryRecord)) (domain.DeliveryRecord, error) {
	for i := 0; ; i++ {
		next := rec
		apply(&next)

		saved, err := e.store.Save(ctx, next)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return domain.DeliveryRecord{}, e.storeFailure("save", rec.ID, err)
		}
		if i >= maxSaveConflicts-1 {
			return domain.DeliveryRecord{}, fmt.Errorf("save record %s: %w", rec.ID, err)
		}

		e.logger.Warn("delivery: version conflict, reapplying outcome",
			zap.String("id", rec.ID), zap.Int64("version", rec.Version))

		fresh, err := e.store.GetByID(ctx, rec.ID)
		if err != nil {
			return domain.DeliveryRecord{}, e.storeFailure("get", rec.ID, err)
		}
		if fresh.IsTerminal() {
			return fresh, nil
		}
		fresh.Recipient = rec.Recipient
		fresh.Subject = rec.Subject
		fresh.Body = rec.Body
		rec = fresh
	}
}

// loadOrCreate returns the stored record for msg.ID, creating a PENDING one
// on first observation. created reports whether this call inserted it.
func (e *Engine) loadOrCreate(ctx context.Context, msg domain.Message) (domain.DeliveryRecord, bool, error) {
	rec, err := e.store.GetByID(ctx, msg.ID)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return domain.DeliveryRecord{}, false, e.storeFailure("get", msg.ID, err)
	}

	saved, err := e.store.Save(ctx, domain.NewPendingRecord(msg, e.clock().UTC()))
	if err == nil {
		e.logger.Info("delivery: record created", zap.String("id", saved.ID))
		return saved, true, nil
	}
	if !errors.Is(err, ErrVersionConflict) {
		return domain.DeliveryRecord{}, false, e.storeFailure("save", msg.ID, err)
	}

	// Inserted concurrently by another instance; continue from its copy.
	rec, err = e.store.GetByID(ctx, msg.ID)
	if err != nil {
		return domain.DeliveryRecord{}, false, e.storeFailure("get", msg.ID, err)
	}
	return rec, false, nil
}

func (e *Engine) withRecordLock(ctx context.Context, id string, fn func(context.Context) error) error {
	unlock, err := e.locker.Lock(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLockUnavailable, id, err)
	}
	defer unlock()
	return fn(ctx)
}

func (e *Engine) storeFailure(op, id string, err error) error {
	if e.metrics != nil {
		e.metrics.StoreError(op)
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	}
	return fmt.Errorf("%w: %s %s: %v", ErrStoreUnavailable, op, id, err)
}

func (e *Engine) intakeOutcome(outcome string) {
	if e.metrics != nil {
		e.metrics.IntakeOutcome(outcome)
	}
}
