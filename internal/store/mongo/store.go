// Package mongo stores delivery records in MongoDB. Optimistic concurrency
// uses the same version counter as the PostgreSQL store: an update only
// matches the document carrying the caller's version.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/djlord-it/mailrelay/internal/delivery"
	"github.com/djlord-it/mailrelay/internal/domain"
)

const (
	recordsCollection  = "delivery_records"
	attemptsCollection = "delivery_attempts"
)

type Store struct {
	records  *mongo.Collection
	attempts *mongo.Collection
}

// Connect dials uri and returns a store on database. Close the returned
// client on shutdown.
func Connect(ctx context.Context, uri, database string) (*Store, *mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("mongo: ping: %w", err)
	}
	return New(client.Database(database)), client, nil
}

func New(db *mongo.Database) *Store {
	return &Store{
		records:  db.Collection(recordsCollection),
		attempts: db.Collection(attemptsCollection),
	}
}

// EnsureIndexes creates the indexes the sweeper and history queries use.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.records.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongo: records index: %w", err)
	}
	_, err = s.attempts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "record_id", Value: 1}, {Key: "started_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongo: attempts index: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.records.Database().Client().Ping(ctx, nil)
}

type recordDoc struct {
	ID            string     `bson:"_id"`
	Recipient     string     `bson:"recipient"`
	Subject       string     `bson:"subject"`
	Body          string     `bson:"body"`
	Status        string     `bson:"status"`
	ErrorReason   string     `bson:"error_reason,omitempty"`
	AttemptCount  int        `bson:"attempt_count"`
	CreatedAt     time.Time  `bson:"created_at"`
	LastAttemptAt *time.Time `bson:"last_attempt_at,omitempty"`
	SentAt        *time.Time `bson:"sent_at,omitempty"`
	Version       int64      `bson:"version"`
}

func toDoc(rec domain.DeliveryRecord) recordDoc {
	return recordDoc{
		ID:            rec.ID,
		Recipient:     rec.Recipient,
		Subject:       rec.Subject,
		Body:          rec.Body,
		Status:        string(rec.Status),
		ErrorReason:   rec.ErrorReason,
		AttemptCount:  rec.AttemptCount,
		CreatedAt:     rec.CreatedAt,
		LastAttemptAt: optTime(rec.LastAttemptAt),
		SentAt:        optTime(rec.SentAt),
		Version:       rec.Version,
	}
}

func (d recordDoc) record() domain.DeliveryRecord {
	rec := domain.DeliveryRecord{
		ID:           d.ID,
		Recipient:    d.Recipient,
		Subject:      d.Subject,
		Body:         d.Body,
		Status:       domain.Status(d.Status),
		ErrorReason:  d.ErrorReason,
		AttemptCount: d.AttemptCount,
		CreatedAt:    d.CreatedAt,
		Version:      d.Version,
	}
	if d.LastAttemptAt != nil {
		rec.LastAttemptAt = *d.LastAttemptAt
	}
	if d.SentAt != nil {
		rec.SentAt = *d.SentAt
	}
	return rec
}

func (s *Store) GetByID(ctx context.Context, id string) (domain.DeliveryRecord, error) {
	var doc recordDoc
	err := s.records.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.DeliveryRecord{}, delivery.ErrRecordNotFound
	}
	if err != nil {
		return domain.DeliveryRecord{}, err
	}
	return doc.record(), nil
}

func (s *Store) Save(ctx context.Context, rec domain.DeliveryRecord) (domain.DeliveryRecord, error) {
	if rec.Version == 0 {
		rec.Version = 1
		if _, err := s.records.InsertOne(ctx, toDoc(rec)); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return domain.DeliveryRecord{}, fmt.Errorf("%w: %s already exists", delivery.ErrVersionConflict, rec.ID)
			}
			return domain.DeliveryRecord{}, err
		}
		return rec, nil
	}

	filter := bson.D{
		{Key: "_id", Value: rec.ID},
		{Key: "version", Value: rec.Version},
		{Key: "status", Value: bson.D{{Key: "$ne", Value: string(domain.StatusSent)}}},
	}
	set := bson.D{
		{Key: "recipient", Value: rec.Recipient},
		{Key: "subject", Value: rec.Subject},
		{Key: "body", Value: rec.Body},
		{Key: "status", Value: string(rec.Status)},
		{Key: "error_reason", Value: rec.ErrorReason},
		{Key: "attempt_count", Value: rec.AttemptCount},
		{Key: "last_attempt_at", Value: optTime(rec.LastAttemptAt)},
		{Key: "sent_at", Value: optTime(rec.SentAt)},
	}
	update := bson.D{
		{Key: "$set", Value: set},
		{Key: "$inc", Value: bson.D{{Key: "version", Value: 1}}},
	}

	res, err := s.records.UpdateOne(ctx, filter, update)
	if err != nil {
		return domain.DeliveryRecord{}, err
	}
	if res.MatchedCount == 0 {
		return domain.DeliveryRecord{}, fmt.Errorf("%w: %s at version %d", delivery.ErrVersionConflict, rec.ID, rec.Version)
	}

	rec.Version++
	return rec, nil
}

// FindByStatus returns every record in status, oldest first.
func (s *Store) FindByStatus(ctx context.Context, status domain.Status) ([]domain.DeliveryRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.records.Find(ctx, bson.D{{Key: "status", Value: string(status)}}, opts)
	if err != nil {
		return nil, err
	}

	var docs []recordDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]domain.DeliveryRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.record())
	}
	return out, nil
}

type attemptDoc struct {
	ID          string    `bson:"_id"`
	RecordID    string    `bson:"record_id"`
	Attempt     int       `bson:"attempt"`
	Outcome     string    `bson:"outcome"`
	FailureKind string    `bson:"failure_kind,omitempty"`
	Error       string    `bson:"error,omitempty"`
	StartedAt   time.Time `bson:"started_at"`
	FinishedAt  time.Time `bson:"finished_at"`
}

func (s *Store) InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error {
	_, err := s.attempts.InsertOne(ctx, attemptDoc{
		ID:          attempt.ID.String(),
		RecordID:    attempt.RecordID,
		Attempt:     attempt.Attempt,
		Outcome:     string(attempt.Outcome),
		FailureKind: string(attempt.FailureKind),
		Error:       attempt.Error,
		StartedAt:   attempt.StartedAt,
		FinishedAt:  attempt.FinishedAt,
	})
	return err
}

func (s *Store) ListDeliveryAttempts(ctx context.Context, recordID string) ([]domain.DeliveryAttempt, error) {
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}, {Key: "attempt", Value: 1}})
	cur, err := s.attempts.Find(ctx, bson.D{{Key: "record_id", Value: recordID}}, opts)
	if err != nil {
		return nil, err
	}

	var docs []attemptDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]domain.DeliveryAttempt, 0, len(docs))
	for _, d := range docs {
		id, err := uuid.Parse(d.ID)
		if err != nil {
			return nil, fmt.Errorf("attempt %q: %w", d.ID, err)
		}
		out = append(out, domain.DeliveryAttempt{
			ID:          id,
			RecordID:    d.RecordID,
			Attempt:     d.Attempt,
			Outcome:     domain.AttemptOutcome(d.Outcome),
			FailureKind: domain.FailureKind(d.FailureKind),
			Error:       d.Error,
			StartedAt:   d.StartedAt,
			FinishedAt:  d.FinishedAt,
		})
	}
	return out, nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cur, err := s.records.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Status string `bson:"_id"`
		N      int    `bson:"n"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}

	counts := make(map[domain.Status]int, len(rows))
	for _, r := range rows {
		counts[domain.Status(r.Status)] = r.N
	}
	return counts, nil
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ delivery.Store = (*Store)(nil)
