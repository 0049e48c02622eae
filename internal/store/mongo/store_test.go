package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/djlord-it/mailrelay/internal/delivery"
	"github.com/djlord-it/mailrelay/internal/domain"
)

var created = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func recordBSON(id, status string, attempts int, version int64) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "recipient", Value: id + "@x.io"},
		{Key: "subject", Value: "Hi"},
		{Key: "body", Value: "Body"},
		{Key: "status", Value: status},
		{Key: "attempt_count", Value: attempts},
		{Key: "created_at", Value: created},
		{Key: "version", Value: version},
	}
}

func TestStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("get by id", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "mailrelay.delivery_records", mtest.FirstBatch,
			recordBSON("e1", "FAILED", 2, 3)))

		rec, err := New(mt.DB).GetByID(context.Background(), "e1")
		require.NoError(mt, err)
		assert.Equal(mt, "e1", rec.ID)
		assert.Equal(mt, domain.StatusFailed, rec.Status)
		assert.Equal(mt, 2, rec.AttemptCount)
		assert.Equal(mt, int64(3), rec.Version)
		assert.True(mt, rec.SentAt.IsZero())
	})

	mt.Run("get by id not found", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "mailrelay.delivery_records", mtest.FirstBatch))

		_, err := New(mt.DB).GetByID(context.Background(), "nope")
		assert.ErrorIs(mt, err, delivery.ErrRecordNotFound)
	})

	mt.Run("insert", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		rec := domain.NewPendingRecord(domain.Message{ID: "e1", Recipient: "a@x.io"}, created)
		saved, err := New(mt.DB).Save(context.Background(), rec)
		require.NoError(mt, err)
		assert.Equal(mt, int64(1), saved.Version)
	})

	mt.Run("insert duplicate is conflict", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "duplicate key error",
		}))

		_, err := New(mt.DB).Save(context.Background(), domain.NewPendingRecord(domain.Message{ID: "e1"}, created))
		assert.ErrorIs(mt, err, delivery.ErrVersionConflict)
	})

	mt.Run("update matching version", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		rec := domain.DeliveryRecord{ID: "e1", Status: domain.StatusFailed, Version: 2}
		rec.MarkSent(created)
		saved, err := New(mt.DB).Save(context.Background(), rec)
		require.NoError(mt, err)
		assert.Equal(mt, int64(3), saved.Version)
	})

	mt.Run("update stale version is conflict", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 0},
			bson.E{Key: "nModified", Value: 0},
		))

		rec := domain.DeliveryRecord{ID: "e1", Status: domain.StatusFailed, Version: 2}
		_, err := New(mt.DB).Save(context.Background(), rec)
		assert.ErrorIs(mt, err, delivery.ErrVersionConflict)
	})

	mt.Run("find by status", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "mailrelay.delivery_records", mtest.FirstBatch,
			recordBSON("e1", "FAILED", 1, 2),
			recordBSON("e2", "FAILED", 4, 5)))

		recs, err := New(mt.DB).FindByStatus(context.Background(), domain.StatusFailed)
		require.NoError(mt, err)
		require.Len(mt, recs, 2)
		assert.Equal(mt, "e2", recs[1].ID)
		assert.Equal(mt, 4, recs[1].AttemptCount)
	})

	mt.Run("attempts", func(mt *mtest.T) {
		id := uuid.New()
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateCursorResponse(0, "mailrelay.delivery_attempts", mtest.FirstBatch, bson.D{
				{Key: "_id", Value: id.String()},
				{Key: "record_id", Value: "e1"},
				{Key: "attempt", Value: 1},
				{Key: "outcome", Value: "failed"},
				{Key: "failure_kind", Value: "timeout"},
				{Key: "error", Value: "deadline"},
				{Key: "started_at", Value: created},
				{Key: "finished_at", Value: created.Add(time.Second)},
			}),
		)

		s := New(mt.DB)
		require.NoError(mt, s.InsertDeliveryAttempt(context.Background(), domain.DeliveryAttempt{
			ID: id, RecordID: "e1", Attempt: 1, Outcome: domain.AttemptOutcomeFailed,
		}))

		got, err := s.ListDeliveryAttempts(context.Background(), "e1")
		require.NoError(mt, err)
		require.Len(mt, got, 1)
		assert.Equal(mt, id, got[0].ID)
		assert.Equal(mt, domain.FailureTimeout, got[0].FailureKind)
	})

	mt.Run("count by status", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "mailrelay.delivery_records", mtest.FirstBatch,
			bson.D{{Key: "_id", Value: "SENT"}, {Key: "n", Value: 7}},
			bson.D{{Key: "_id", Value: "FAILED"}, {Key: "n", Value: 1}}))

		counts, err := New(mt.DB).CountByStatus(context.Background())
		require.NoError(mt, err)
		assert.Equal(mt, map[domain.Status]int{domain.StatusSent: 7, domain.StatusFailed: 1}, counts)
	})
}

func TestDocRoundTrip(t *testing.T) {
	rec := domain.DeliveryRecord{
		ID:            "e1",
		Recipient:     "a@x.io",
		Status:        domain.StatusSent,
		CreatedAt:     created,
		LastAttemptAt: created.Add(time.Second),
		SentAt:        created.Add(time.Second),
		Version:       2,
	}
	assert.Equal(t, rec, toDoc(rec).record())

	pending := domain.DeliveryRecord{ID: "e2", Status: domain.StatusPending, CreatedAt: created, Version: 1}
	doc := toDoc(pending)
	assert.Nil(t, doc.LastAttemptAt)
	assert.Nil(t, doc.SentAt)
	assert.Equal(t, pending, doc.record())
}
