// Package memory is a process-local delivery store. It keeps the same
// version semantics as the database stores and loses everything on exit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/djlord-it/mailrelay/internal/delivery"
	"github.com/djlord-it/mailrelay/internal/domain"
)

type Store struct {
	mu       sync.RWMutex
	records  map[string]domain.DeliveryRecord
	attempts map[string][]domain.DeliveryAttempt
}

func New() *Store {
	return &Store{
		records:  make(map[string]domain.DeliveryRecord),
		attempts: make(map[string][]domain.DeliveryAttempt),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.DeliveryRecord{}, delivery.ErrRecordNotFound
	}
	return rec, nil
}

func (s *Store) Save(ctx context.Context, rec domain.DeliveryRecord) (domain.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.records[rec.ID]
	switch {
	case rec.Version == 0 && exists:
		return domain.DeliveryRecord{}, fmt.Errorf("%w: %s already exists", delivery.ErrVersionConflict, rec.ID)
	case rec.Version != 0 && (!exists || cur.Version != rec.Version || cur.IsTerminal()):
		return domain.DeliveryRecord{}, fmt.Errorf("%w: %s at version %d", delivery.ErrVersionConflict, rec.ID, rec.Version)
	}

	rec.Version++
	s.records[rec.ID] = rec
	return rec, nil
}

// FindByStatus returns every record in status, oldest first.
func (s *Store) FindByStatus(ctx context.Context, status domain.Status) ([]domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.DeliveryRecord
	for _, rec := range s.records {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts[attempt.RecordID] = append(s.attempts[attempt.RecordID], attempt)
	return nil
}

func (s *Store) ListDeliveryAttempts(ctx context.Context, recordID string) ([]domain.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.DeliveryAttempt(nil), s.attempts[recordID]...), nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.Status]int)
	for _, rec := range s.records {
		counts[rec.Status]++
	}
	return counts, nil
}

var _ delivery.Store = (*Store)(nil)
