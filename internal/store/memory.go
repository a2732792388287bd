package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tripforge/booking-core/internal/domain"
)

type memoryRecord struct {
	booking *domain.Booking
	lease   *Lease
}

// MemoryStore is an in-memory Store for tests and local development.
// Aggregates are deep-copied on the way in and out so callers never share
// state with the store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*memoryRecord),
	}
}

func (s *MemoryStore) Create(ctx context.Context, b *domain.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[b.ID]; exists {
		return fmt.Errorf("booking %s already exists", b.ID)
	}

	b.Version = 1
	stored, err := b.Clone()
	if err != nil {
		return err
	}
	s.records[b.ID] = &memoryRecord{booking: stored}
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, bookingID string) (*domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[bookingID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.booking.Clone()
}

func (s *MemoryStore) Persist(ctx context.Context, b *domain.Booking, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[b.ID]
	if !ok {
		return ErrNotFound
	}
	if rec.booking.Version != expectedVersion {
		return fmt.Errorf("%w: expected %d, stored %d", ErrVersionConflict, expectedVersion, rec.booking.Version)
	}

	b.Version = expectedVersion + 1
	stored, err := b.Clone()
	if err != nil {
		return err
	}
	s.records[b.ID] = &memoryRecord{booking: stored, lease: rec.lease}
	return nil
}

func (s *MemoryStore) AcquireLease(ctx context.Context, bookingID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[bookingID]
	if !ok {
		return ErrNotFound
	}

	now := time.Now()
	if rec.lease != nil && rec.lease.Owner != owner && rec.lease.ExpiresAt.After(now) {
		return fmt.Errorf("%w: %s until %s", ErrLeaseHeld, rec.lease.Owner, rec.lease.ExpiresAt.Format(time.RFC3339))
	}

	rec.lease = &Lease{Owner: owner, ExpiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, bookingID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[bookingID]
	if !ok {
		return ErrNotFound
	}
	if rec.lease == nil || rec.lease.Owner != owner || !rec.lease.ExpiresAt.After(time.Now()) {
		return ErrLeaseLost
	}

	rec.lease.ExpiresAt = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, bookingID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[bookingID]
	if !ok {
		return ErrNotFound
	}
	if rec.lease != nil && rec.lease.Owner == owner {
		rec.lease = nil
	}
	return nil
}

func (s *MemoryStore) ScanStranded(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, rec := range s.records {
		phase := rec.booking.Ledger.Phase
		if phase != domain.PhaseForward && phase != domain.PhaseCompensating {
			continue
		}
		if rec.lease != nil && rec.lease.ExpiresAt.After(now) {
			continue
		}
		ids = append(ids, id)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

func (s *MemoryStore) ListPendingOutbox(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, rec := range s.records {
		if len(rec.booking.Outbox) == 0 {
			continue
		}
		ids = append(ids, id)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

var _ Store = (*MemoryStore)(nil)
