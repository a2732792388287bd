package store

import (
	"context"
	"errors"
	"time"

	"github.com/tripforge/booking-core/internal/domain"
)

// Store errors
var (
	// ErrNotFound indicates the booking does not exist
	ErrNotFound = errors.New("booking not found")
	// ErrVersionConflict indicates the expected version is stale
	ErrVersionConflict = errors.New("version conflict")
	// ErrLeaseHeld indicates another worker holds a live lease
	ErrLeaseHeld = errors.New("lease held by another owner")
	// ErrLeaseLost indicates the caller no longer owns the lease
	ErrLeaseLost = errors.New("lease lost")
)

// Lease is time-bounded exclusive ownership of a booking
type Lease struct {
	Owner     string
	ExpiresAt time.Time
}

// Store is the durable home of booking aggregates. Reads and writes are
// linearizable per booking id; every successful Persist increments the
// version counter by one.
type Store interface {
	// Create inserts a new booking at version 1
	Create(ctx context.Context, b *domain.Booking) error
	// Load returns the booking or ErrNotFound
	Load(ctx context.Context, bookingID string) (*domain.Booking, error)
	// Persist writes the booking if the stored version still equals
	// expectedVersion, otherwise ErrVersionConflict. On success the
	// booking's Version field is advanced.
	Persist(ctx context.Context, b *domain.Booking, expectedVersion int64) error
	// AcquireLease takes ownership of the booking for ttl, or ErrLeaseHeld
	// if another owner's lease is still live. Re-acquiring one's own lease
	// extends it.
	AcquireLease(ctx context.Context, bookingID, owner string, ttl time.Duration) error
	// RenewLease extends a held lease, or ErrLeaseLost
	RenewLease(ctx context.Context, bookingID, owner string, ttl time.Duration) error
	// ReleaseLease gives up ownership; releasing a lease one does not hold
	// is a no-op
	ReleaseLease(ctx context.Context, bookingID, owner string) error
	// ScanStranded returns ids of bookings whose lease expired while the
	// saga was still in FORWARD or COMPENSATING
	ScanStranded(ctx context.Context, now time.Time, limit int) ([]string, error)
	// ListPendingOutbox returns ids of bookings with undrained outbox events
	ListPendingOutbox(ctx context.Context, limit int) ([]string, error)
}

// IsNotFound checks for ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsVersionConflict checks for ErrVersionConflict
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
