package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripforge/booking-core/internal/domain"
)

// Schema is the DDL for the bookings table. The partial index on
// (phase, lease_expires_at) keeps scan_stranded sub-linear.
const Schema = `
CREATE TABLE IF NOT EXISTS bookings (
    id               UUID PRIMARY KEY,
    booking_number   TEXT NOT NULL UNIQUE,
    status           TEXT NOT NULL,
    phase            TEXT NOT NULL,
    version          BIGINT NOT NULL DEFAULT 1,
    lease_owner      TEXT,
    lease_expires_at TIMESTAMPTZ,
    aggregate        JSONB NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bookings_stranded
    ON bookings (phase, lease_expires_at)
    WHERE phase IN ('FORWARD', 'COMPENSATING');
`

// PostgresStore implements Store backed by PostgreSQL. The whole aggregate
// (ledger, audit, outbox included) lives in a JSONB column; status, phase
// and lease are projected into columns for indexing.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL booking store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the schema
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate bookings schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, b *domain.Booking) error {
	b.Version = 1
	aggregate, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal booking: %w", err)
	}

	query := `
		INSERT INTO bookings (id, booking_number, status, phase, version, aggregate, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = s.pool.Exec(ctx, query,
		b.ID,
		b.Number,
		string(b.Status),
		string(b.Ledger.Phase),
		b.Version,
		aggregate,
		b.CreatedAt,
		b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}

	return nil
}

func (s *PostgresStore) Load(ctx context.Context, bookingID string) (*domain.Booking, error) {
	query := `SELECT aggregate, version FROM bookings WHERE id = $1`

	var aggregate []byte
	var version int64
	err := s.pool.QueryRow(ctx, query, bookingID).Scan(&aggregate, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}

	var b domain.Booking
	if err := json.Unmarshal(aggregate, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal booking: %w", err)
	}
	b.Version = version

	return &b, nil
}

func (s *PostgresStore) Persist(ctx context.Context, b *domain.Booking, expectedVersion int64) error {
	next := expectedVersion + 1
	b.Version = next
	aggregate, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal booking: %w", err)
	}

	query := `
		UPDATE bookings
		SET status = $2,
			phase = $3,
			version = $4,
			aggregate = $5,
			updated_at = $6
		WHERE id = $1 AND version = $7
	`

	tag, err := s.pool.Exec(ctx, query,
		b.ID,
		string(b.Status),
		string(b.Ledger.Phase),
		next,
		aggregate,
		time.Now().UTC(),
		expectedVersion,
	)
	if err != nil {
		b.Version = expectedVersion
		return fmt.Errorf("failed to persist booking: %w", err)
	}

	if tag.RowsAffected() == 0 {
		b.Version = expectedVersion
		// id missing or version stale; disambiguate
		var stored int64
		err := s.pool.QueryRow(ctx, `SELECT version FROM bookings WHERE id = $1`, b.ID).Scan(&stored)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to persist booking: %w", err)
		}
		return fmt.Errorf("%w: expected %d, stored %d", ErrVersionConflict, expectedVersion, stored)
	}

	return nil
}

func (s *PostgresStore) AcquireLease(ctx context.Context, bookingID, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	query := `
		UPDATE bookings
		SET lease_owner = $2, lease_expires_at = $3
		WHERE id = $1
		  AND (lease_owner IS NULL OR lease_owner = $2 OR lease_expires_at <= $4)
	`

	tag, err := s.pool.Exec(ctx, query, bookingID, owner, now.Add(ttl), now)
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM bookings WHERE id = $1)`, bookingID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to acquire lease: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrLeaseHeld
	}

	return nil
}

func (s *PostgresStore) RenewLease(ctx context.Context, bookingID, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	query := `
		UPDATE bookings
		SET lease_expires_at = $3
		WHERE id = $1 AND lease_owner = $2 AND lease_expires_at > $4
	`

	tag, err := s.pool.Exec(ctx, query, bookingID, owner, now.Add(ttl), now)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}

	return nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, bookingID, owner string) error {
	query := `
		UPDATE bookings
		SET lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2
	`

	if _, err := s.pool.Exec(ctx, query, bookingID, owner); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (s *PostgresStore) ScanStranded(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM bookings
		WHERE phase IN ('FORWARD', 'COMPENSATING')
		  AND (lease_expires_at IS NULL OR lease_expires_at <= $1)
		ORDER BY updated_at ASC
		LIMIT $2
	`
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan stranded bookings: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan booking id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan stranded bookings: %w", err)
	}

	return ids, nil
}

func (s *PostgresStore) ListPendingOutbox(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT id FROM bookings
		WHERE jsonb_array_length(COALESCE(aggregate->'outbox', '[]'::jsonb)) > 0
		ORDER BY updated_at ASC
		LIMIT $1
	`
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending outbox: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan booking id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list pending outbox: %w", err)
	}

	return ids, nil
}

var _ Store = (*PostgresStore)(nil)
