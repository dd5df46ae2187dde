package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/arzzra/rcs_core/pkg/registration"
)

// SaveRegistration заменяет единственную запись регистрации
func (s *Store) SaveRegistration(ctx context.Context, rec registration.Record) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO registration
		(id, state, registered, reason, expiry_seconds, nat_detected, nat_address, nat_port,
		 public_gruu, temporary_gruu, last_error, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.State, rec.Registered, int(rec.Reason), rec.ExpirySeconds,
		rec.NATDetected, rec.NATAddress, rec.NATPort,
		rec.PublicGRUU, rec.TemporaryGRUU, rec.LastError, toMillis(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save registration: %w", err)
	}
	return nil
}

// LoadRegistration читает последнюю сохраненную запись регистрации
func (s *Store) LoadRegistration(ctx context.Context) (registration.Record, error) {
	var (
		rec       registration.Record
		reason    int
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT state, registered, reason, expiry_seconds,
		nat_detected, nat_address, nat_port, public_gruu, temporary_gruu, last_error, updated_at
		FROM registration WHERE id = 1`).Scan(
		&rec.State, &rec.Registered, &reason, &rec.ExpirySeconds,
		&rec.NATDetected, &rec.NATAddress, &rec.NATPort,
		&rec.PublicGRUU, &rec.TemporaryGRUU, &rec.LastError, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return registration.Record{}, ErrNotFound
	}
	if err != nil {
		return registration.Record{}, fmt.Errorf("failed to load registration: %w", err)
	}
	rec.Reason = registration.ReasonCode(reason)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
