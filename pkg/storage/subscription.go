package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arzzra/rcs_core/pkg/subscription"
)

// SaveSubscription заменяет запись подписки вместе с составом участников
func (s *Store) SaveSubscription(ctx context.Context, rec subscription.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO subscriptions
		(exchange_id, resource, state, subscribed, expiry_seconds, max_participants, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ExchangeID, rec.Resource, rec.State, rec.Subscribed,
		rec.ExpirySeconds, rec.MaxParticipants, toMillis(rec.UpdatedAt)); err != nil {
		return fmt.Errorf("failed to save subscription %s: %w", rec.ExchangeID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM subscription_participants WHERE exchange_id = ?`, rec.ExchangeID); err != nil {
		return fmt.Errorf("failed to reset participants of %s: %w", rec.ExchangeID, err)
	}
	for _, p := range rec.Participants {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO subscription_participants
			(exchange_id, identity, status) VALUES (?, ?, ?)`,
			rec.ExchangeID, p.Identity, int(p.Status)); err != nil {
			return fmt.Errorf("failed to save participant %s: %w", p.Identity, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit subscription %s: %w", rec.ExchangeID, err)
	}
	return nil
}

// DeleteSubscription удаляет подписку и ее участников
func (s *Store) DeleteSubscription(ctx context.Context, exchangeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM subscription_participants WHERE exchange_id = ?`, exchangeID); err != nil {
		return fmt.Errorf("failed to delete participants of %s: %w", exchangeID, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE exchange_id = ?`, exchangeID)
	if err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", exchangeID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of %s: %w", exchangeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("Подписка для удаления не найдена", slog.String("exchange", exchangeID))
	}
	return nil
}

// LoadSubscription читает подписку с участниками, упорядоченными по identity
func (s *Store) LoadSubscription(ctx context.Context, exchangeID string) (subscription.Record, error) {
	var (
		rec       subscription.Record
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT exchange_id, resource, state, subscribed,
		expiry_seconds, max_participants, updated_at
		FROM subscriptions WHERE exchange_id = ?`, exchangeID).Scan(
		&rec.ExchangeID, &rec.Resource, &rec.State, &rec.Subscribed,
		&rec.ExpirySeconds, &rec.MaxParticipants, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return subscription.Record{}, ErrNotFound
	}
	if err != nil {
		return subscription.Record{}, fmt.Errorf("failed to load subscription %s: %w", exchangeID, err)
	}
	rec.UpdatedAt = fromMillis(updatedAt)

	rows, err := s.db.QueryContext(ctx, `SELECT identity, status FROM subscription_participants
		WHERE exchange_id = ? ORDER BY identity`, exchangeID)
	if err != nil {
		return subscription.Record{}, fmt.Errorf("failed to load participants of %s: %w", exchangeID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p      subscription.Participant
			status int
		)
		if err := rows.Scan(&p.Identity, &status); err != nil {
			return subscription.Record{}, fmt.Errorf("failed to scan participant: %w", err)
		}
		p.Status = subscription.ParticipantStatus(status)
		rec.Participants = append(rec.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return subscription.Record{}, fmt.Errorf("failed to read participants of %s: %w", exchangeID, err)
	}
	return rec, nil
}

// Int читает целочисленную настройку; ok=false, если ключа нет
func (s *Store) Int(ctx context.Context, key string) (int, bool, error) {
	var value int
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetInt записывает целочисленную настройку
func (s *Store) SetInt(ctx context.Context, key string, value int) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, key, value); err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}
