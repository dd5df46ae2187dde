// Package storage хранит состояние клиента в SQLite: запись регистрации,
// подписки на конференции с составом участников, реестр целочисленных
// настроек и записи одноранговых сессий.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/arzzra/rcs_core/pkg/registration"
	"github.com/arzzra/rcs_core/pkg/session"
	"github.com/arzzra/rcs_core/pkg/subscription"
)

const driverName = "sqlite"

var (
	_ registration.Store    = (*Store)(nil)
	_ subscription.Store    = (*Store)(nil)
	_ subscription.Settings = (*Store)(nil)
	_ session.Persistence   = (*Store)(nil)
)

// ErrNotFound запись отсутствует
var ErrNotFound = errors.New("record not found")

// Store хранилище поверх database/sql
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option настройка хранилища
type Option func(*Store)

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open открывает базу по пути и создает таблицы
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// SQLite допускает одного писателя
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "storage")

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("Хранилище открыто", slog.String("path", path))
	return s, nil
}

// Close закрывает базу
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS registration (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			state TEXT NOT NULL,
			registered BOOLEAN NOT NULL,
			reason INTEGER NOT NULL,
			expiry_seconds INTEGER NOT NULL,
			nat_detected BOOLEAN NOT NULL,
			nat_address TEXT NOT NULL,
			nat_port INTEGER NOT NULL,
			public_gruu TEXT NOT NULL,
			temporary_gruu TEXT NOT NULL,
			last_error TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			exchange_id TEXT PRIMARY KEY,
			resource TEXT NOT NULL,
			state TEXT NOT NULL,
			subscribed BOOLEAN NOT NULL,
			expiry_seconds INTEGER NOT NULL,
			max_participants INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subscription_participants (
			exchange_id TEXT NOT NULL,
			identity TEXT NOT NULL,
			status INTEGER NOT NULL,
			PRIMARY KEY (exchange_id, identity)
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			direction TEXT NOT NULL,
			remote_identity TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT NOT NULL,
			http BOOLEAN NOT NULL,
			content_uri TEXT NOT NULL,
			content_name TEXT NOT NULL,
			content_mime TEXT NOT NULL,
			content_size INTEGER NOT NULL,
			bytes_done INTEGER NOT NULL,
			bytes_total INTEGER NOT NULL,
			has_resume BOOLEAN NOT NULL,
			resume_direction TEXT NOT NULL,
			resume_uri TEXT NOT NULL,
			resume_name TEXT NOT NULL,
			resume_mime TEXT NOT NULL,
			resume_size INTEGER NOT NULL,
			resume_offset INTEGER NOT NULL,
			resume_url TEXT NOT NULL,
			call_id TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state, reason)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}
