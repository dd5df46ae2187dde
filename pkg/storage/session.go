package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/arzzra/rcs_core/pkg/session"
)

const sessionColumns = `session_id, kind, direction, remote_identity, state, reason, http,
	content_uri, content_name, content_mime, content_size, bytes_done, bytes_total,
	has_resume, resume_direction, resume_uri, resume_name, resume_mime, resume_size,
	resume_offset, resume_url, call_id, started_at, duration_ms, updated_at`

// SaveSession заменяет запись сессии
func (s *Store) SaveSession(ctx context.Context, rec session.Record) error {
	var resume session.ResumeInfo
	if rec.ResumeInfo != nil {
		resume = *rec.ResumeInfo
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, string(rec.Kind), string(rec.Direction), rec.RemoteIdentity,
		string(rec.State), string(rec.Reason), rec.HTTP,
		rec.Content.URI, rec.Content.Name, rec.Content.MimeType, rec.Content.Size,
		rec.BytesDone, rec.BytesTotal,
		rec.ResumeInfo != nil, string(resume.Direction), resume.Content.URI, resume.Content.Name,
		resume.Content.MimeType, resume.Content.Size, resume.Offset, resume.TransferURL,
		rec.CallID, toMillis(rec.Timestamp), rec.Duration.Milliseconds(), toMillis(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.SessionID, err)
	}
	return nil
}

// LoadSession читает запись сессии; session.ErrNotFound, если ее нет
func (s *Store) LoadSession(ctx context.Context, id string) (session.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Record{}, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	if err != nil {
		return session.Record{}, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return rec, nil
}

// PausedSessions записи в PAUSED с заданной причиной
func (s *Store) PausedSessions(ctx context.Context, reason session.Reason) ([]session.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE state = ? AND reason = ? ORDER BY updated_at`,
		string(session.StatePaused), string(reason))
	if err != nil {
		return nil, fmt.Errorf("failed to query paused sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read paused sessions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (session.Record, error) {
	var (
		rec                              session.Record
		kind, dir, state, reason, rdir   string
		hasResume                        bool
		resume                           session.ResumeInfo
		startedAt, durationMs, updatedAt int64
	)
	err := row.Scan(
		&rec.SessionID, &kind, &dir, &rec.RemoteIdentity, &state, &reason, &rec.HTTP,
		&rec.Content.URI, &rec.Content.Name, &rec.Content.MimeType, &rec.Content.Size,
		&rec.BytesDone, &rec.BytesTotal,
		&hasResume, &rdir, &resume.Content.URI, &resume.Content.Name,
		&resume.Content.MimeType, &resume.Content.Size, &resume.Offset, &resume.TransferURL,
		&rec.CallID, &startedAt, &durationMs, &updatedAt)
	if err != nil {
		return session.Record{}, err
	}

	rec.Kind = session.Kind(kind)
	rec.Direction = session.Direction(dir)
	rec.State = session.State(state)
	rec.Reason = session.Reason(reason)
	rec.Timestamp = fromMillis(startedAt)
	rec.Duration = time.Duration(durationMs) * time.Millisecond
	rec.UpdatedAt = fromMillis(updatedAt)
	if hasResume {
		resume.Direction = session.Direction(rdir)
		rec.ResumeInfo = &resume
	}
	return rec, nil
}
