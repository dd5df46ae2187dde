package session

import (
	"context"
	"time"
)

// Content ссылка на передаваемый файл или видео поток
type Content struct {
	URI      string
	Name     string
	MimeType string
	Size     int64
}

// ResumeInfo данные для восстановления приостановленной передачи без живой сессии
type ResumeInfo struct {
	Direction Direction
	Content   Content
	// Offset число уже переданных байт
	Offset int64
	// TransferURL адрес на сервере HTTP передачи
	TransferURL string
}

// Record сохраняемое состояние сессии, одна запись на SessionID
type Record struct {
	SessionID      string
	Kind           Kind
	Direction      Direction
	RemoteIdentity string
	State          State
	Reason         Reason
	// HTTP передача через HTTP сервер; только такую можно приостановить
	HTTP       bool
	Content    Content
	BytesDone  int64
	BytesTotal int64
	ResumeInfo *ResumeInfo
	CallID     string
	Timestamp  time.Time
	// Duration длительность видео на момент последнего перехода
	Duration  time.Duration
	UpdatedAt time.Time
}

func (r Record) clone() Record {
	if r.ResumeInfo != nil {
		ri := *r.ResumeInfo
		r.ResumeInfo = &ri
	}
	return r
}

// Persistence хранилище записей сессий
type Persistence interface {
	// LoadSession возвращает ErrNotFound, если записи нет
	LoadSession(ctx context.Context, id string) (Record, error)
	SaveSession(ctx context.Context, rec Record) error
	// PausedSessions записи в PAUSED с данным кодом
	PausedSessions(ctx context.Context, reason Reason) ([]Record, error)
}
