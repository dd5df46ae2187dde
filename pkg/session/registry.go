package session

import (
	"fmt"
	"sync"

	"github.com/arzzra/rcs_core/pkg/metrics"
)

// Registry активные сессии по SessionID.
//
// Блокировка держится только на время одной операции над картой; внутри нее
// блокировка сессии не берется.
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	maxSessions int
	maxOutgoing int
	metrics     *metrics.Collector
}

// NewRegistry создает реестр. Ноль в лимите означает отсутствие лимита;
// maxOutgoing ограничивает исходящие передачи файлов.
func NewRegistry(maxSessions, maxOutgoing int, m *metrics.Collector) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		maxOutgoing: maxOutgoing,
		metrics:     m,
	}
}

// Add добавляет сессию, проверяя лимиты
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, s.id)
	}
	if err := r.checkLocked(s.kind, s.direction); err != nil {
		return err
	}
	r.sessions[s.id] = s
	r.updateGauge(s.kind)
	return nil
}

// CanAdd проверяет лимиты для новой сессии без вставки
func (r *Registry) CanAdd(kind Kind, dir Direction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkLocked(kind, dir)
}

func (r *Registry) checkLocked(kind Kind, dir Direction) error {
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return fmt.Errorf("%w: limit %d", ErrMaxSessionsReached, r.maxSessions)
	}
	if kind != KindFileTransfer || dir != DirectionOutgoing || r.maxOutgoing <= 0 {
		return nil
	}
	outgoing := 0
	for _, s := range r.sessions {
		if s.kind == KindFileTransfer && s.direction == DirectionOutgoing {
			outgoing++
		}
	}
	if outgoing >= r.maxOutgoing {
		return fmt.Errorf("%w: outgoing file transfer limit %d", ErrMaxSessionsReached, r.maxOutgoing)
	}
	return nil
}

// Get возвращает живую сессию
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove удаляет сессию, если в реестре именно этот экземпляр
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.id]; !ok || cur != s {
		return false
	}
	delete(r.sessions, s.id)
	r.updateGauge(s.kind)
	return true
}

// FindByCallID ищет сессию по Call-ID сигнального обмена
func (r *Registry) FindByCallID(callID string) (*Session, bool) {
	if callID == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.CallID() == callID {
			return s, true
		}
	}
	return nil, false
}

// List снимок живых сессий
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len число живых сессий
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) updateGauge(kind Kind) {
	n := 0
	for _, s := range r.sessions {
		if s.kind == kind {
			n++
		}
	}
	r.metrics.SessionsActive(string(kind), n)
}
