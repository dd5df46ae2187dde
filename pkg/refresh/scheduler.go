// Package refresh планирует отложенные повторные запросы (перерегистрация,
// переподписка). Сработавший таймер вызывает callback в отдельной горутине.
package refresh

import (
	"sync"
	"time"
)

// Scheduler планирует именованные отложенные задачи.
// Повторный Schedule с тем же id заменяет предыдущую задачу.
type Scheduler interface {
	Schedule(id string, after time.Duration, fn func())
	Cancel(id string) bool
	Shutdown()
}

type timerHandle struct {
	timer *time.Timer
	due   time.Time
}

// TimerScheduler реализация Scheduler на time.AfterFunc
type TimerScheduler struct {
	mu     sync.Mutex
	timers map[string]*timerHandle
	closed bool

	totalCreated   int64
	totalFired     int64
	totalCancelled int64
}

// NewTimerScheduler создает планировщик
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[string]*timerHandle)}
}

// Schedule устанавливает таймер, отменяя существующий с тем же id
func (s *TimerScheduler) Schedule(id string, after time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if existing, ok := s.timers[id]; ok {
		existing.timer.Stop()
		s.totalCancelled++
	}

	h := &timerHandle{due: time.Now().Add(after)}
	h.timer = time.AfterFunc(after, func() {
		s.mu.Lock()
		// таймер мог быть заменен, пока ждал блокировку
		if current, ok := s.timers[id]; !ok || current != h {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.totalFired++
		s.mu.Unlock()

		fn()
	})
	s.timers[id] = h
	s.totalCreated++
}

// Cancel отменяет таймер
func (s *TimerScheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.timers[id]
	if !ok {
		return false
	}
	h.timer.Stop()
	delete(s.timers, id)
	s.totalCancelled++
	return true
}

// Due возвращает время срабатывания таймера
func (s *TimerScheduler) Due(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.timers[id]
	if !ok {
		return time.Time{}, false
	}
	return h.due, true
}

// Active возвращает количество активных таймеров
func (s *TimerScheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stats возвращает счетчики таймеров
func (s *TimerScheduler) Stats() (created, fired, cancelled int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalCreated, s.totalFired, s.totalCancelled
}

// Shutdown отменяет все таймеры; последующие Schedule игнорируются
func (s *TimerScheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, h := range s.timers {
		h.timer.Stop()
		delete(s.timers, id)
		s.totalCancelled++
	}
	s.closed = true
}

// Interval вычисляет задержку обновления для срока expires:
// expires-600s при expires > 1200s, иначе половина срока.
func Interval(expires time.Duration) time.Duration {
	if expires > 1200*time.Second {
		return expires - 600*time.Second
	}
	return expires / 2
}
