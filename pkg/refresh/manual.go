package refresh

import (
	"sync"
	"time"
)

// Manual Scheduler для тестов: задачи срабатывают только по Fire
type Manual struct {
	mu    sync.Mutex
	tasks map[string]manualTask
}

type manualTask struct {
	after time.Duration
	fn    func()
}

// NewManual создает ручной планировщик
func NewManual() *Manual {
	return &Manual{tasks: make(map[string]manualTask)}
}

// Schedule запоминает задачу
func (m *Manual) Schedule(id string, after time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[id] = manualTask{after: after, fn: fn}
}

// Cancel удаляет задачу
func (m *Manual) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[id]
	delete(m.tasks, id)
	return ok
}

// Shutdown удаляет все задачи
func (m *Manual) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = make(map[string]manualTask)
}

// Scheduled возвращает задержку запланированной задачи
func (m *Manual) Scheduled(id string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t.after, ok
}

// Fire синхронно выполняет задачу и удаляет ее
func (m *Manual) Fire(id string) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	delete(m.tasks, id)
	m.mu.Unlock()

	if ok {
		t.fn()
	}
	return ok
}
