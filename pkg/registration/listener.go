package registration

import "sync"

// Listener получает события регистрации. Вызовы выполняются вне блокировки менеджера.
type Listener interface {
	RegistrationSucceeded(st Status)
	RegistrationFailed(st Status, err error)
	RegistrationTerminated(reason ReasonCode)
}

// ListenerFuncs адаптер Listener из функций; nil поля пропускаются
type ListenerFuncs struct {
	OnSucceeded  func(st Status)
	OnFailed     func(st Status, err error)
	OnTerminated func(reason ReasonCode)
}

func (l ListenerFuncs) RegistrationSucceeded(st Status) {
	if l.OnSucceeded != nil {
		l.OnSucceeded(st)
	}
}

func (l ListenerFuncs) RegistrationFailed(st Status, err error) {
	if l.OnFailed != nil {
		l.OnFailed(st, err)
	}
}

func (l ListenerFuncs) RegistrationTerminated(reason ReasonCode) {
	if l.OnTerminated != nil {
		l.OnTerminated(reason)
	}
}

type listenerEntry struct {
	id       uint64
	listener Listener
}

type listenerSet struct {
	mu      sync.Mutex
	nextID  uint64
	entries []listenerEntry
}

// add регистрирует слушателя и возвращает функцию отписки
func (s *listenerSet) add(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.entries = append(s.entries, listenerEntry{id: id, listener: l})
	return func() { s.remove(id) }
}

func (s *listenerSet) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return
		}
	}
}

// snapshot копия списка; слушатели могут отписываться во время уведомления
func (s *listenerSet) snapshot() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Listener, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.listener
	}
	return out
}
