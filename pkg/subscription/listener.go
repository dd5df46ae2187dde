package subscription

import "sync"

// Listener получает события подписки на конференцию
type Listener interface {
	// ConferenceEvent статус участника в NOTIFY отличается от известного
	ConferenceEvent(identity, displayName string, status ParticipantStatus)
	// ParticipantStatusChanged участник появился в сохраненном roster
	// или сменил в нем статус
	ParticipantStatusChanged(p Participant)
	// SubscriptionTerminated подписка завершена; byServer для
	// Subscription-State: terminated
	SubscriptionTerminated(byServer bool)
	SubscriptionFailed(err error)
}

// ListenerFuncs адаптер Listener из функций
type ListenerFuncs struct {
	OnConferenceEvent func(identity, displayName string, status ParticipantStatus)
	OnStatusChanged   func(p Participant)
	OnTerminated      func(byServer bool)
	OnFailed          func(err error)
}

func (l ListenerFuncs) ConferenceEvent(identity, displayName string, status ParticipantStatus) {
	if l.OnConferenceEvent != nil {
		l.OnConferenceEvent(identity, displayName, status)
	}
}

func (l ListenerFuncs) ParticipantStatusChanged(p Participant) {
	if l.OnStatusChanged != nil {
		l.OnStatusChanged(p)
	}
}

func (l ListenerFuncs) SubscriptionTerminated(byServer bool) {
	if l.OnTerminated != nil {
		l.OnTerminated(byServer)
	}
}

func (l ListenerFuncs) SubscriptionFailed(err error) {
	if l.OnFailed != nil {
		l.OnFailed(err)
	}
}

type listenerSet struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]Listener
	order   []uint64
}

func (s *listenerSet) add(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[uint64]Listener)
	}
	s.nextID++
	id := s.nextID
	s.entries[id] = l
	s.order = append(s.order, id)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.entries, id)
	}
}

func (s *listenerSet) snapshot() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Listener, 0, len(s.entries))
	kept := s.order[:0]
	for _, id := range s.order {
		if l, ok := s.entries[id]; ok {
			out = append(out, l)
			kept = append(kept, id)
		}
	}
	s.order = kept
	return out
}
