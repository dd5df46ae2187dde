package session

import "sync"

// StateChange событие перехода сессии
type StateChange struct {
	SessionID      string
	Kind           Kind
	RemoteIdentity string
	State          State
	Reason         Reason
}

// Listener получает события сессий
type Listener interface {
	StateChanged(ev StateChange)
	Progress(sessionID string, done, total int64)
	InvitationReceived(sessionID string, kind Kind)
}

// ListenerFuncs адаптер Listener из функций
type ListenerFuncs struct {
	OnStateChanged func(ev StateChange)
	OnProgress     func(sessionID string, done, total int64)
	OnInvitation   func(sessionID string, kind Kind)
}

func (l ListenerFuncs) StateChanged(ev StateChange) {
	if l.OnStateChanged != nil {
		l.OnStateChanged(ev)
	}
}

func (l ListenerFuncs) Progress(sessionID string, done, total int64) {
	if l.OnProgress != nil {
		l.OnProgress(sessionID, done, total)
	}
}

func (l ListenerFuncs) InvitationReceived(sessionID string, kind Kind) {
	if l.OnInvitation != nil {
		l.OnInvitation(sessionID, kind)
	}
}

// Broadcaster рассылает события слушателям. Перед вызовом список копируется,
// слушатель может отписаться из обработчика.
type Broadcaster struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]Listener
	order     []uint64
}

// NewBroadcaster создает пустой Broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{listeners: make(map[uint64]Listener)}
}

// Add подписывает слушателя и возвращает функцию отписки
func (b *Broadcaster) Add(l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners[id] = l
	b.order = append(b.order, id)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

func (b *Broadcaster) snapshot() []Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Listener, 0, len(b.listeners))
	kept := b.order[:0]
	for _, id := range b.order {
		if l, ok := b.listeners[id]; ok {
			out = append(out, l)
			kept = append(kept, id)
		}
	}
	b.order = kept
	return out
}

func (b *Broadcaster) stateChanged(ev StateChange) {
	for _, l := range b.snapshot() {
		l.StateChanged(ev)
	}
}

func (b *Broadcaster) progress(id string, done, total int64) {
	for _, l := range b.snapshot() {
		l.Progress(id, done, total)
	}
}

func (b *Broadcaster) invitation(id string, kind Kind) {
	for _, l := range b.snapshot() {
		l.InvitationReceived(id, kind)
	}
}
