// Package dialog содержит дескриптор сигнального обмена: Call-ID, CSeq,
// стороны обмена, route set, target и удаленный tag.
package dialog

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

// Handle идентифицирует один сигнальный обмен (регистрация, подписка, сессия).
//
// Handle принадлежит одному менеджеру. Все запросы обмена строятся через
// BuildRequest, который увеличивает CSeq. Reset начинает новый обмен с новым
// Call-ID и новым поколением; ответы старого поколения должны игнорироваться.
type Handle struct {
	mu sync.Mutex

	exchangeID  string
	generation  uint64
	seq         *SequenceManager
	localParty  sip.Uri
	localName   string
	localTag    string
	fixedTag    string
	remoteParty sip.Uri
	target      sip.Uri
	routes      *RouteSet
	preloaded   []sip.Uri
	remoteTag   string
}

// Snapshot неизменяемая копия состояния Handle
type Snapshot struct {
	ExchangeID  string
	Generation  uint64
	Sequence    uint32
	LocalParty  sip.Uri
	LocalTag    string
	RemoteParty sip.Uri
	Target      sip.Uri
	RouteSet    []sip.Uri
	RemoteTag   string
}

// Option настраивает Handle при создании
type Option func(*Handle)

// WithDisplayName задает display name локальной стороны
func WithDisplayName(name string) Option {
	return func(h *Handle) { h.localName = name }
}

// WithPreloadedRoute задает маршрут, который используется до получения Record-Route
func WithPreloadedRoute(routes ...sip.Uri) Option {
	return func(h *Handle) { h.preloaded = append([]sip.Uri(nil), routes...) }
}

// WithExchangeID задает Call-ID вместо сгенерированного
func WithExchangeID(id string) Option {
	return func(h *Handle) { h.exchangeID = id }
}

// WithLocalTag задает локальный tag; нужен стороне, ответившей на INVITE
func WithLocalTag(tag string) Option {
	return func(h *Handle) { h.fixedTag = tag }
}

// NewHandle создает дескриптор обмена. target изначально равен remote.
func NewHandle(local, remote sip.Uri, opts ...Option) *Handle {
	h := &Handle{
		localParty:  local,
		remoteParty: remote,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.exchangeID == "" {
		h.exchangeID = NewExchangeID()
	}
	h.start()
	return h
}

func (h *Handle) start() {
	h.generation++
	h.seq = NewSequenceManager(GenerateInitialCSeq())
	h.localTag = h.fixedTag
	if h.localTag == "" {
		h.localTag = NewTag()
	}
	h.target = h.remoteParty
	h.routes = NewRouteSet(h.preloaded...)
	h.remoteTag = ""
}

// ExchangeID возвращает Call-ID обмена
func (h *Handle) ExchangeID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exchangeID
}

// Generation возвращает номер поколения; увеличивается при каждом Reset
func (h *Handle) Generation() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generation
}

// Sequence возвращает последний использованный CSeq
func (h *Handle) Sequence() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq.LocalCSeq()
}

// Target возвращает текущий адрес назначения
func (h *Handle) Target() sip.Uri {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.target
}

// ReplaceTarget заменяет адрес назначения целиком (редирект, обновление Contact)
func (h *Handle) ReplaceTarget(uri sip.Uri) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.target = uri
}

// RemoteTag возвращает tag удаленной стороны
func (h *Handle) RemoteTag() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remoteTag
}

// SetRemoteTag сохраняет tag удаленной стороны
func (h *Handle) SetRemoteTag(tag string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remoteTag = tag
}

// SetRouteSet заменяет route set
func (h *Handle) SetRouteSet(routes []sip.Uri) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routes = NewRouteSet(routes...)
}

// RouteSet возвращает копию route set
func (h *Handle) RouteSet() []sip.Uri {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.routes.Routes()
}

// Matches проверяет, что ответ относится к текущему обмену
func (h *Handle) Matches(res *sip.Response) bool {
	callID := res.CallID()
	if callID == nil {
		return false
	}
	return callID.Value() == h.ExchangeID()
}

// UpdateFromResponse обновляет remote tag, route set (из Record-Route) и,
// если updateTarget, target из Contact ответа.
func (h *Handle) UpdateFromResponse(res *sip.Response, updateTarget bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok && tag != "" {
			h.remoteTag = tag
		}
	}

	if rr := HeaderValues(res, "Record-Route"); len(rr) > 0 {
		h.routes.BuildFromRecordRoute(rr, true)
	}

	if updateTarget {
		if contacts := Contacts(res); len(contacts) > 0 {
			h.target = contacts[0].Address
		}
	}
}

// BuildRequest создает запрос обмена со следующим CSeq.
// Заголовки From/To/Call-ID/CSeq/Route/Max-Forwards заполняются из Handle.
func (h *Handle) BuildRequest(method sip.RequestMethod) *sip.Request {
	h.mu.Lock()
	defer h.mu.Unlock()

	cseq := h.seq.NextLocalCSeq()
	req := sip.NewRequest(method, h.target)

	from := &sip.FromHeader{
		DisplayName: h.localName,
		Address:     h.localParty,
		Params:      sip.NewParams(),
	}
	from.Params = from.Params.Add("tag", h.localTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: h.remoteParty,
		Params:  sip.NewParams(),
	}
	if h.remoteTag != "" {
		to.Params = to.Params.Add("tag", h.remoteTag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(h.exchangeID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	h.routes.Apply(req)

	return req
}

// BuildAck создает ACK на 2xx ответ INVITE. CSeq не увеличивается: ACK несет
// номер INVITE (RFC 3261 13.2.2.4).
func (h *Handle) BuildAck(invite *sip.Request) *sip.Request {
	h.mu.Lock()
	defer h.mu.Unlock()

	ack := sip.NewRequest(sip.ACK, h.target)
	from := &sip.FromHeader{
		DisplayName: h.localName,
		Address:     h.localParty,
		Params:      sip.NewParams(),
	}
	tag := h.localTag
	if f := invite.From(); f != nil {
		if t, ok := f.Params.Get("tag"); ok {
			tag = t
		}
	}
	from.Params = from.Params.Add("tag", tag)
	ack.AppendHeader(from)

	to := &sip.ToHeader{
		Address: h.remoteParty,
		Params:  sip.NewParams(),
	}
	if h.remoteTag != "" {
		to.Params = to.Params.Add("tag", h.remoteTag)
	}
	ack.AppendHeader(to)

	callID := sip.CallIDHeader(h.exchangeID)
	ack.AppendHeader(&callID)
	var seq uint32
	if cseq := invite.CSeq(); cseq != nil {
		seq = cseq.SeqNo
	}
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.ACK})
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	h.routes.Apply(ack)

	return ack
}

// Reset начинает обмен заново: новый Call-ID, новое поколение, CSeq, local tag,
// target возвращается к remote party, route set к предзагруженному.
func (h *Handle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exchangeID = NewExchangeID()
	h.start()
}

// Snapshot возвращает копию состояния
func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Snapshot{
		ExchangeID:  h.exchangeID,
		Generation:  h.generation,
		Sequence:    h.seq.LocalCSeq(),
		LocalParty:  h.localParty,
		LocalTag:    h.localTag,
		RemoteParty: h.remoteParty,
		Target:      h.target,
		RouteSet:    h.routes.Routes(),
		RemoteTag:   h.remoteTag,
	}
}
