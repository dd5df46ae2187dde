// Package subscription реализует подписку SUBSCRIBE/NOTIFY на пакет событий
// conference: подписка, обновление, повтор с proxy-авторизацией, согласование
// интервала, отписка и разбор roster участников из NOTIFY.
package subscription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"

	"github.com/arzzra/rcs_core/pkg/metrics"
	"github.com/arzzra/rcs_core/pkg/phone"
	"github.com/arzzra/rcs_core/pkg/refresh"
	"github.com/arzzra/rcs_core/pkg/sip/auth"
	"github.com/arzzra/rcs_core/pkg/sip/dialog"
	"github.com/arzzra/rcs_core/pkg/sip/transaction"
)

const (
	// DefaultExpires срок подписки по умолчанию
	DefaultExpires = 3600 * time.Second
	// MinExpiresKey ключ реестра, под которым хранится минимальный срок,
	// полученный из 423
	MinExpiresKey = "MinSubscribeConferenceEventExpirePeriod"

	maxProxyChallenges = 1
	maxIntervalRetries = 3
)

// Store сохраняет подписки, одна запись на обмен
type Store interface {
	SaveSubscription(ctx context.Context, rec Record) error
	DeleteSubscription(ctx context.Context, exchangeID string) error
}

// Settings реестр целочисленных настроек
type Settings interface {
	Int(ctx context.Context, key string) (int, bool, error)
	SetInt(ctx context.Context, key string, value int) error
}

// Config параметры подписки на одну конференцию
type Config struct {
	// Resource URI конференции (focus)
	Resource sip.Uri
	// LocalURI публичная идентичность пользователя
	LocalURI  sip.Uri
	Contact   sip.Uri
	LocalIP   string
	LocalPort int
	Transport string
	UserAgent string
	Expires   time.Duration
	// ServiceRoute предзагруженный маршрут из регистрации
	ServiceRoute []sip.Uri
	FeatureTags  []string
	Credentials  auth.Credentials
	// Participants приглашенные участники; начальный статус UNKNOWN
	Participants []string
}

func (c *Config) applyDefaults() {
	if c.Expires <= 0 {
		c.Expires = DefaultExpires
	}
	if c.LocalIP == "" {
		c.LocalIP = c.Contact.Host
	}
	if c.LocalPort == 0 {
		c.LocalPort = c.Contact.Port
	}
	if c.Transport == "" {
		c.Transport = "UDP"
	}
}

// Option дополнительные зависимости менеджера
type Option func(*Manager)

// WithScheduler задает планировщик обновлений подписки
func WithScheduler(s refresh.Scheduler) Option { return func(m *Manager) { m.scheduler = s } }

// WithStore задает хранилище подписки и ростера
func WithStore(s Store) Option { return func(m *Manager) { m.store = s } }

// WithSettings задает хранилище настроек (Min-Expires)
func WithSettings(s Settings) Option { return func(m *Manager) { m.settings = s } }

// WithMetrics задает сборщик метрик
func WithMetrics(c *metrics.Collector) Option { return func(m *Manager) { m.metrics = c } }

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithNormalizer задает нормализацию identity участников
func WithNormalizer(n *phone.Normalizer) Option { return func(m *Manager) { m.normalizer = n } }

// Manager подписка на события одной конференции.
//
// Subscribe и Unsubscribe выполняются под mu вместе с повторами после 407/423.
// Разбор NOTIFY использует отдельную блокировку roster и не ждет ответа на
// SUBSCRIBE; только завершение подписки сервером берет mu.
type Manager struct {
	mu sync.Mutex

	cfg        Config
	engine     transaction.Engine
	scheduler  refresh.Scheduler
	store      Store
	settings   Settings
	metrics    *metrics.Collector
	logger     *slog.Logger
	normalizer *phone.Normalizer

	localIdentity string
	timerID       string

	fsm       *fsm.FSM
	handle    atomic.Pointer[dialog.Handle]
	authz     *auth.Authorizer
	expires   atomic.Int64
	minLoaded bool
	closed    bool

	rosterMu        sync.Mutex
	roster          Roster
	maxParticipants int

	listeners listenerSet
	pending   notifications
}

// NewManager создает менеджер подписки
func NewManager(cfg Config, engine transaction.Engine, opts ...Option) *Manager {
	cfg.applyDefaults()

	m := &Manager{
		cfg:     cfg,
		engine:  engine,
		logger:  slog.Default(),
		authz:   auth.NewAuthorizer(cfg.Credentials),
		timerID: "subscription:" + cfg.Resource.String(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.scheduler == nil {
		m.scheduler = refresh.NewTimerScheduler()
	}
	if m.normalizer == nil {
		m.normalizer = phone.NewNormalizer("", "0")
	}
	m.logger = m.logger.With("component", "subscription", "resource", cfg.Resource.String())
	m.expires.Store(int64(cfg.Expires))
	m.localIdentity = m.normalizer.ExtractNumber(cfg.LocalURI.String())

	m.roster = make(Roster)
	for _, p := range cfg.Participants {
		if id := m.normalizer.ExtractNumber(p); id != "" {
			m.roster[id] = StatusUnknown
		}
	}

	m.fsm = fsm.NewFSM(
		StateUnsubscribed,
		fsm.Events{
			{Name: eventSubscribe, Src: []string{StateUnsubscribed, StateFailed}, Dst: StateSubscribing},
			{Name: eventRefresh, Src: []string{StateSubscribed}, Dst: StateRefreshing},
			{Name: eventSubscribed, Src: []string{StateSubscribing, StateRefreshing}, Dst: StateSubscribed},
			{Name: eventFail, Src: []string{StateSubscribing, StateRefreshing}, Dst: StateFailed},
			{Name: eventUnsubscribe, Src: []string{StateSubscribed}, Dst: StateUnsubscribing},
			{Name: eventUnsubscribed, Src: []string{StateUnsubscribing}, Dst: StateUnsubscribed},
			{Name: eventTerminated, Src: []string{StateSubscribed}, Dst: StateUnsubscribed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.logger.Debug("Состояние подписки", slog.String("from", e.Src), slog.String("to", e.Dst))
			},
		},
	)
	return m
}

// AddListener подписывает слушателя и возвращает функцию отписки
func (m *Manager) AddListener(l Listener) func() {
	return m.listeners.add(l)
}

// State текущее состояние FSM
func (m *Manager) State() string {
	return m.fsm.Current()
}

// IsSubscribed сообщает, активна ли подписка
func (m *Manager) IsSubscribed() bool {
	st := m.fsm.Current()
	return st == StateSubscribed || st == StateRefreshing
}

// Expires текущий запрашиваемый срок
func (m *Manager) Expires() time.Duration {
	return time.Duration(m.expires.Load())
}

// ExchangeID Call-ID обмена подписки, пусто до первого SUBSCRIBE
func (m *Manager) ExchangeID() string {
	if h := m.handle.Load(); h != nil {
		return h.ExchangeID()
	}
	return ""
}

// IsNotifyFor сообщает, относится ли NOTIFY с данным Call-ID к подписке
func (m *Manager) IsNotifyFor(callID string) bool {
	h := m.handle.Load()
	return h != nil && callID != "" && h.ExchangeID() == callID
}

// Roster участники конференции без локального пользователя
func (m *Manager) Roster() []Participant {
	m.rosterMu.Lock()
	defer m.rosterMu.Unlock()
	return m.roster.List()
}

// MaxParticipants максимальное число участников из conference-info, 0 если неизвестно
func (m *Manager) MaxParticipants() int {
	m.rosterMu.Lock()
	defer m.rosterMu.Unlock()
	return m.maxParticipants
}

// Subscribe отправляет SUBSCRIBE или обновляет активную подписку
func (m *Manager) Subscribe(ctx context.Context) error {
	m.mu.Lock()
	err := m.subscribeLocked(ctx)
	notes := m.takePending()
	m.mu.Unlock()

	notes.dispatch()
	return err
}

// Unsubscribe отменяет таймер обновления и отправляет SUBSCRIBE с Expires: 0
func (m *Manager) Unsubscribe(ctx context.Context) error {
	m.mu.Lock()
	err := m.unsubscribeLocked(ctx)
	notes := m.takePending()
	m.mu.Unlock()

	notes.dispatch()
	return err
}

// Close останавливает таймер. Подписка на сервере не отменяется.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.scheduler.Cancel(m.timerID)
}

// HandleNotify обрабатывает входящий NOTIFY этого обмена
func (m *Manager) HandleNotify(ctx context.Context, req *sip.Request) error {
	callID := req.CallID()
	if callID == nil || !m.IsNotifyFor(callID.Value()) {
		return ErrNotForSubscription
	}
	if ev := req.GetHeader("Event"); ev != nil {
		name, _, _ := strings.Cut(ev.Value(), ";")
		if !strings.EqualFold(strings.TrimSpace(name), EventConference) {
			return fmt.Errorf("%w: event %q", ErrNotForSubscription, name)
		}
	}

	state := ""
	if h := req.GetHeader("Subscription-State"); h != nil {
		state = h.Value()
	}
	return m.ReceiveNotification(ctx, req.Body(), state)
}

// ReceiveNotification применяет тело NOTIFY к roster и обрабатывает
// Subscription-State. Ошибка разбора не мешает обработке terminated.
func (m *Manager) ReceiveNotification(ctx context.Context, body []byte, subscriptionState string) error {
	var (
		notes notifications
		err   error
	)
	if len(bytes.TrimSpace(body)) > 0 {
		var info *ConferenceInfo
		info, err = ParseConferenceInfo(body)
		if err != nil {
			m.logger.Error("Не удалось разобрать conference-info", slog.Any("error", err))
		} else {
			notes, err = m.applyConferenceInfo(ctx, info)
		}
	}

	state, _, _ := strings.Cut(subscriptionState, ";")
	state = strings.ToLower(strings.TrimSpace(state))
	m.metrics.Notification(EventConference, state)

	notes.dispatch()

	if state == "terminated" {
		m.logger.Info("Подписка завершена сервером")
		m.terminatedByServer(ctx)
	}
	return err
}

func (m *Manager) applyConferenceInfo(ctx context.Context, info *ConferenceInfo) (notifications, error) {
	m.rosterMu.Lock()
	defer m.rosterMu.Unlock()

	if info.MaxUserCount > 0 {
		m.maxParticipants = info.MaxUserCount
	}

	previous := m.roster
	next := make(Roster)
	if !info.IsFull() {
		next = previous.Clone()
	}

	type change struct {
		identity, displayName string
		status                ParticipantStatus
	}
	var changes []change
	for _, u := range info.Users {
		identity := m.normalizer.ExtractNumber(u.Entity)
		if identity == "" {
			m.logger.Debug("Некорректный entity участника", slog.String("entity", u.Entity))
			continue
		}
		if u.YourOwn || identity == m.localIdentity {
			continue
		}
		if strings.EqualFold(u.State, DocumentDeleted) {
			delete(next, identity)
			continue
		}

		status := statusFromUser(u)
		next[identity] = status
		if old, ok := previous[identity]; !ok || old != status {
			changes = append(changes, change{identity: identity, displayName: u.DisplayName, status: status})
		}
	}

	if next.Equal(previous) {
		return nil, nil
	}
	// события только для сохраненного roster
	if err := m.saveRoster(ctx, next); err != nil {
		return nil, err
	}
	m.roster = next

	var notes notifications
	for _, c := range changes {
		m.metrics.ParticipantChanged(c.status.String())
		notes = append(notes, m.notify(func(l Listener) { l.ConferenceEvent(c.identity, c.displayName, c.status) }))
	}
	for _, p := range next.Added(previous) {
		notes = append(notes, m.notify(func(l Listener) { l.ParticipantStatusChanged(p) }))
	}
	return notes, nil
}

func (m *Manager) terminatedByServer(ctx context.Context) {
	m.mu.Lock()
	if m.fsm.Current() != StateSubscribed {
		m.mu.Unlock()
		return
	}
	m.scheduler.Cancel(m.timerID)
	h := m.handle.Load()
	exchangeID := h.ExchangeID()
	h.Reset()
	m.transition(ctx, eventTerminated)
	m.forget(ctx, exchangeID)
	m.enqueue(func(l Listener) { l.SubscriptionTerminated(true) })
	notes := m.takePending()
	m.mu.Unlock()

	notes.dispatch()
}

func (m *Manager) subscribeLocked(ctx context.Context) error {
	if m.closed {
		return ErrClosed
	}
	m.loadMinExpires(ctx)

	event := eventSubscribe
	if m.fsm.Current() == StateSubscribed {
		event = eventRefresh
	}
	m.transition(ctx, event)

	h := m.handle.Load()
	if h == nil {
		h = dialog.NewHandle(m.cfg.LocalURI, m.cfg.Resource,
			dialog.WithPreloadedRoute(m.cfg.ServiceRoute...))
		m.handle.Store(h)
	}
	return m.send(ctx, h, m.Expires(), &retryBudget{})
}

type retryBudget struct {
	challenges int
	intervals  int
}

func (m *Manager) send(ctx context.Context, h *dialog.Handle, expires time.Duration, budget *retryBudget) error {
	req, err := m.buildSubscribe(h, expires)
	if err != nil {
		return m.fail(ctx, h, &Error{Reason: "request", Err: err})
	}

	m.logger.Info("Отправка SUBSCRIBE",
		slog.Int("expires", int(expires/time.Second)),
		slog.String("CallID", h.ExchangeID()))

	res, err := m.engine.Send(ctx, req)
	if err != nil {
		m.metrics.SubscriptionResponse(EventConference, 0)
		return m.fail(ctx, h, &Error{Reason: "timeout", Err: fmt.Errorf("%w: %w", ErrTimeout, err)})
	}
	m.metrics.SubscriptionResponse(EventConference, res.StatusCode)

	switch res.StatusCode {
	case 200, 202:
		return m.handleAccepted(ctx, h, res)

	case 407:
		budget.challenges++
		if budget.challenges > maxProxyChallenges {
			return m.fail(ctx, h, &Error{StatusCode: res.StatusCode, Reason: res.Reason, Err: ErrProxyChallenge})
		}
		if err := m.authz.HandleChallenge(res); err != nil {
			return m.fail(ctx, h, &Error{StatusCode: res.StatusCode, Reason: res.Reason, Err: err})
		}
		m.logger.Info("Получен 407, повтор с авторизацией")
		return m.send(ctx, h, expires, budget)

	case 423:
		minExpires, ok := dialog.MinExpires(res)
		if !ok {
			return m.fail(ctx, h, &Error{StatusCode: res.StatusCode, Reason: res.Reason, Err: ErrNoMinExpires})
		}
		budget.intervals++
		if budget.intervals > maxIntervalRetries {
			return m.fail(ctx, h, &Error{StatusCode: res.StatusCode, Reason: res.Reason, Err: ErrTooManyIntervalRetries})
		}
		m.saveMinExpires(ctx, minExpires)
		m.expires.Store(int64(minExpires))
		m.logger.Info("Получен 423, новый срок", slog.Int("expires", int(minExpires/time.Second)))
		return m.send(ctx, h, minExpires, budget)
	}

	return m.fail(ctx, h, &Error{StatusCode: res.StatusCode, Reason: res.Reason, Err: ErrRejected})
}

func (m *Manager) handleAccepted(ctx context.Context, h *dialog.Handle, res *sip.Response) error {
	h.UpdateFromResponse(res, true)
	if expires, ok := dialog.Expires(res); ok && expires > 0 {
		m.expires.Store(int64(expires))
	}
	m.transition(ctx, eventSubscribed)

	interval := m.Expires() / 2
	m.scheduleRefresh(h, interval)
	m.logger.Info("Подписка активна",
		slog.Int("status", res.StatusCode),
		slog.Duration("refresh_in", interval))

	m.rosterMu.Lock()
	err := m.saveRoster(ctx, m.roster)
	m.rosterMu.Unlock()
	return err
}

func (m *Manager) fail(ctx context.Context, h *dialog.Handle, err *Error) error {
	m.logger.Warn("Подписка не удалась", slog.Any("error", err))

	m.scheduler.Cancel(m.timerID)
	exchangeID := h.ExchangeID()
	h.Reset()
	m.transition(ctx, eventFail)
	m.forget(ctx, exchangeID)
	m.enqueue(func(l Listener) { l.SubscriptionFailed(err) })
	return err
}

func (m *Manager) unsubscribeLocked(ctx context.Context) error {
	m.scheduler.Cancel(m.timerID)
	if m.fsm.Current() != StateSubscribed {
		return nil
	}

	h := m.handle.Load()
	m.transition(ctx, eventUnsubscribe)
	err := m.sendUnsubscribe(ctx, h)

	exchangeID := h.ExchangeID()
	h.Reset()
	m.transition(ctx, eventUnsubscribed)
	m.forget(ctx, exchangeID)
	m.enqueue(func(l Listener) { l.SubscriptionTerminated(false) })
	return err
}

func (m *Manager) sendUnsubscribe(ctx context.Context, h *dialog.Handle) error {
	for challenges := 0; ; {
		req, err := m.buildSubscribe(h, 0)
		if err != nil {
			return err
		}
		res, err := m.engine.Send(ctx, req)
		if err != nil {
			m.metrics.SubscriptionResponse(EventConference, 0)
			return &Error{Reason: "timeout", Err: fmt.Errorf("%w: %w", ErrTimeout, err)}
		}
		m.metrics.SubscriptionResponse(EventConference, res.StatusCode)

		switch res.StatusCode {
		case 200, 202:
			m.logger.Info("Подписка отменена")
			return nil
		case 407:
			challenges++
			if challenges > maxProxyChallenges {
				return &Error{StatusCode: res.StatusCode, Reason: res.Reason, Err: ErrProxyChallenge}
			}
			if err := m.authz.HandleChallenge(res); err != nil {
				return &Error{StatusCode: res.StatusCode, Reason: res.Reason, Err: err}
			}
			continue
		}
		return &Error{StatusCode: res.StatusCode, Reason: res.Reason, Err: ErrRejected}
	}
}

func (m *Manager) scheduleRefresh(h *dialog.Handle, after time.Duration) {
	generation := h.Generation()
	m.scheduler.Schedule(m.timerID, after, func() {
		m.mu.Lock()
		if m.closed || h.Generation() != generation || m.fsm.Current() != StateSubscribed {
			m.mu.Unlock()
			return
		}
		err := m.subscribeLocked(context.Background())
		notes := m.takePending()
		m.mu.Unlock()

		notes.dispatch()
		if err != nil {
			m.logger.Warn("Обновление подписки не удалось", slog.Any("error", err))
		}
	})
}

func (m *Manager) buildSubscribe(h *dialog.Handle, expires time.Duration) (*sip.Request, error) {
	req := h.BuildRequest(sip.SUBSCRIBE)
	req.PrependHeader(dialog.NewVia(m.cfg.Transport, m.cfg.LocalIP, m.cfg.LocalPort))

	contact := &sip.ContactHeader{Address: m.cfg.Contact, Params: sip.NewParams()}
	for _, tag := range m.cfg.FeatureTags {
		name, value, _ := strings.Cut(tag, "=")
		contact.Params = contact.Params.Add(name, value)
	}
	req.AppendHeader(contact)
	req.AppendHeader(sip.NewHeader("Event", EventConference))
	req.AppendHeader(sip.NewHeader("Accept", ContentTypeConference))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expires/time.Second))))
	if m.cfg.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", m.cfg.UserAgent))
	}

	if err := m.authz.Authorize(req); err != nil {
		return nil, err
	}
	return req, nil
}

// loadMinExpires поднимает срок до сохраненного минимума перед первой попыткой
func (m *Manager) loadMinExpires(ctx context.Context) {
	if m.minLoaded || m.settings == nil {
		return
	}
	m.minLoaded = true

	secs, ok, err := m.settings.Int(ctx, MinExpiresKey)
	if err != nil {
		m.logger.Warn("Не удалось прочитать минимальный срок подписки", slog.Any("error", err))
		return
	}
	if floor := time.Duration(secs) * time.Second; ok && floor > m.Expires() {
		m.expires.Store(int64(floor))
	}
}

func (m *Manager) saveMinExpires(ctx context.Context, floor time.Duration) {
	if m.settings == nil {
		return
	}
	if err := m.settings.SetInt(ctx, MinExpiresKey, int(floor/time.Second)); err != nil {
		m.logger.Error("Не удалось сохранить минимальный срок подписки", slog.Any("error", err))
	}
}

// saveRoster сохраняет подписку с данным roster; вызывается под rosterMu
func (m *Manager) saveRoster(ctx context.Context, roster Roster) error {
	h := m.handle.Load()
	if m.store == nil || h == nil {
		return nil
	}
	rec := Record{
		ExchangeID:      h.ExchangeID(),
		Resource:        m.cfg.Resource.String(),
		State:           m.fsm.Current(),
		Subscribed:      m.IsSubscribed(),
		ExpirySeconds:   int(m.Expires() / time.Second),
		MaxParticipants: m.maxParticipants,
		Participants:    roster.List(),
		UpdatedAt:       time.Now(),
	}
	if err := m.store.SaveSubscription(ctx, rec); err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (m *Manager) forget(ctx context.Context, exchangeID string) {
	if m.store == nil {
		return
	}
	if err := m.store.DeleteSubscription(ctx, exchangeID); err != nil {
		m.logger.Error("Не удалось удалить подписку", slog.Any("error", err))
	}
}

func (m *Manager) transition(ctx context.Context, event string) {
	if err := m.fsm.Event(ctx, event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			m.logger.Debug("Переход FSM отклонен", slog.String("event", event), slog.Any("error", err))
		}
	}
}

type notifications []func()

func (n notifications) dispatch() {
	for _, fn := range n {
		fn()
	}
}

func (m *Manager) notify(fn func(Listener)) func() {
	return func() {
		for _, l := range m.listeners.snapshot() {
			fn(l)
		}
	}
}

func (m *Manager) enqueue(fn func(Listener)) {
	m.pending = append(m.pending, m.notify(fn))
}

func (m *Manager) takePending() notifications {
	p := m.pending
	m.pending = nil
	return p
}
