// Package registration реализует жизненный цикл SIP REGISTER: первичная
// регистрация, периодическое обновление, повтор с авторизацией, редирект,
// согласование интервала и снятие регистрации.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/arzzra/rcs_core/pkg/metrics"
	"github.com/arzzra/rcs_core/pkg/phone"
	"github.com/arzzra/rcs_core/pkg/refresh"
	"github.com/arzzra/rcs_core/pkg/sip/auth"
	"github.com/arzzra/rcs_core/pkg/sip/dialog"
	"github.com/arzzra/rcs_core/pkg/sip/transaction"
)

const (
	// DefaultExpires срок регистрации по умолчанию
	DefaultExpires = 3600 * time.Second

	maxChallengeFailures = 3
	maxRedirects         = 5
	maxIntervalRetries   = 3

	refreshTimerID = "registration"
)

// DeviceStatus сообщает причину потери регистрации при StopRegistration
type DeviceStatus interface {
	IsBatteryLow() bool
}

// Store сохраняет состояние регистрации
type Store interface {
	SaveRegistration(ctx context.Context, rec Record) error
}

// Config параметры регистрации
type Config struct {
	// PublicURI публичная идентичность (From и To запроса)
	PublicURI sip.Uri
	// Registrar адрес регистратора (Request-URI)
	Registrar sip.Uri
	// Contact локальный контакт; Host должен быть локальным IP
	Contact sip.Uri
	// LocalIP локальный адрес для обнаружения NAT; по умолчанию Contact.Host
	LocalIP   string
	LocalPort int
	Transport string

	DisplayName string
	UserAgent   string
	Expires     time.Duration
	// InstanceID значение +sip.instance, генерируется если пусто
	InstanceID  string
	FeatureTags []string
	// OutboundProxy предзагруженный маршрут (P-CSCF)
	OutboundProxy []sip.Uri
	Credentials   auth.Credentials
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
	if c.InstanceID == "" {
		c.InstanceID = "urn:uuid:" + uuid.NewString()
	}
}

// Option дополнительные зависимости менеджера
type Option func(*Manager)

// WithScheduler задает планировщик обновлений
func WithScheduler(s refresh.Scheduler) Option {
	return func(m *Manager) { m.scheduler = s }
}

// WithDeviceStatus задает источник состояния батареи
func WithDeviceStatus(d DeviceStatus) Option {
	return func(m *Manager) { m.device = d }
}

// WithStore задает хранилище состояния
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithMetrics задает сборщик метрик
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager управляет регистрацией одного устройства.
//
// Register, Unregister, StopRegistration и Restart выполняются под одной
// блокировкой, поэтому изменения Handle (CSeq, target) не перемешиваются.
// Повторы после 302/401/423 выполняются рекурсивно внутри той же блокировки.
type Manager struct {
	mu sync.Mutex

	cfg       Config
	engine    transaction.Engine
	scheduler refresh.Scheduler
	device    DeviceStatus
	store     Store
	metrics   *metrics.Collector
	logger    *slog.Logger

	fsm     *fsm.FSM
	handle  *dialog.Handle
	authz   *auth.Authorizer
	expires time.Duration

	serviceRoute   []sip.Uri
	associatedURIs []string

	flagMu              sync.Mutex
	registering         bool
	unregisterRequested bool

	stateMu sync.RWMutex
	status  Status

	listeners listenerSet
	pending   []func()
	closed    bool
}

// NewManager создает менеджер регистрации
func NewManager(cfg Config, engine transaction.Engine, opts ...Option) *Manager {
	cfg.applyDefaults()

	m := &Manager{
		cfg:     cfg,
		engine:  engine,
		logger:  slog.Default(),
		authz:   auth.NewAuthorizer(cfg.Credentials),
		expires: cfg.Expires,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.scheduler == nil {
		m.scheduler = refresh.NewTimerScheduler()
	}
	m.logger = m.logger.With("component", "registration")

	m.fsm = fsm.NewFSM(
		StateUnregistered,
		fsm.Events{
			{Name: eventRegister, Src: []string{StateUnregistered, StateFailed}, Dst: StateRegistering},
			{Name: eventRefresh, Src: []string{StateRegistered}, Dst: StateRefreshing},
			{Name: eventRegistered, Src: []string{StateRegistering, StateRefreshing}, Dst: StateRegistered},
			{Name: eventFail, Src: []string{StateRegistering, StateRefreshing}, Dst: StateFailed},
			{Name: eventUnregister, Src: []string{StateRegistered}, Dst: StateUnregistering},
			{Name: eventUnregistered, Src: []string{StateUnregistering, StateRegistered, StateRefreshing, StateRegistering, StateFailed}, Dst: StateUnregistered},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.metrics.RegistrationState(e.Src, e.Dst)
				m.updateStatus(func(s *Status) { s.State = e.Dst })
			},
		},
	)
	m.status = Status{State: StateUnregistered, NAT: NATInfo{PublicPort: -1}}
	m.status.ExpiryPeriodSeconds = int(m.expires / time.Second)

	return m
}

// AddListener подписывает слушателя и возвращает функцию отписки
func (m *Manager) AddListener(l Listener) func() {
	return m.listeners.add(l)
}

// State возвращает текущее состояние FSM
func (m *Manager) State() string {
	return m.fsm.Current()
}

// Status возвращает снимок состояния. Не блокируется на время запроса.
func (m *Manager) Status() Status {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.status
}

// IsRegistered сообщает, зарегистрировано ли устройство
func (m *Manager) IsRegistered() bool {
	return m.Status().Registered
}

// NAT возвращает результат обнаружения NAT
func (m *Manager) NAT() NATInfo {
	return m.Status().NAT
}

// InstanceID возвращает значение +sip.instance
func (m *Manager) InstanceID() string {
	return m.cfg.InstanceID
}

// ServiceRoute возвращает маршрут из Service-Route последнего 200 OK
func (m *Manager) ServiceRoute() []sip.Uri {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return append([]sip.Uri(nil), m.serviceRoute...)
}

// AssociatedURIs возвращает P-Associated-URI последнего 200 OK
func (m *Manager) AssociatedURIs() []string {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return append([]string(nil), m.associatedURIs...)
}

// Register выполняет регистрацию или ее обновление, если устройство уже
// зарегистрировано. Возвращает итог после всех внутренних повторов.
func (m *Manager) Register(ctx context.Context) error {
	m.mu.Lock()
	err := m.registerLocked(ctx)
	notes := m.takePending()
	m.mu.Unlock()

	notes.dispatch()
	return err
}

// Unregister снимает регистрацию (Expires: 0). Если регистрация выполняется
// в данный момент, снятие откладывается до ее завершения.
func (m *Manager) Unregister(ctx context.Context) error {
	m.flagMu.Lock()
	if m.registering {
		m.unregisterRequested = true
		m.flagMu.Unlock()
		m.logger.Info("Снятие регистрации отложено до завершения текущей попытки")
		return nil
	}
	m.flagMu.Unlock()

	m.mu.Lock()
	err := m.unregisterLocked(ctx)
	notes := m.takePending()
	m.mu.Unlock()

	notes.dispatch()
	return err
}

// StopRegistration сбрасывает регистрацию без запроса к сети
// (сеть недоступна). Причина выбирается по состоянию батареи.
func (m *Manager) StopRegistration() {
	m.mu.Lock()
	m.stopLocked()
	notes := m.takePending()
	m.mu.Unlock()

	notes.dispatch()
}

// Restart сбрасывает регистрацию и регистрируется заново
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	m.stopLocked()
	err := m.registerLocked(ctx)
	notes := m.takePending()
	m.mu.Unlock()

	notes.dispatch()
	return err
}

// Close останавливает таймер обновления. Регистрация на сервере не снимается.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.scheduler.Cancel(refreshTimerID)
}

func (m *Manager) registerLocked(ctx context.Context) error {
	if m.closed {
		return ErrClosed
	}

	m.flagMu.Lock()
	m.registering = true
	m.flagMu.Unlock()

	err := m.attempt(ctx)

	m.flagMu.Lock()
	needUnregister := m.unregisterRequested
	m.registering = false
	m.unregisterRequested = false
	m.flagMu.Unlock()

	if needUnregister {
		if uerr := m.unregisterLocked(ctx); err == nil {
			err = uerr
		}
	}
	return err
}

func (m *Manager) attempt(ctx context.Context) error {
	event := eventRegister
	if m.fsm.Current() == StateRegistered {
		event = eventRefresh
	}
	m.transition(ctx, event)

	if m.handle == nil {
		m.handle = dialog.NewHandle(m.cfg.PublicURI, m.cfg.PublicURI,
			dialog.WithDisplayName(m.cfg.DisplayName),
			dialog.WithPreloadedRoute(m.cfg.OutboundProxy...))
		m.handle.ReplaceTarget(m.cfg.Registrar)
	}

	m.updateStatus(func(s *Status) { s.ChallengeFailureCount = 0 })

	return m.send(ctx, m.expires, &retryBudget{})
}

type retryBudget struct {
	redirects int
	intervals int
}

// send отправляет REGISTER и обрабатывает ответ; повторы рекурсивны
func (m *Manager) send(ctx context.Context, expires time.Duration, budget *retryBudget) error {
	req, err := m.buildRegister(expires)
	if err != nil {
		return m.fail(ctx, &Error{Reason: "request", Err: err})
	}

	m.logger.Info("Отправка REGISTER",
		slog.Int("expires", int(expires/time.Second)),
		slog.String("CallID", m.handle.ExchangeID()))

	res, err := m.engine.Send(ctx, req)
	if err != nil {
		m.metrics.RegistrationResponse(0)
		return m.fail(ctx, &Error{Reason: "timeout", Err: fmt.Errorf("%w: %w", ErrTimeout, err)})
	}
	m.metrics.RegistrationResponse(res.StatusCode)

	switch res.StatusCode {
	case 200:
		return m.handle200(ctx, res)

	case 302:
		contacts := dialog.Contacts(res)
		if len(contacts) == 0 {
			return m.fail(ctx, &Error{StatusCode: res.StatusCode, Reason: res.Reason, Err: ErrNoRedirectTarget})
		}
		budget.redirects++
		if budget.redirects > maxRedirects {
			return m.fail(ctx, &Error{StatusCode: res.StatusCode, Reason: res.Reason, Err: ErrTooManyRedirects})
		}
		m.logger.Info("REGISTER перенаправлен", slog.String("target", contacts[0].Address.String()))
		m.handle.ReplaceTarget(contacts[0].Address)
		return m.send(ctx, expires, budget)

	case 401:
		var count int
		m.updateStatus(func(s *Status) {
			s.ChallengeFailureCount++
			count = s.ChallengeFailureCount
		})
		if count >= maxChallengeFailures {
			return m.fail(ctx, &Error{StatusCode: res.StatusCode, Reason: res.Reason, Err: ErrTooManyChallenges})
		}
		if err := m.authz.HandleChallenge(res); err != nil {
			return m.fail(ctx, &Error{StatusCode: res.StatusCode, Reason: res.Reason, Err: err})
		}
		m.logger.Info("Получен 401, повтор с авторизацией", slog.Int("failures", count))
		return m.send(ctx, expires, budget)

	case 423:
		minExpires, ok := dialog.MinExpires(res)
		if !ok {
			return m.fail(ctx, &Error{StatusCode: res.StatusCode, Reason: res.Reason, Err: ErrNoMinExpires})
		}
		budget.intervals++
		if budget.intervals > maxIntervalRetries {
			return m.fail(ctx, &Error{StatusCode: res.StatusCode, Reason: res.Reason, Err: ErrTooManyIntervalRetries})
		}
		m.expires = minExpires
		m.updateStatus(func(s *Status) { s.ExpiryPeriodSeconds = int(minExpires / time.Second) })
		m.logger.Info("Получен 423, новый срок", slog.Int("expires", int(minExpires/time.Second)))
		return m.send(ctx, minExpires, budget)
	}

	return m.fail(ctx, &Error{StatusCode: res.StatusCode, Reason: res.Reason, Err: ErrRejected})
}

func (m *Manager) handle200(ctx context.Context, res *sip.Response) error {
	m.handle.UpdateFromResponse(res, false)

	routes := dialog.AddressURIs(dialog.HeaderValues(res, "Service-Route"))
	var associated []string
	for _, v := range dialog.HeaderValues(res, "P-Associated-URI") {
		associated = append(associated, phone.ExtractURI(v))
	}

	nat := m.detectNAT(res)
	pubGRUU, tempGRUU := m.extractGRUU(res)
	expiry := m.retrieveExpiry(res)
	m.expires = expiry

	m.stateMu.Lock()
	m.serviceRoute = routes
	m.associatedURIs = associated
	m.stateMu.Unlock()

	m.updateStatus(func(s *Status) {
		s.Registered = true
		s.Reason = ReasonUnspecified
		s.ChallengeFailureCount = 0
		s.ExpiryPeriodSeconds = int(expiry / time.Second)
		s.NAT = nat
		s.PublicGRUU = pubGRUU
		s.TemporaryGRUU = tempGRUU
		s.LastError = nil
	})
	m.transition(ctx, eventRegistered)

	interval := refresh.Interval(expiry)
	m.scheduleRefresh(interval)

	m.logger.Info("Регистрация успешна",
		slog.Int("expires", int(expiry/time.Second)),
		slog.Duration("refresh_in", interval),
		slog.Bool("nat", nat.Detected))

	err := m.persist(ctx)
	st := m.Status()
	m.enqueue(func(l Listener) { l.RegistrationSucceeded(st) })
	return err
}

// fail переводит регистрацию в FAILED; автоматического повтора нет
func (m *Manager) fail(ctx context.Context, err *Error) error {
	m.logger.Warn("Регистрация не удалась", slog.Any("error", err))

	m.scheduler.Cancel(refreshTimerID)
	m.resetExchange()
	m.updateStatus(func(s *Status) {
		s.Registered = false
		s.Reason = ReasonConnectionLost
		s.LastError = err
	})
	m.transition(ctx, eventFail)

	if perr := m.persist(ctx); perr != nil {
		m.logger.Error("Ошибка сохранения регистрации", slog.Any("error", perr))
	}
	st := m.Status()
	m.enqueue(func(l Listener) { l.RegistrationFailed(st, err) })
	return err
}

func (m *Manager) unregisterLocked(ctx context.Context) error {
	if m.fsm.Current() != StateRegistered {
		return nil
	}

	m.scheduler.Cancel(refreshTimerID)
	m.transition(ctx, eventUnregister)

	err := m.sendUnregister(ctx)

	m.resetExchange()
	m.updateStatus(func(s *Status) {
		s.Registered = false
		s.Reason = ReasonUnspecified
		if err == nil {
			s.NAT = NATInfo{PublicPort: -1}
		}
	})
	m.transition(ctx, eventUnregistered)

	if perr := m.persist(ctx); perr != nil && err == nil {
		err = perr
	}
	m.enqueue(func(l Listener) { l.RegistrationTerminated(ReasonUnspecified) })
	return err
}

func (m *Manager) sendUnregister(ctx context.Context) error {
	for failures := 0; ; {
		req, err := m.buildRegister(0)
		if err != nil {
			return err
		}
		res, err := m.engine.Send(ctx, req)
		if err != nil {
			m.metrics.RegistrationResponse(0)
			return &Error{Reason: "timeout", Err: fmt.Errorf("%w: %w", ErrTimeout, err)}
		}
		m.metrics.RegistrationResponse(res.StatusCode)

		switch res.StatusCode {
		case 200:
			m.logger.Info("Регистрация снята")
			return nil
		case 401:
			failures++
			if failures >= maxChallengeFailures {
				return &Error{StatusCode: 401, Reason: res.Reason, Err: ErrTooManyChallenges}
			}
			if err := m.authz.HandleChallenge(res); err != nil {
				return &Error{StatusCode: 401, Reason: res.Reason, Err: err}
			}
			continue
		}
		return &Error{StatusCode: res.StatusCode, Reason: res.Reason, Err: ErrRejected}
	}
}

func (m *Manager) stopLocked() {
	if !m.Status().Registered {
		return
	}

	m.scheduler.Cancel(refreshTimerID)
	reason := ReasonConnectionLost
	if m.device != nil && m.device.IsBatteryLow() {
		reason = ReasonBatteryLow
	}

	m.resetExchange()
	m.updateStatus(func(s *Status) {
		s.Registered = false
		s.Reason = reason
	})
	m.transition(context.Background(), eventUnregistered)

	if err := m.persist(context.Background()); err != nil {
		m.logger.Error("Ошибка сохранения регистрации", slog.Any("error", err))
	}
	m.logger.Info("Регистрация остановлена", slog.String("reason", reason.String()))
	m.enqueue(func(l Listener) { l.RegistrationTerminated(reason) })
}

// scheduleRefresh планирует обновление; сработавший таймер проверяет,
// что обмен не был сброшен
func (m *Manager) scheduleRefresh(after time.Duration) {
	generation := m.handle.Generation()
	m.scheduler.Schedule(refreshTimerID, after, func() {
		m.mu.Lock()
		if m.closed || m.handle == nil || m.handle.Generation() != generation || m.fsm.Current() != StateRegistered {
			m.mu.Unlock()
			return
		}
		err := m.registerLocked(context.Background())
		notes := m.takePending()
		m.mu.Unlock()

		notes.dispatch()
		if err != nil {
			m.logger.Warn("Перерегистрация не удалась", slog.Any("error", err))
		}
	})
}

func (m *Manager) buildRegister(expires time.Duration) (*sip.Request, error) {
	req := m.handle.BuildRequest(sip.REGISTER)

	req.PrependHeader(dialog.NewVia(m.cfg.Transport, m.cfg.LocalIP, m.cfg.LocalPort))

	contact := &sip.ContactHeader{
		Address: m.cfg.Contact,
		Params:  sip.NewParams(),
	}
	contact.Params = contact.Params.Add("+sip.instance", `"<`+m.cfg.InstanceID+`>"`)
	for _, tag := range m.cfg.FeatureTags {
		name, value, _ := strings.Cut(tag, "=")
		contact.Params = contact.Params.Add(name, value)
	}
	req.AppendHeader(contact)

	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expires/time.Second))))
	req.AppendHeader(sip.NewHeader("Supported", "path, gruu"))
	req.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, NOTIFY, OPTIONS, MESSAGE, SUBSCRIBE"))
	if m.cfg.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", m.cfg.UserAgent))
	}

	if err := m.authz.Authorize(req); err != nil {
		return nil, err
	}
	return req, nil
}

// detectNAT сравнивает адрес Via, увиденный сервером, с локальным
func (m *Manager) detectNAT(res *sip.Response) NATInfo {
	via := res.Via()
	if via == nil {
		return NATInfo{PublicPort: -1}
	}
	received, _ := via.Params.Get("received")
	if via.Host == m.cfg.LocalIP && (received == "" || received == m.cfg.LocalIP) {
		return NATInfo{PublicPort: -1}
	}

	nat := NATInfo{Detected: true, PublicAddress: received, PublicPort: -1}
	if rport, ok := via.Params.Get("rport"); ok && rport != "" {
		if port, err := strconv.Atoi(rport); err == nil {
			nat.PublicPort = port
		} else {
			m.logger.Warn("Нечисловое значение rport", slog.String("rport", rport))
		}
	}
	return nat
}

func (m *Manager) extractGRUU(res *sip.Response) (pub, temp string) {
	for _, c := range dialog.Contacts(res) {
		instance, ok := c.Param("+sip.instance")
		if !ok || !strings.Contains(m.cfg.InstanceID, strings.Trim(instance, "<>")) {
			continue
		}
		pub, _ = c.Param("pub-gruu")
		temp, _ = c.Param("temp-gruu")
		return pub, temp
	}
	return "", ""
}

// retrieveExpiry берет срок из Contact с локальным адресом, иначе из Expires
func (m *Manager) retrieveExpiry(res *sip.Response) time.Duration {
	for _, c := range dialog.Contacts(res) {
		if c.Address.Host != m.cfg.Contact.Host {
			continue
		}
		if v, ok := c.Param("expires"); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
				return time.Duration(secs) * time.Second
			}
		}
		return m.expires
	}
	if expiry, ok := dialog.Expires(res); ok {
		return expiry
	}
	return m.expires
}

// resetExchange начинает новый обмен; Request-URI снова указывает на регистратор
func (m *Manager) resetExchange() {
	m.handle.Reset()
	m.handle.ReplaceTarget(m.cfg.Registrar)
}

func (m *Manager) transition(ctx context.Context, event string) {
	if err := m.fsm.Event(ctx, event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			m.logger.Debug("Переход FSM отклонен", slog.String("event", event), slog.Any("error", err))
		}
	}
}

func (m *Manager) updateStatus(fn func(*Status)) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	fn(&m.status)
}

func (m *Manager) persist(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveRegistration(ctx, m.Status().record(time.Now())); err != nil {
		return fmt.Errorf("failed to save registration: %w", err)
	}
	return nil
}

type notifications []func()

func (n notifications) dispatch() {
	for _, fn := range n {
		fn()
	}
}

func (m *Manager) enqueue(fn func(Listener)) {
	m.pending = append(m.pending, func() {
		for _, l := range m.listeners.snapshot() {
			fn(l)
		}
	})
}

func (m *Manager) takePending() notifications {
	p := m.pending
	m.pending = nil
	return p
}
