package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/rcs_core/pkg/metrics"
	"github.com/arzzra/rcs_core/pkg/phone"
	"github.com/arzzra/rcs_core/pkg/sip/auth"
	"github.com/arzzra/rcs_core/pkg/sip/transaction"
)

// Connectivity сообщает, есть ли зарегистрированное соединение с IMS
type Connectivity interface {
	IsRegistered() bool
}

// Config параметры сигнализации и лимиты сессий
type Config struct {
	LocalURI    sip.Uri
	Contact     sip.Uri
	LocalIP     string
	LocalPort   int
	Transport   string
	UserAgent   string
	FeatureTags []string
	Credentials auth.Credentials
	// ServiceRoute маршрут из регистрации; обновляется через SetServiceRoute
	ServiceRoute []sip.Uri

	MediaIP   string
	MediaPort int

	// MaxSessions лимит живых сессий, 0 без лимита
	MaxSessions int
	// MaxOutgoingTransfers лимит одновременных исходящих передач файлов
	MaxOutgoingTransfers int
	// AutoAcceptFileTransfer принимать входящие файлы без пользователя
	AutoAcceptFileTransfer bool
	// MaxFileSize предельный размер файла в байтах, 0 без лимита
	MaxFileSize int64
}

func (c *Config) applyDefaults() {
	if c.Transport == "" {
		c.Transport = "UDP"
	}
	if c.LocalIP == "" {
		c.LocalIP = c.Contact.Host
	}
	if c.LocalPort == 0 {
		c.LocalPort = c.Contact.Port
	}
	if c.MediaIP == "" {
		c.MediaIP = c.LocalIP
	}
}

// Option дополнительные зависимости сервиса
type Option func(*Service)

// WithEngine задает транзакционный движок SIP
func WithEngine(e transaction.Engine) Option { return func(s *Service) { s.engine = e } }

// WithConnectivity задает источник состояния регистрации
func WithConnectivity(c Connectivity) Option { return func(s *Service) { s.connectivity = c } }

// WithMetrics задает сборщик метрик
func WithMetrics(c *metrics.Collector) Option { return func(s *Service) { s.metrics = c } }

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock подменяет часы для отметок времени записей
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithNormalizer задает нормализацию номеров собеседников
func WithNormalizer(n *phone.Normalizer) Option { return func(s *Service) { s.normalizer = n } }

// WithBroadcaster задает общий рассыльщик событий
func WithBroadcaster(b *Broadcaster) Option { return func(s *Service) { s.broadcaster = b } }

// Outgoing параметры новой исходящей сессии
type Outgoing struct {
	Kind           Kind
	RemoteIdentity string
	Content        Content
	// HTTP передача через HTTP сервер вместо MSRP
	HTTP        bool
	TransferURL string
}

// Invitation входящее приглашение
type Invitation struct {
	Kind           Kind
	RemoteIdentity string
	Content        Content
	CallID         string
	HTTP           bool
	Offer          *Offer
	Call           IncomingCall
}

// Service владеет реестром живых сессий и создает, возобновляет и
// повторяет их
type Service struct {
	cfgMu sync.RWMutex
	cfg   Config

	store        Persistence
	engine       transaction.Engine
	connectivity Connectivity
	registry     *Registry
	broadcaster  *Broadcaster
	metrics      *metrics.Collector
	logger       *slog.Logger
	normalizer   *phone.Normalizer
	now          func() time.Time
}

// NewService создает сервис сессий
func NewService(cfg Config, store Persistence, opts ...Option) *Service {
	cfg.applyDefaults()
	s := &Service{
		cfg:    cfg,
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.broadcaster == nil {
		s.broadcaster = NewBroadcaster()
	}
	if s.normalizer == nil {
		s.normalizer = phone.NewNormalizer("", "0")
	}
	s.logger = s.logger.With("component", "session")
	s.registry = NewRegistry(cfg.MaxSessions, cfg.MaxOutgoingTransfers, s.metrics)
	return s
}

// AddListener подписывает слушателя событий всех сессий
func (s *Service) AddListener(l Listener) func() {
	return s.broadcaster.Add(l)
}

// Registry реестр живых сессий
func (s *Service) Registry() *Registry { return s.registry }

// Get живая сессия по идентификатору
func (s *Service) Get(id string) (*Session, bool) { return s.registry.Get(id) }

// SetServiceRoute обновляет предзагруженный маршрут для новых INVITE
func (s *Service) SetServiceRoute(routes []sip.Uri) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg.ServiceRoute = append([]sip.Uri(nil), routes...)
}

func (s *Service) signaling() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Service) media(sessionID string) MediaParams {
	cfg := s.signaling()
	return MediaParams{LocalIP: cfg.MediaIP, LocalPort: cfg.MediaPort, SessionID: sessionID}
}

func (s *Service) tooBig(kind Kind, c Content) bool {
	limit := s.signaling().MaxFileSize
	return kind == KindFileTransfer && limit > 0 && c.Size > limit
}

func (s *Service) connected() bool {
	return s.connectivity == nil || s.connectivity.IsRegistered()
}

func (s *Service) remoteURI(identity string) sip.Uri {
	return sip.Uri{
		Scheme:    "sip",
		User:      identity,
		Host:      s.signaling().LocalURI.Host,
		UriParams: sip.NewParams().Add("user", "phone"),
	}
}

// StartOutgoing создает исходящую сессию в INITIATING. Для MSRP передачи и
// видео сразу отправляется INVITE; HTTP передача запускается внешним
// загрузчиком, который сообщает о начале через HandleSessionStarted.
func (s *Service) StartOutgoing(ctx context.Context, out Outgoing) (*Session, error) {
	if !s.connected() {
		return nil, ErrNoNetwork
	}
	if out.HTTP && out.Kind != KindFileTransfer {
		return nil, fmt.Errorf("%w: http %s", ErrWrongKind, out.Kind)
	}
	if s.tooBig(out.Kind, out.Content) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFileTooBig, out.Content.Size)
	}

	rec := Record{
		SessionID:      uuid.NewString(),
		Kind:           out.Kind,
		Direction:      DirectionOutgoing,
		RemoteIdentity: s.normalizer.ExtractNumber(out.RemoteIdentity),
		State:          StateInitiating,
		Reason:         ReasonUnspecified,
		HTTP:           out.HTTP,
		Content:        out.Content,
		BytesTotal:     out.Content.Size,
		Timestamp:      s.now(),
	}
	if out.HTTP {
		rec.ResumeInfo = &ResumeInfo{
			Direction:   DirectionOutgoing,
			Content:     out.Content,
			TransferURL: out.TransferURL,
		}
	}
	return s.start(ctx, rec)
}

func (s *Service) start(ctx context.Context, rec Record) (*Session, error) {
	sess := newSession(s, rec)
	if err := s.registry.Add(sess); err != nil {
		return nil, err
	}
	if err := sess.create(ctx, false); err != nil {
		s.registry.Remove(sess)
		return nil, err
	}
	if rec.HTTP {
		return sess, nil
	}
	return sess, sess.Initiate(ctx)
}

// HandleIncomingInvite разбирает SDP входящего INVITE и регистрирует
// приглашение. Передача файла принимается автоматически, если это включено.
func (s *Service) HandleIncomingInvite(ctx context.Context, req *sip.Request, call IncomingCall) (*Session, error) {
	offer, err := ParseOffer(req.Body())
	if err != nil {
		return nil, err
	}

	inv := Invitation{
		Kind:    offer.Kind,
		Content: offer.Content,
		Offer:   offer,
		Call:    call,
	}
	if from := req.From(); from != nil {
		inv.RemoteIdentity = from.Address.User
	}
	if id := req.CallID(); id != nil {
		inv.CallID = id.Value()
	}

	if s.tooBig(offer.Kind, offer.Content) {
		sess, err := s.HandleSessionInvited(ctx, inv)
		if err != nil {
			return nil, err
		}
		return sess, sess.rejectTooBig(ctx)
	}
	if offer.Kind == KindFileTransfer && s.signaling().AutoAcceptFileTransfer {
		sess, err := s.HandleSessionAutoAccepted(ctx, inv)
		if err != nil {
			return nil, err
		}
		return sess, sess.AcceptInvitation(ctx)
	}
	return s.HandleSessionInvited(ctx, inv)
}

// HandleSessionInvited записывает входящую сессию в INVITED и рассылает приглашение
func (s *Service) HandleSessionInvited(ctx context.Context, inv Invitation) (*Session, error) {
	return s.invited(ctx, inv, StateInvited)
}

// HandleSessionAutoAccepted записывает входящую сессию сразу в ACCEPTING
func (s *Service) HandleSessionAutoAccepted(ctx context.Context, inv Invitation) (*Session, error) {
	return s.invited(ctx, inv, StateAccepting)
}

func (s *Service) invited(ctx context.Context, inv Invitation, state State) (*Session, error) {
	rec := Record{
		SessionID:      uuid.NewString(),
		Kind:           inv.Kind,
		Direction:      DirectionIncoming,
		RemoteIdentity: s.normalizer.ExtractNumber(inv.RemoteIdentity),
		State:          state,
		Reason:         ReasonUnspecified,
		HTTP:           inv.HTTP,
		Content:        inv.Content,
		BytesTotal:     inv.Content.Size,
		CallID:         inv.CallID,
		Timestamp:      s.now(),
	}
	if inv.HTTP {
		rec.ResumeInfo = &ResumeInfo{Direction: DirectionIncoming, Content: inv.Content}
	}

	sess := newSession(s, rec)
	sess.incoming = inv.Call
	sess.offer = inv.Offer
	if err := s.registry.Add(sess); err != nil {
		if inv.Call != nil {
			if rerr := inv.Call.Respond(ctx, 486, "Busy Here", nil, ""); rerr != nil {
				s.logger.Warn("Не удалось отклонить приглашение", slog.Any("error", rerr))
			}
		}
		return nil, err
	}
	if err := sess.create(ctx, true); err != nil {
		s.registry.Remove(sess)
		return nil, err
	}
	s.logger.Info("Входящее приглашение",
		slog.String("session", rec.SessionID),
		slog.String("kind", string(rec.Kind)),
		slog.String("state", string(state)))
	return sess, nil
}

// HandleAck ACK на 200 OK входящей сессии запускает ее
func (s *Service) HandleAck(ctx context.Context, callID string) error {
	sess, ok := s.registry.FindByCallID(callID)
	if !ok {
		return ErrNotFound
	}
	if sess.State() != StateAccepting {
		return nil
	}
	return sess.HandleSessionStarted(ctx)
}

// HandleBye собеседник завершил сессию
func (s *Service) HandleBye(ctx context.Context, callID string) error {
	sess, ok := s.registry.FindByCallID(callID)
	if !ok {
		return ErrNotFound
	}
	sess.sigMu.Lock()
	sess.established = false
	sess.sigMu.Unlock()
	return sess.HandleSessionAborted(ctx, CauseRemote)
}

// HandleCancel собеседник отменил INVITE до ответа
func (s *Service) HandleCancel(ctx context.Context, callID string) error {
	sess, ok := s.registry.FindByCallID(callID)
	if !ok {
		return ErrNotFound
	}
	return sess.cancelled(ctx)
}

// ResumeTransfer возобновляет передачу, приостановленную пользователем.
// Без живого экземпляра сессия восстанавливается из ResumeInfo.
func (s *Service) ResumeTransfer(ctx context.Context, id string) (*Session, error) {
	return s.resume(ctx, id, ReasonPausedByUser)
}

// ResumeAfterSystemPause возобновляет передачу, приостановленную системой,
// после восстановления соединения
func (s *Service) ResumeAfterSystemPause(ctx context.Context, id string) (*Session, error) {
	return s.resume(ctx, id, ReasonPausedBySystem)
}

// PauseAllBySystem приостанавливает идущие передачи файлов при потере
// соединения с IMS. Возвращает число приостановленных.
func (s *Service) PauseAllBySystem(ctx context.Context) (int, error) {
	var (
		paused int
		errs   []error
	)
	for _, sess := range s.registry.List() {
		if sess.kind != KindFileTransfer || sess.State() != StateStarted {
			continue
		}
		if err := sess.HandleFileTransferPausedBySystem(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sess.id, err))
			continue
		}
		paused++
	}
	return paused, errors.Join(errs...)
}

// ResumeAllSystemPaused возобновляет все передачи, приостановленные системой
func (s *Service) ResumeAllSystemPaused(ctx context.Context) (int, error) {
	recs, err := s.store.PausedSessions(ctx, ReasonPausedBySystem)
	if err != nil {
		return 0, fmt.Errorf("failed to load paused sessions: %w", err)
	}

	var (
		resumed int
		errs    []error
	)
	for _, rec := range recs {
		if _, err := s.resume(ctx, rec.SessionID, ReasonPausedBySystem); err != nil {
			s.logger.Warn("Передача не возобновлена",
				slog.String("session", rec.SessionID), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", rec.SessionID, err))
			continue
		}
		resumed++
	}
	return resumed, errors.Join(errs...)
}

func (s *Service) resume(ctx context.Context, id string, allowed Reason) (*Session, error) {
	if sess, ok := s.registry.Get(id); ok {
		rec := sess.Record()
		if rec.State != StatePaused || rec.Reason != allowed {
			return nil, fmt.Errorf("%w: %s/%s", ErrResumeNotAllowed, rec.State, rec.Reason)
		}
		if !s.connected() {
			return nil, ErrNoNetwork
		}
		return sess, sess.HandleFileTransferResumed(ctx)
	}

	rec, err := s.store.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Kind != KindFileTransfer {
		return nil, fmt.Errorf("%w: %s", ErrWrongKind, rec.Kind)
	}
	if rec.State != StatePaused || rec.Reason != allowed {
		return nil, fmt.Errorf("%w: %s/%s", ErrResumeNotAllowed, rec.State, rec.Reason)
	}
	if !s.connected() {
		return nil, ErrNoNetwork
	}
	if rec.ResumeInfo == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoResumeInfo, id)
	}

	rec.Direction = rec.ResumeInfo.Direction
	rec.BytesDone = rec.ResumeInfo.Offset
	sess := newSession(s, rec)
	if err := s.registry.Add(sess); err != nil {
		return nil, err
	}
	if err := sess.HandleFileTransferResumed(ctx); err != nil {
		s.registry.Remove(sess)
		return nil, err
	}
	s.logger.Info("Передача восстановлена из ResumeInfo",
		slog.String("session", id), slog.Int64("offset", rec.BytesDone))
	return sess, nil
}

// IsAllowedToResend сообщает, можно ли повторить завершенную передачу
func (s *Service) IsAllowedToResend(ctx context.Context, id string) (bool, error) {
	if _, ok := s.registry.Get(id); ok {
		return false, nil
	}
	rec, err := s.store.LoadSession(ctx, id)
	if err != nil {
		return false, err
	}
	return rec.Kind == KindFileTransfer && rec.Direction == DirectionOutgoing &&
		Resendable(rec.State, rec.Reason), nil
}

// ResendTransfer повторяет исходящую передачу с тем же идентификатором.
// Допускается только из FAILED или ABORTED по пользователю или системе.
func (s *Service) ResendTransfer(ctx context.Context, id string) (*Session, error) {
	if _, ok := s.registry.Get(id); ok {
		return nil, fmt.Errorf("%w: session %s is ongoing", ErrResendNotAllowed, id)
	}
	rec, err := s.store.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Kind != KindFileTransfer || rec.Direction != DirectionOutgoing {
		return nil, fmt.Errorf("%w: %s %s", ErrResendNotAllowed, rec.Direction, rec.Kind)
	}
	if !Resendable(rec.State, rec.Reason) {
		return nil, fmt.Errorf("%w: %s/%s", ErrResendNotAllowed, rec.State, rec.Reason)
	}
	if !s.connected() {
		return nil, ErrNoNetwork
	}

	fresh := Record{
		SessionID:      rec.SessionID,
		Kind:           rec.Kind,
		Direction:      DirectionOutgoing,
		RemoteIdentity: rec.RemoteIdentity,
		State:          StateInitiating,
		Reason:         ReasonUnspecified,
		HTTP:           rec.HTTP,
		Content:        rec.Content,
		BytesTotal:     rec.Content.Size,
		Timestamp:      s.now(),
	}
	if rec.HTTP {
		fresh.ResumeInfo = &ResumeInfo{Direction: DirectionOutgoing, Content: rec.Content}
	}
	return s.start(ctx, fresh)
}
