// Package core собирает клиента IMS: регистрацию, подписки на конференции и
// одноранговые сессии поверх общего SIP стека, хранилища и метрик.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/rcs_core/pkg/config"
	"github.com/arzzra/rcs_core/pkg/metrics"
	"github.com/arzzra/rcs_core/pkg/phone"
	"github.com/arzzra/rcs_core/pkg/refresh"
	"github.com/arzzra/rcs_core/pkg/registration"
	"github.com/arzzra/rcs_core/pkg/session"
	"github.com/arzzra/rcs_core/pkg/sip/auth"
	"github.com/arzzra/rcs_core/pkg/sip/transaction"
	"github.com/arzzra/rcs_core/pkg/storage"
	"github.com/arzzra/rcs_core/pkg/subscription"
)

const shutdownTimeout = 5 * time.Second

// Option дополнительные зависимости клиента
type Option func(*Client)

// WithEngine подменяет транзакционный движок; SIP стек sipgo тогда не создается
func WithEngine(e transaction.Engine) Option {
	return func(c *Client) { c.engine = e }
}

// WithStore задает открытое хранилище; клиент его не закрывает
func WithStore(s *storage.Store) Option {
	return func(c *Client) { c.store = s }
}

// WithRegistry задает реестр Prometheus для метрик и /metrics
func WithRegistry(r *prometheus.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client владеет менеджером регистрации, сервисом сессий и подписками
type Client struct {
	cfg    *config.Config
	logger *slog.Logger

	ua     *sipgo.UserAgent
	server *sipgo.Server
	engine transaction.Engine

	store     *storage.Store
	ownsStore bool
	registry  *prometheus.Registry
	metrics   *metrics.Collector

	scheduler  *refresh.TimerScheduler
	normalizer *phone.Normalizer
	contact    sip.Uri
	localIP    string
	localPort  int

	reg      *registration.Manager
	sessions *session.Service

	subsMu sync.Mutex
	subs   map[string]*subscription.Manager

	removeListener func()
	closeOnce      sync.Once
}

// New создает клиента по конфигурации
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		logger: slog.Default(),
		subs:   make(map[string]*subscription.Manager),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "core")

	ip, port, err := localAddress(cfg.Network)
	if err != nil {
		return nil, err
	}
	c.localIP, c.localPort = ip, port
	c.contact = sip.Uri{Scheme: "sip", User: cfg.PublicURI().User, Host: ip, Port: port}

	if c.store == nil {
		store, err := storage.Open(ctx, cfg.Storage.Path, storage.WithLogger(c.logger))
		if err != nil {
			return nil, err
		}
		c.store, c.ownsStore = store, true
	}

	if cfg.Metrics.Enabled && c.registry == nil {
		c.registry = prometheus.NewRegistry()
	}
	mcfg := metrics.Config{Enabled: cfg.Metrics.Enabled, Namespace: cfg.Metrics.Namespace}
	if c.registry != nil {
		mcfg.Registerer = c.registry
	}
	c.metrics = metrics.NewCollector(mcfg)

	if c.engine == nil {
		if err := c.startStack(); err != nil {
			c.closeStore()
			return nil, err
		}
	}

	c.scheduler = refresh.NewTimerScheduler()
	c.normalizer = phone.NewNormalizer(cfg.User.CountryCode, cfg.User.AreaCode)

	c.reg = registration.NewManager(registration.Config{
		PublicURI:     cfg.PublicURI(),
		Registrar:     cfg.RegistrarURI(),
		Contact:       c.contact,
		LocalIP:       ip,
		LocalPort:     port,
		Transport:     c.transport(),
		DisplayName:   cfg.User.DisplayName,
		UserAgent:     cfg.Network.UserAgent,
		Expires:       cfg.Registration.Expires,
		FeatureTags:   cfg.Registration.FeatureTags,
		OutboundProxy: cfg.OutboundProxyURI(),
		Credentials:   c.credentials(),
	}, c.engine,
		registration.WithScheduler(c.scheduler),
		registration.WithStore(c.store),
		registration.WithMetrics(c.metrics),
		registration.WithLogger(c.logger),
	)

	c.sessions = session.NewService(session.Config{
		LocalURI:               cfg.PublicURI(),
		Contact:                c.contact,
		LocalIP:                ip,
		LocalPort:              port,
		Transport:              c.transport(),
		UserAgent:              cfg.Network.UserAgent,
		FeatureTags:            cfg.Session.FeatureTags,
		Credentials:            c.credentials(),
		MediaPort:              cfg.Session.MediaPort,
		MaxSessions:            cfg.Session.MaxSessions,
		MaxOutgoingTransfers:   cfg.Session.MaxOutgoingTransfers,
		AutoAcceptFileTransfer: cfg.Session.AutoAcceptFileTransfer,
		MaxFileSize:            cfg.Session.MaxFileSize,
	}, c.store,
		session.WithEngine(c.engine),
		session.WithConnectivity(c.reg),
		session.WithMetrics(c.metrics),
		session.WithLogger(c.logger),
		session.WithNormalizer(c.normalizer),
	)

	c.removeListener = c.reg.AddListener(registration.ListenerFuncs{
		OnSucceeded:  c.registered,
		OnFailed:     func(registration.Status, error) { c.connectionLost() },
		OnTerminated: func(registration.ReasonCode) { c.connectionLost() },
	})
	return c, nil
}

// startStack создает sipgo UA, клиент и сервер с обработчиками запросов
func (c *Client) startStack() error {
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(c.cfg.Network.UserAgent),
		sipgo.WithUserAgentHostname(c.localIP),
	)
	if err != nil {
		return fmt.Errorf("failed to create user agent: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(c.localIP))
	if err != nil {
		ua.Close()
		return fmt.Errorf("failed to create SIP client: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return fmt.Errorf("failed to create SIP server: %w", err)
	}

	server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		c.routeInvite(context.Background(), req, tx)
	})
	server.OnAck(func(req *sip.Request, _ sip.ServerTransaction) {
		c.routeAck(context.Background(), req)
	})
	server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		c.routeBye(context.Background(), req, tx)
	})
	server.OnCancel(func(req *sip.Request, tx sip.ServerTransaction) {
		c.routeCancel(context.Background(), req, tx)
	})
	server.OnNotify(func(req *sip.Request, tx sip.ServerTransaction) {
		c.routeNotify(context.Background(), req, tx)
	})
	server.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		c.routeOptions(req, tx)
	})

	c.ua, c.server = ua, server
	c.engine = transaction.NewSipgoEngine(client,
		transaction.WithTimeout(c.cfg.Network.Timeout),
		transaction.WithLogger(c.logger),
	)
	return nil
}

// Registration менеджер регистрации
func (c *Client) Registration() *registration.Manager { return c.reg }

// Sessions сервис одноранговых сессий
func (c *Client) Sessions() *session.Service { return c.sessions }

// Contact локальный контакт клиента
func (c *Client) Contact() sip.Uri { return c.contact }

// Subscribe подписывается на события конференции resource. Повторный вызов
// для того же ресурса обновляет существующую подписку.
func (c *Client) Subscribe(ctx context.Context, resource string, participants []string) (*subscription.Manager, error) {
	var uri sip.Uri
	if err := sip.ParseUri(resource, &uri); err != nil {
		return nil, fmt.Errorf("invalid conference URI %q: %w", resource, err)
	}
	key := uri.String()

	c.subsMu.Lock()
	m, ok := c.subs[key]
	if !ok {
		m = subscription.NewManager(subscription.Config{
			Resource:     uri,
			LocalURI:     c.cfg.PublicURI(),
			Contact:      c.contact,
			LocalIP:      c.localIP,
			LocalPort:    c.localPort,
			Transport:    c.transport(),
			UserAgent:    c.cfg.Network.UserAgent,
			Expires:      c.cfg.Subscription.Expires,
			ServiceRoute: c.reg.ServiceRoute(),
			FeatureTags:  c.cfg.Session.FeatureTags,
			Credentials:  c.credentials(),
			Participants: participants,
		}, c.engine,
			subscription.WithScheduler(c.scheduler),
			subscription.WithStore(c.store),
			subscription.WithSettings(c.store),
			subscription.WithMetrics(c.metrics),
			subscription.WithLogger(c.logger),
			subscription.WithNormalizer(c.normalizer),
		)
		c.subs[key] = m
	}
	c.subsMu.Unlock()

	if err := m.Subscribe(ctx); err != nil {
		return m, err
	}
	return m, nil
}

// Unsubscribe снимает подписку на ресурс и забывает ее менеджер
func (c *Client) Unsubscribe(ctx context.Context, resource string) error {
	var uri sip.Uri
	if err := sip.ParseUri(resource, &uri); err != nil {
		return fmt.Errorf("invalid conference URI %q: %w", resource, err)
	}

	c.subsMu.Lock()
	m, ok := c.subs[uri.String()]
	delete(c.subs, uri.String())
	c.subsMu.Unlock()
	if !ok {
		return fmt.Errorf("no subscription for %s", resource)
	}

	err := m.Unsubscribe(ctx)
	m.Close()
	return err
}

// Run слушает SIP транспорт и /metrics, регистрирует устройство и ждет
// отмены ctx. При выходе регистрация снимается.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if c.server != nil {
		g.Go(func() error {
			c.logger.Info("SIP транспорт запущен",
				slog.String("transport", c.cfg.Network.Transport),
				slog.String("addr", c.cfg.Network.ListenAddr))
			return c.server.ListenAndServe(ctx, c.cfg.Network.Transport, c.cfg.Network.ListenAddr)
		})
	}
	if c.cfg.Metrics.Enabled {
		g.Go(func() error { return c.serveMetrics(ctx) })
	}

	g.Go(func() error {
		if err := c.reg.Register(ctx); err != nil {
			c.logger.Warn("Регистрация не удалась", slog.Any("error", err))
		}
		<-ctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if c.reg.IsRegistered() {
			if err := c.reg.Unregister(stopCtx); err != nil {
				c.logger.Warn("Снятие регистрации не удалось", slog.Any("error", err))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Client) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(c.cfg.Metrics.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         c.cfg.Metrics.Listen,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	c.logger.Info("Сервер метрик запущен",
		slog.String("addr", c.cfg.Metrics.Listen),
		slog.String("path", c.cfg.Metrics.Path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// Close останавливает таймеры, подписки и SIP стек
func (c *Client) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		c.removeListener()

		c.subsMu.Lock()
		for key, m := range c.subs {
			m.Close()
			delete(c.subs, key)
		}
		c.subsMu.Unlock()

		c.reg.Close()
		c.scheduler.Shutdown()
		if c.ua != nil {
			if err := c.ua.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := c.closeStore(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func (c *Client) closeStore() error {
	if !c.ownsStore {
		return nil
	}
	return c.store.Close()
}

// registered новый Service-Route уходит в сессии, приостановленные
// системой передачи возобновляются
func (c *Client) registered(registration.Status) {
	c.sessions.SetServiceRoute(c.reg.ServiceRoute())

	n, err := c.sessions.ResumeAllSystemPaused(context.Background())
	if err != nil {
		c.logger.Warn("Не все передачи возобновлены", slog.Any("error", err))
	}
	if n > 0 {
		c.logger.Info("Передачи возобновлены", slog.Int("count", n))
	}
}

func (c *Client) connectionLost() {
	n, err := c.sessions.PauseAllBySystem(context.Background())
	if err != nil {
		c.logger.Warn("Не все передачи приостановлены", slog.Any("error", err))
	}
	if n > 0 {
		c.logger.Info("Передачи приостановлены до регистрации", slog.Int("count", n))
	}
}

func (c *Client) credentials() auth.Credentials {
	return auth.Credentials{
		Username: c.cfg.User.PrivateID,
		Password: c.cfg.User.Password,
		Realm:    c.cfg.User.Realm,
	}
}

func (c *Client) transport() string {
	return strings.ToUpper(c.cfg.Network.Transport)
}

// localAddress адрес для Via и Contact: local_ip или хост listen_addr
func localAddress(n config.NetworkConfig) (string, int, error) {
	ip, port := n.LocalIP, n.LocalPort
	if n.ListenAddr != "" {
		host, p, err := net.SplitHostPort(n.ListenAddr)
		if err != nil {
			return "", 0, fmt.Errorf("invalid listen address %q: %w", n.ListenAddr, err)
		}
		if ip == "" && host != "" && host != "0.0.0.0" && host != "::" {
			ip = host
		}
		if port == 0 {
			if port, err = strconv.Atoi(p); err != nil {
				return "", 0, fmt.Errorf("invalid listen port %q: %w", p, err)
			}
		}
	}
	if ip == "" {
		ip = "127.0.0.1"
	}
	return ip, port, nil
}
