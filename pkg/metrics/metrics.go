// Package metrics экспортирует Prometheus метрики сигнального ядра
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config конфигурация системы метрик
type Config struct {
	// Enabled включает/выключает сбор метрик
	Enabled bool
	// Namespace префикс метрик
	Namespace string
	// Registerer реестр; nil означает prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{Enabled: true, Namespace: "rcs"}
}

// Collector собирает метрики регистрации, подписок и сессий.
// Методы безопасны для nil получателя.
type Collector struct {
	registrations     *prometheus.CounterVec
	registrationState *prometheus.GaugeVec
	subscriptions     *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	rosterChanges     *prometheus.CounterVec
	sessionStates     *prometheus.CounterVec
	sessionsActive    *prometheus.GaugeVec
}

// NewCollector создает и регистрирует метрики. Для выключенной конфигурации
// возвращается nil, все методы которого ничего не делают.
func NewCollector(cfg Config) *Collector {
	if !cfg.Enabled {
		return nil
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	ns := cfg.Namespace

	return &Collector{
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "registration",
			Name:      "responses_total",
			Help:      "REGISTER final responses by status code",
		}, []string{"status"}),
		registrationState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "registration",
			Name:      "state",
			Help:      "Current registration state (1 for the active state)",
		}, []string{"state"}),
		subscriptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "subscription",
			Name:      "responses_total",
			Help:      "SUBSCRIBE final responses by event package and status code",
		}, []string{"event", "status"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "subscription",
			Name:      "notifications_total",
			Help:      "NOTIFY requests processed by event package and state",
		}, []string{"event", "state"}),
		rosterChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "subscription",
			Name:      "participant_changes_total",
			Help:      "Participant status changes by status",
		}, []string{"status"}),
		sessionStates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Peer session transitions by kind, state and reason",
		}, []string{"kind", "state", "reason"}),
		sessionsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "session",
			Name:      "active",
			Help:      "Live peer sessions in the active registry",
		}, []string{"kind"}),
	}
}

// RegistrationResponse учитывает финальный ответ на REGISTER; 0 означает таймаут
func (c *Collector) RegistrationResponse(status int) {
	if c == nil {
		return
	}
	c.registrations.WithLabelValues(statusLabel(status)).Inc()
}

// RegistrationState отмечает текущее состояние регистрации
func (c *Collector) RegistrationState(previous, current string) {
	if c == nil {
		return
	}
	if previous != "" {
		c.registrationState.WithLabelValues(previous).Set(0)
	}
	c.registrationState.WithLabelValues(current).Set(1)
}

// SubscriptionResponse учитывает финальный ответ на SUBSCRIBE
func (c *Collector) SubscriptionResponse(event string, status int) {
	if c == nil {
		return
	}
	c.subscriptions.WithLabelValues(event, statusLabel(status)).Inc()
}

// Notification учитывает обработанный NOTIFY
func (c *Collector) Notification(event, state string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(event, state).Inc()
}

// ParticipantChanged учитывает изменение статуса участника
func (c *Collector) ParticipantChanged(status string) {
	if c == nil {
		return
	}
	c.rosterChanges.WithLabelValues(status).Inc()
}

// SessionTransition учитывает переход состояния сессии
func (c *Collector) SessionTransition(kind, state, reason string) {
	if c == nil {
		return
	}
	c.sessionStates.WithLabelValues(kind, state, reason).Inc()
}

// SessionsActive задает число живых сессий
func (c *Collector) SessionsActive(kind string, n int) {
	if c == nil {
		return
	}
	c.sessionsActive.WithLabelValues(kind).Set(float64(n))
}

func statusLabel(status int) string {
	if status == 0 {
		return "timeout"
	}
	return strconv.Itoa(status)
}
