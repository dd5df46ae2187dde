// Package config загружает конфигурацию клиента через viper: YAML файл,
// переменные окружения с префиксом RCS и значения по умолчанию.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/spf13/viper"

	"github.com/arzzra/rcs_core/pkg/logging"
)

// EnvPrefix префикс переменных окружения: RCS_USER_PASSWORD и т.п.
const EnvPrefix = "RCS"

// Config корневая конфигурация
type Config struct {
	User         UserConfig         `mapstructure:"user"`
	Network      NetworkConfig      `mapstructure:"network"`
	Registration RegistrationConfig `mapstructure:"registration"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Session      SessionConfig      `mapstructure:"session"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Log          logging.Config     `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// UserConfig идентичность и учетные данные
type UserConfig struct {
	PublicURI   string `mapstructure:"public_uri"`
	PrivateID   string `mapstructure:"private_id"`
	Password    string `mapstructure:"password"`
	Realm       string `mapstructure:"realm"`
	DisplayName string `mapstructure:"display_name"`
	CountryCode string `mapstructure:"country_code"`
	AreaCode    string `mapstructure:"area_code"`
}

// NetworkConfig транспорт и адреса IMS
type NetworkConfig struct {
	Transport     string        `mapstructure:"transport"`
	ListenAddr    string        `mapstructure:"listen_addr"`
	LocalIP       string        `mapstructure:"local_ip"`
	LocalPort     int           `mapstructure:"local_port"`
	Registrar     string        `mapstructure:"registrar"`
	OutboundProxy string        `mapstructure:"outbound_proxy"`
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"transaction_timeout"`
}

// RegistrationConfig параметры REGISTER
type RegistrationConfig struct {
	Expires     time.Duration `mapstructure:"expires"`
	FeatureTags []string      `mapstructure:"feature_tags"`
}

// SubscriptionConfig параметры подписки на конференции
type SubscriptionConfig struct {
	Expires time.Duration `mapstructure:"expires"`
}

// SessionConfig лимиты и медиа одноранговых сессий
type SessionConfig struct {
	MaxSessions            int      `mapstructure:"max_sessions"`
	MaxOutgoingTransfers   int      `mapstructure:"max_outgoing_transfers"`
	MaxFileSize            int64    `mapstructure:"max_file_size"`
	AutoAcceptFileTransfer bool     `mapstructure:"auto_accept_file_transfer"`
	MediaPort              int      `mapstructure:"media_port"`
	FeatureTags            []string `mapstructure:"feature_tags"`
}

// StorageConfig путь к базе SQLite
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Listen    string `mapstructure:"listen"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// Load читает конфигурацию из файла (может быть пустым) и окружения
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("user.public_uri", "")
	v.SetDefault("user.private_id", "")
	v.SetDefault("user.password", "")
	v.SetDefault("user.realm", "")
	v.SetDefault("user.display_name", "")
	v.SetDefault("user.country_code", "")
	v.SetDefault("user.area_code", "0")

	v.SetDefault("network.transport", "udp")
	v.SetDefault("network.listen_addr", "0.0.0.0:5060")
	v.SetDefault("network.local_ip", "")
	v.SetDefault("network.local_port", 5060)
	v.SetDefault("network.registrar", "")
	v.SetDefault("network.outbound_proxy", "")
	v.SetDefault("network.user_agent", "rcs-core")
	v.SetDefault("network.transaction_timeout", "32s")

	v.SetDefault("registration.expires", "0s")
	v.SetDefault("registration.feature_tags", []string{})
	v.SetDefault("subscription.expires", "3600s")

	v.SetDefault("session.max_sessions", 0)
	v.SetDefault("session.max_outgoing_transfers", 1)
	v.SetDefault("session.max_file_size", 0)
	v.SetDefault("session.auto_accept_file_transfer", false)
	v.SetDefault("session.media_port", 7394)
	v.SetDefault("session.feature_tags", []string{})

	v.SetDefault("storage.path", "rcs.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.enabled", false)
	v.SetDefault("log.file.path", "rcs.log")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9091")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "rcs")
}

// ValidateAndApplyDefaults проверяет обязательные поля и выводит производные
func (c *Config) ValidateAndApplyDefaults() error {
	var errs []error

	if c.User.PublicURI == "" {
		errs = append(errs, errors.New("user.public_uri is required"))
	} else if _, err := parseURI(c.User.PublicURI); err != nil {
		errs = append(errs, fmt.Errorf("user.public_uri: %w", err))
	}
	if c.Network.Registrar == "" {
		errs = append(errs, errors.New("network.registrar is required"))
	} else if _, err := parseURI(c.Network.Registrar); err != nil {
		errs = append(errs, fmt.Errorf("network.registrar: %w", err))
	}
	if c.Network.OutboundProxy != "" {
		if _, err := parseURI(c.Network.OutboundProxy); err != nil {
			errs = append(errs, fmt.Errorf("network.outbound_proxy: %w", err))
		}
	}

	c.Network.Transport = strings.ToLower(c.Network.Transport)
	switch c.Network.Transport {
	case "udp", "tcp":
	default:
		errs = append(errs, fmt.Errorf("network.transport must be udp or tcp, got %q", c.Network.Transport))
	}
	if c.Session.MaxSessions < 0 || c.Session.MaxOutgoingTransfers < 0 {
		errs = append(errs, errors.New("session limits must not be negative"))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics are enabled"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.User.PrivateID == "" {
		u, _ := parseURI(c.User.PublicURI)
		c.User.PrivateID = u.User + "@" + u.Host
	}
	if c.User.Realm == "" {
		u, _ := parseURI(c.User.PublicURI)
		c.User.Realm = u.Host
	}
	return nil
}

// PublicURI разобранная публичная идентичность
func (c *Config) PublicURI() sip.Uri {
	u, _ := parseURI(c.User.PublicURI)
	return u
}

// RegistrarURI разобранный адрес регистратора
func (c *Config) RegistrarURI() sip.Uri {
	u, _ := parseURI(c.Network.Registrar)
	return u
}

// OutboundProxyURI предзагруженный маршрут; пустой, если прокси не задан
func (c *Config) OutboundProxyURI() []sip.Uri {
	if c.Network.OutboundProxy == "" {
		return nil
	}
	u, _ := parseURI(c.Network.OutboundProxy)
	return []sip.Uri{u}
}

func parseURI(s string) (sip.Uri, error) {
	var u sip.Uri
	if err := sip.ParseUri(s, &u); err != nil {
		return sip.Uri{}, err
	}
	if u.Host == "" {
		return sip.Uri{}, fmt.Errorf("no host in %q", s)
	}
	return u, nil
}
