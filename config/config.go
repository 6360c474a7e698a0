package config

import (
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	DefaultBackendURL = "https://content.mql5.com"
	DefaultTimeoutMS  = 15000
	DefaultUserAgent  = "Finteza Go SDK/1.0"
)

type ServerConfig struct {
	Address           string `mapstructure:"address"`
	Environment       string `mapstructure:"environment"`
	TrustForwardedFor bool   `mapstructure:"trust_forwarded_for"`
}

type ProxyConfig struct {
	Path         string `mapstructure:"path"`
	Token        string `mapstructure:"token"`
	URL          string `mapstructure:"url"`
	Timeout      int    `mapstructure:"timeout"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

type EventsConfig struct {
	WebsiteID string  `mapstructure:"website_id"`
	UserAgent string  `mapstructure:"user_agent"`
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

type ConnectionConfig struct {
	DialTimeout       string `mapstructure:"dial_timeout"`
	KeepaliveInterval string `mapstructure:"keepalive_interval"`
	FailureThreshold  int    `mapstructure:"failure_threshold"`
	ResetTimeout      string `mapstructure:"reset_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Events     EventsConfig     `mapstructure:"events"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.trust_forwarded_for", false)
	v.SetDefault("proxy.path", "")
	v.SetDefault("proxy.token", "")
	v.SetDefault("proxy.url", DefaultBackendURL)
	v.SetDefault("proxy.timeout", DefaultTimeoutMS)
	v.SetDefault("proxy.max_body_bytes", 0)
	v.SetDefault("events.website_id", "")
	v.SetDefault("events.user_agent", DefaultUserAgent)
	v.SetDefault("events.rate_limit", 0)
	v.SetDefault("events.burst", 10)
	v.SetDefault("connection.dial_timeout", "10s")
	v.SetDefault("connection.keepalive_interval", "30s")
	v.SetDefault("connection.failure_threshold", 0)
	v.SetDefault("connection.reset_timeout", "30s")
	v.SetDefault("logging.level", LogLevelInfo)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Warn("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
				)
			}),
		),
		validation.Field(&c.Proxy,
			validation.Required,
			validation.By(func(value interface{}) error {
				pc, ok := value.(ProxyConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ProxyConfig")
				}
				return validation.ValidateStruct(&pc,
					validation.Field(&pc.Path, validation.Required),
					validation.Field(&pc.Token, validation.Required),
					validation.Field(&pc.URL,
						validation.Required,
						validation.By(validateServerURL),
					),
					validation.Field(&pc.MaxBodyBytes, validation.Min(int64(0))),
				)
			}),
		),
		validation.Field(&c.Events,
			validation.By(func(value interface{}) error {
				ec, ok := value.(EventsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an EventsConfig")
				}
				return validation.ValidateStruct(&ec,
					validation.Field(&ec.UserAgent, validation.Required),
					validation.Field(&ec.RateLimit, validation.Min(0.0)),
					validation.Field(&ec.Burst, validation.Min(0)),
				)
			}),
		),
		validation.Field(&c.Connection,
			validation.Required,
			validation.By(func(value interface{}) error {
				cc, ok := value.(ConnectionConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ConnectionConfig")
				}
				return validation.ValidateStruct(&cc,
					validation.Field(&cc.DialTimeout,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&cc.KeepaliveInterval,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&cc.FailureThreshold, validation.Min(0)),
					validation.Field(&cc.ResetTimeout,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
	)
}

// TimeoutMillis returns the configured proxy timeout for proxy.ResolveTimeout.
func (pc ProxyConfig) TimeoutMillis() *int {
	ms := pc.Timeout
	return &ms
}

// DialTimeoutDuration returns the parsed dial timeout. Validate has already
// rejected malformed values.
func (cc ConnectionConfig) DialTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(cc.DialTimeout)
	return d
}

// KeepaliveDuration returns the parsed ping interval; zero disables pinging.
func (cc ConnectionConfig) KeepaliveDuration() time.Duration {
	d, _ := time.ParseDuration(cc.KeepaliveInterval)
	return d
}

// ResetTimeoutDuration returns how long an open dial breaker refuses dials.
func (cc ConnectionConfig) ResetTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(cc.ResetTimeout)
	return d
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}
	if d < 0 {
		return validation.NewError("validation_negative_duration", "duration cannot be negative")
	}

	return nil
}

func validateServerURL(value interface{}) error {
	serverURL, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if serverURL == "" {
		return validation.NewError("validation_empty_url", "server URL cannot be empty")
	}

	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}
