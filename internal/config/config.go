// AngelaMos | 2026
// config.go

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	ProviderNone   = "none"
	ProviderPrivy  = "privy"
	ProviderGoogle = "google"
)

type Config struct {
	App       AppConfig       `koanf:"app"`
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Session   SessionConfig   `koanf:"session"`
	Identity  IdentityConfig  `koanf:"identity"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Email     EmailConfig     `koanf:"email"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	CORS      CORSConfig      `koanf:"cors"`
	Log       LogConfig       `koanf:"log"`
	Otel      OtelConfig      `koanf:"otel"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Admin     AdminConfig     `koanf:"admin"`
}

type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

type RedisConfig struct {
	URL          string `koanf:"url"`
	PoolSize     int    `koanf:"pool_size"`
	MinIdleConns int    `koanf:"min_idle_conns"`
	KeyPrefix    string `koanf:"key_prefix"`
}

// SessionConfig covers the portal's own session tokens and the per-session
// local cache slot.
type SessionConfig struct {
	PrivateKeyPath string        `koanf:"private_key_path"`
	TokenExpire    time.Duration `koanf:"token_expire"`
	Issuer         string        `koanf:"issuer"`
	Audience       string        `koanf:"audience"`
	CookieName     string        `koanf:"cookie_name"`
	CookieSecure   bool          `koanf:"cookie_secure"`
	CacheTTL       time.Duration `koanf:"cache_ttl"`
	IdleTimeout    time.Duration `koanf:"idle_timeout"`
}

type IdentityConfig struct {
	Provider string       `koanf:"provider"`
	Privy    PrivyConfig  `koanf:"privy"`
	Google   GoogleConfig `koanf:"google"`
}

type PrivyConfig struct {
	AppID               string        `koanf:"app_id"`
	AppSecret           string        `koanf:"app_secret"`
	VerificationKey     string        `koanf:"verification_key"`
	VerificationKeyPath string        `koanf:"verification_key_path"`
	APIURL              string        `koanf:"api_url"`
	Issuer              string        `koanf:"issuer"`
	RequestTimeout      time.Duration `koanf:"request_timeout"`
}

type GoogleConfig struct {
	ClientID string `koanf:"client_id"`
}

type UpstreamConfig struct {
	AuthURL       string        `koanf:"auth_url"`
	KYCURL        string        `koanf:"kyc_url"`
	RWAURL        string        `koanf:"rwa_url"`
	InvestmentURL string        `koanf:"investment_url"`
	APISecretKey  string        `koanf:"api_secret_key"`
	PersonaAPIKey string        `koanf:"persona_api_key"`
	Timeout       time.Duration `koanf:"timeout"`
}

type EmailConfig struct {
	ResendAPIKey     string   `koanf:"resend_api_key"`
	ResendURL        string   `koanf:"resend_url"`
	From             string   `koanf:"from"`
	ConfirmationFrom string   `koanf:"confirmation_from"`
	TeamRecipients   []string `koanf:"team_recipients"`
}

type KafkaConfig struct {
	Brokers  []string `koanf:"brokers"`
	Topic    string   `koanf:"topic"`
	ClientID string   `koanf:"client_id"`
}

type RateLimitConfig struct {
	Requests int           `koanf:"requests"`
	Window   time.Duration `koanf:"window"`
	Burst    int           `koanf:"burst"`
}

type CORSConfig struct {
	AllowedOrigins   []string `koanf:"allowed_origins"`
	AllowedMethods   []string `koanf:"allowed_methods"`
	AllowedHeaders   []string `koanf:"allowed_headers"`
	AllowCredentials bool     `koanf:"allow_credentials"`
	MaxAge           int      `koanf:"max_age"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type OtelConfig struct {
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	Enabled     bool    `koanf:"enabled"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

type AdminConfig struct {
	APIKey string `koanf:"api_key"`
}

func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", envKeyValue), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"app.name":        "ErisRWA Portal",
		"app.version":     "1.0.0",
		"app.environment": "development",

		"server.host":             "0.0.0.0",
		"server.port":             8080,
		"server.read_timeout":     "30s",
		"server.write_timeout":    "30s",
		"server.idle_timeout":     "120s",
		"server.shutdown_timeout": "15s",

		"database.max_open_conns":     25,
		"database.max_idle_conns":     5,
		"database.conn_max_lifetime":  "1h",
		"database.conn_max_idle_time": "30m",
		"database.auto_migrate":       true,

		"redis.pool_size":      10,
		"redis.min_idle_conns": 5,
		"redis.key_prefix":     "rwa",

		"session.private_key_path": "keys/session.pem",
		"session.token_expire":     "168h",
		"session.issuer":           "erisrwa-portal",
		"session.audience":         "erisrwa-web",
		"session.cookie_name":      "rwa_session",
		"session.cookie_secure":    true,
		"session.cache_ttl":        "720h",
		"session.idle_timeout":     "30m",

		"identity.provider":              ProviderNone,
		"identity.privy.api_url":         "https://auth.privy.io/api/v1",
		"identity.privy.issuer":          "privy.io",
		"identity.privy.request_timeout": "10s",

		"upstream.timeout": "15s",

		"email.resend_url":        "https://api.resend.com",
		"email.from":              "ErisRWA Contact <noreply@erisrwa.com>",
		"email.confirmation_from": "ErisRWA <noreply@erisrwa.com>",
		"email.team_recipients": []string{
			"silviam@bmbweb3.com",
			"julio.cruz@eb-ms.net",
		},

		"kafka.topic":     "rwa.session.events",
		"kafka.client_id": "erisrwa-portal",

		"rate_limit.requests": 100,
		"rate_limit.window":   "1m",
		"rate_limit.burst":    20,

		"cors.allowed_origins": []string{"http://localhost:5173"},
		"cors.allowed_methods": []string{
			"GET",
			"POST",
			"PUT",
			"PATCH",
			"DELETE",
			"OPTIONS",
		},
		"cors.allowed_headers": []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"X-Request-ID",
		},
		"cors.allow_credentials": true,
		"cors.max_age":           300,

		"log.level":  "info",
		"log.format": "json",

		"otel.enabled":      false,
		"otel.insecure":     true,
		"otel.sample_rate":  0.1,
		"otel.service_name": "erisrwa-portal",

		"metrics.enabled": true,
		"metrics.path":    "/metrics",
	}

	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

var envKeyMap = map[string]string{
	"DATABASE_URL":                "database.url",
	"REDIS_URL":                   "redis.url",
	"ENVIRONMENT":                 "app.environment",
	"HOST":                        "server.host",
	"PORT":                        "server.port",
	"LOG_LEVEL":                   "log.level",
	"LOG_FORMAT":                  "log.format",
	"SESSION_PRIVATE_KEY_PATH":    "session.private_key_path",
	"SESSION_TOKEN_EXPIRE":        "session.token_expire",
	"SESSION_COOKIE_SECURE":       "session.cookie_secure",
	"IDENTITY_PROVIDER":           "identity.provider",
	"PRIVY_APP_ID":                "identity.privy.app_id",
	"PRIVY_APP_SECRET":            "identity.privy.app_secret",
	"PRIVY_VERIFICATION_KEY":      "identity.privy.verification_key",
	"PRIVY_VERIFICATION_KEY_PATH": "identity.privy.verification_key_path",
	"GOOGLE_CLIENT_ID":            "identity.google.client_id",
	"AUTH_SERVICE_URL":            "upstream.auth_url",
	"KYC_SERVICE_URL":             "upstream.kyc_url",
	"RWA_SERVICE_URL":             "upstream.rwa_url",
	"INVESTMENT_SERVICE_URL":      "upstream.investment_url",
	"API_SECRET_KEY":              "upstream.api_secret_key",
	"PERSONA_API_KEY":             "upstream.persona_api_key",
	"RESEND_API_KEY":              "email.resend_api_key",
	"CONTACT_TEAM_RECIPIENTS":     "email.team_recipients",
	"KAFKA_BROKERS":               "kafka.brokers",
	"KAFKA_TOPIC":                 "kafka.topic",
	"RATE_LIMIT_REQUESTS":         "rate_limit.requests",
	"RATE_LIMIT_WINDOW":           "rate_limit.window",
	"RATE_LIMIT_BURST":            "rate_limit.burst",
	"CORS_ALLOWED_ORIGINS":        "cors.allowed_origins",
	"OTEL_ENDPOINT":               "otel.endpoint",
	"OTEL_EXPORTER_OTLP_ENDPOINT": "otel.endpoint",
	"OTEL_SERVICE_NAME":           "otel.service_name",
	"OTEL_ENABLED":                "otel.enabled",
	"OTEL_INSECURE":               "otel.insecure",
	"OTEL_SAMPLE_RATE":            "otel.sample_rate",
	"METRICS_ENABLED":             "metrics.enabled",
	"ADMIN_API_KEY":               "admin.api_key",
}

var listKeys = map[string]bool{
	"email.team_recipients": true,
	"kafka.brokers":         true,
	"cors.allowed_origins":  true,
}

func envKeyValue(key, value string) (string, any) {
	mapped, ok := envKeyMap[key]
	if !ok {
		return "", nil
	}

	if listKeys[mapped] {
		return mapped, splitList(value)
	}

	return mapped, value
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validate(c *Config) error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Session.PrivateKeyPath == "" {
		return fmt.Errorf("SESSION_PRIVATE_KEY_PATH is required")
	}

	if c.Session.TokenExpire <= 0 {
		return fmt.Errorf("session.token_expire must be positive")
	}

	switch c.Identity.Provider {
	case ProviderNone, "":
	case ProviderPrivy:
		if c.Identity.Privy.AppID == "" {
			return fmt.Errorf("PRIVY_APP_ID is required for the privy provider")
		}
		if c.Identity.Privy.VerificationKey == "" &&
			c.Identity.Privy.VerificationKeyPath == "" {
			return fmt.Errorf(
				"PRIVY_VERIFICATION_KEY or PRIVY_VERIFICATION_KEY_PATH is required for the privy provider",
			)
		}
	case ProviderGoogle:
		if c.Identity.Google.ClientID == "" {
			return fmt.Errorf("GOOGLE_CLIENT_ID is required for the google provider")
		}
	default:
		return fmt.Errorf("unknown identity provider %q", c.Identity.Provider)
	}

	if c.CORS.AllowCredentials {
		for _, origin := range c.CORS.AllowedOrigins {
			if origin == "*" {
				return fmt.Errorf(
					"CORS wildcard '*' cannot be used with AllowCredentials",
				)
			}
		}
	}

	if c.App.Environment == "production" {
		if c.Otel.Enabled && c.Otel.Insecure {
			return fmt.Errorf("OTEL_INSECURE must be false in production")
		}
		if !c.Session.CookieSecure {
			return fmt.Errorf("SESSION_COOKIE_SECURE must be true in production")
		}
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}

	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}

	return nil
}

func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
