package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "BOOKSHELF"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabasePath      = "bookshelf.db"
	defaultLogLevel          = "info"
	defaultIssuer            = "bookshelf-api"
	defaultAudience          = "bookshelf-clients"
	defaultTokenTTLMinutes   = 60
	defaultPasswordCost      = 10
	defaultSessionStore      = "database"
	defaultSessionCookieName = "bookshelf_session"
	defaultSessionLifetime   = 24 * 60
	defaultRateLimitRequests = 100
	defaultRateLimitWindow   = 15
	minimumSecretLength      = 32
)

// Session store backends.
const (
	SessionStoreDatabase = "database"
	SessionStoreRedis    = "redis"
	SessionStoreMemory   = "memory"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration

	PasswordCost    int
	PasswordWorkers int64

	SessionStore        string
	SessionCookieName   string
	SessionLifetime     time.Duration
	SessionSecureCookie bool
	RedisAddress        string
	RedisPassword       string

	GitHubClientID      string
	GitHubClientSecret  string
	GitHubCallbackURL   string
	OAuthSuccessURL     string
	OAuthLinkByEmail    bool
	RateLimitRequests   int
	RateLimitWindow     time.Duration
	CORSAllowedOrigins  []string
	EventsHeartbeatSecs int
}

// GitHubEnabled reports whether GitHub OAuth credentials are configured.
func (c AppConfig) GitHubEnabled() bool {
	return c.GitHubClientID != "" && c.GitHubClientSecret != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("password.cost", defaultPasswordCost)
	configViper.SetDefault("password.workers", 0)
	configViper.SetDefault("session.store", defaultSessionStore)
	configViper.SetDefault("session.cookie_name", defaultSessionCookieName)
	configViper.SetDefault("session.lifetime_minutes", defaultSessionLifetime)
	configViper.SetDefault("session.secure_cookie", false)
	configViper.SetDefault("oauth.link_by_email", true)
	configViper.SetDefault("ratelimit.requests", defaultRateLimitRequests)
	configViper.SetDefault("ratelimit.window_minutes", defaultRateLimitWindow)
	configViper.SetDefault("events.heartbeat_seconds", 25)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         strings.TrimSpace(configViper.GetString("http.address")),
		LogLevel:            configViper.GetString("log.level"),
		DatabaseDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:        strings.TrimSpace(configViper.GetString("database.path")),
		DatabaseDSN:         strings.TrimSpace(configViper.GetString("database.dsn")),
		SigningSecret:       configViper.GetString("auth.signing_secret"),
		Issuer:              strings.TrimSpace(configViper.GetString("auth.issuer")),
		Audience:            strings.TrimSpace(configViper.GetString("auth.audience")),
		TokenTTL:            time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		PasswordCost:        configViper.GetInt("password.cost"),
		PasswordWorkers:     configViper.GetInt64("password.workers"),
		SessionStore:        strings.ToLower(strings.TrimSpace(configViper.GetString("session.store"))),
		SessionCookieName:   strings.TrimSpace(configViper.GetString("session.cookie_name")),
		SessionLifetime:     time.Duration(configViper.GetInt("session.lifetime_minutes")) * time.Minute,
		SessionSecureCookie: configViper.GetBool("session.secure_cookie"),
		RedisAddress:        strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:       configViper.GetString("redis.password"),
		GitHubClientID:      strings.TrimSpace(configViper.GetString("github.client_id")),
		GitHubClientSecret:  strings.TrimSpace(configViper.GetString("github.client_secret")),
		GitHubCallbackURL:   strings.TrimSpace(configViper.GetString("github.callback_url")),
		OAuthSuccessURL:     strings.TrimSpace(configViper.GetString("oauth.success_redirect")),
		OAuthLinkByEmail:    configViper.GetBool("oauth.link_by_email"),
		RateLimitRequests:   configViper.GetInt("ratelimit.requests"),
		RateLimitWindow:     time.Duration(configViper.GetInt("ratelimit.window_minutes")) * time.Minute,
		CORSAllowedOrigins:  splitList(configViper.GetStringSlice("cors.allowed_origins")),
		EventsHeartbeatSecs: configViper.GetInt("events.heartbeat_seconds"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// splitList accepts both list values and a single comma separated env value.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

func (c AppConfig) validate() error {
	if len(strings.TrimSpace(c.SigningSecret)) < minimumSecretLength {
		return fmt.Errorf("auth.signing_secret must be at least %d characters", minimumSecretLength)
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if c.DatabasePath == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.Issuer == "" || c.Audience == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	switch c.SessionStore {
	case SessionStoreDatabase, SessionStoreMemory:
	case SessionStoreRedis:
		if c.RedisAddress == "" {
			return fmt.Errorf("redis.address is required when session.store is redis")
		}
	default:
		return fmt.Errorf("session.store must be database, redis or memory, got %q", c.SessionStore)
	}
	if c.SessionCookieName == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.SessionLifetime <= 0 {
		return fmt.Errorf("session.lifetime_minutes must be positive")
	}
	if (c.GitHubClientID == "") != (c.GitHubClientSecret == "") {
		return fmt.Errorf("github.client_id and github.client_secret must be set together")
	}
	if c.GitHubEnabled() && c.GitHubCallbackURL == "" {
		return fmt.Errorf("github.callback_url is required when github oauth is enabled")
	}
	if c.RateLimitRequests > 0 && c.RateLimitWindow <= 0 {
		return fmt.Errorf("ratelimit.window_minutes must be positive when rate limiting is enabled")
	}
	return nil
}
