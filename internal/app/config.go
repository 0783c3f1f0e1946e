package app

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds runtime configuration for the application.
type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	AppAddr           string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout    time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout   time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	AppRequestTimeout time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"30s"`
	AppRateLimit      int           `envconfig:"APP_RATE_LIMIT" default:"120"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	APIBaseURL string        `envconfig:"API_BASE_URL"`
	APIToken   string        `envconfig:"API_TOKEN"`
	APITimeout time.Duration `envconfig:"API_TIMEOUT" default:"10s"`

	// RedisAddr empty keeps all state in process memory.
	RedisAddr       string `envconfig:"REDIS_ADDR"`
	MemoryCacheSize int    `envconfig:"MEMORY_CACHE_SIZE" default:"256"`

	EntitlementCacheTTL       time.Duration `envconfig:"ENTITLEMENT_CACHE_TTL" default:"5m"`
	EntitlementCacheRetention time.Duration `envconfig:"ENTITLEMENT_CACHE_RETENTION" default:"24h"`

	ElevatedRole       string        `envconfig:"ELEVATED_ROLE" default:"SUPER_ADMIN"`
	RoleOnlyFamilies   []string      `envconfig:"ROLE_ONLY_FAMILIES" default:"INBOX"`
	RefreshMinInterval time.Duration `envconfig:"REFRESH_MIN_INTERVAL" default:"30s"`

	WarmupScopes []string `envconfig:"WARMUP_SCOPES"`
	WarmupCron   string   `envconfig:"WARMUP_CRON" default:"*/4 * * * *"`
}

// LoadConfig reads configuration from environment variables. Overrides run
// after the environment is read and before validation.
func LoadConfig(overrides ...func(*Config)) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	for _, apply := range overrides {
		apply(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return errors.New("api base url must be provided")
	}
	u, err := url.Parse(strings.TrimSpace(c.APIBaseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("api base url must be an absolute url")
	}
	if c.EntitlementCacheTTL <= 0 {
		return errors.New("entitlement cache ttl must be positive")
	}
	if c.EntitlementCacheRetention < c.EntitlementCacheTTL {
		return errors.New("entitlement cache retention must not be shorter than its ttl")
	}
	return nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

// UsesRedis reports whether shared state lives in Redis.
func (c *Config) UsesRedis() bool {
	return c != nil && strings.TrimSpace(c.RedisAddr) != ""
}
