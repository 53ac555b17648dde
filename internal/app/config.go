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

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	APIURL     string        `envconfig:"BUGBRIDGE_API_URL" default:"http://127.0.0.1:8000/api"`
	APITimeout time.Duration `envconfig:"BUGBRIDGE_API_TIMEOUT" default:"15s"`

	RedisAddr     string        `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	SessionSecret string        `envconfig:"SESSION_SECRET" required:"true"`
	SessionTTL    time.Duration `envconfig:"SESSION_TTL" default:"720h"`

	CSRFSecret string `envconfig:"CSRF_SECRET" required:"true"`

	RestoreGrace       time.Duration `envconfig:"SESSION_RESTORE_GRACE" default:"100ms"`
	RestoreWait        time.Duration `envconfig:"SESSION_RESTORE_WAIT" default:"3s"`
	RefreshLead        time.Duration `envconfig:"SESSION_REFRESH_LEAD" default:"5m"`
	RefreshMinInterval time.Duration `envconfig:"SESSION_REFRESH_MIN_INTERVAL" default:"1m"`
	WorkspaceIdleTTL   time.Duration `envconfig:"WORKSPACE_IDLE_TTL" default:"30m"`

	SweepSpec  string        `envconfig:"SWEEP_SPEC" default:"@every 15m"`
	SweepGrace time.Duration `envconfig:"SWEEP_GRACE" default:"24h"`

	WorkerMetricsAddr string `envconfig:"WORKER_METRICS_ADDR" default:":9091"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot express.
func (c *Config) Validate() error {
	if c.SessionSecret == "" {
		return errors.New("session secret must be provided")
	}
	if c.CSRFSecret == "" {
		return errors.New("csrf secret must be provided")
	}
	u, err := url.Parse(strings.TrimSpace(c.APIURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("BUGBRIDGE_API_URL must be an absolute URL")
	}
	if c.RefreshLead < 0 || c.RestoreGrace < 0 || c.RestoreWait < 0 {
		return errors.New("session durations must not be negative")
	}
	return nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}
