package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"

	"github.com/SirClappington/prcworker/internal/domain"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"production"`
	APIAddr       string `env:"API_ADDR" envDefault:":5001"`
	ReplicaID     string `env:"REPLICA_ID" envDefault:"dev"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	BaseURL       string `env:"PRC_BASE_URL" envDefault:"https://api.policeroleplay.community"`
	GlobalKey     string `env:"PRC_GLOBAL_KEY"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	PublishResult bool   `env:"REDIS_PUBLISH_RESULTS" envDefault:"false"`
	DiscordURL    string `env:"DISCORD_WEBHOOK_URL"`

	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	MaxRetries      int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryDelay      time.Duration `env:"RETRY_DELAY" envDefault:"10s"`
	RetryJitter     time.Duration `env:"RETRY_JITTER" envDefault:"5s"`
	BreakerWindow   time.Duration `env:"BREAKER_WINDOW" envDefault:"20s"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"15s"`
	CacheTTL        time.Duration `env:"CACHE_TTL" envDefault:"5s"`

	PollKeys      []string      `env:"POLL_KEYS" envSeparator:","`
	PollEndpoints []string      `env:"POLL_ENDPOINTS" envSeparator:","`
	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"15s"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, errors.Wrap(err, "parse environment")
	}
	return c, c.Validate()
}

func (c Config) IsDevelopment() bool { return c.AppEnv == "development" }

// UseRedis reports whether the shared Redis tier should be attempted.
func (c Config) UseRedis() bool { return c.RedisAddr != "" && !c.IsDevelopment() }

func (c Config) Validate() error {
	durations := map[string]time.Duration{
		"REQUEST_TIMEOUT":  c.RequestTimeout,
		"RETRY_DELAY":      c.RetryDelay,
		"BREAKER_WINDOW":   c.BreakerWindow,
		"UPSTREAM_TIMEOUT": c.UpstreamTimeout,
		"CACHE_TTL":        c.CacheTTL,
		"POLL_INTERVAL":    c.PollInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return errors.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.RetryJitter < 0 {
		return errors.Errorf("RETRY_JITTER must not be negative, got %s", c.RetryJitter)
	}
	if c.MaxRetries < 0 {
		return errors.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if _, err := c.Polls(); err != nil {
		return err
	}
	return nil
}

// Polls resolves POLL_ENDPOINTS against the endpoint catalog.
func (c Config) Polls() ([]domain.Endpoint, error) {
	out := make([]domain.Endpoint, 0, len(c.PollEndpoints))
	for _, name := range c.PollEndpoints {
		e, err := domain.ParseEndpoint(name)
		if err != nil {
			return nil, errors.Wrap(err, "POLL_ENDPOINTS")
		}
		out = append(out, e)
	}
	return out, nil
}
