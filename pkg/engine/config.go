package engine

import (
	"fmt"
	"slices"

	"github.com/dmitrymomot/notifykit/pkg/config"
	"github.com/dmitrymomot/notifykit/pkg/mongo"
	"github.com/dmitrymomot/notifykit/pkg/notifications"
	"github.com/dmitrymomot/notifykit/pkg/notifications/channels"
	"github.com/dmitrymomot/notifykit/pkg/pg"
	"github.com/dmitrymomot/notifykit/pkg/redis"
)

// Backend names accepted by Config.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendRedis    = "redis"
)

// Config describes a complete engine. Every nested struct is read from the
// same environment.
type Config struct {
	Env         string `env:"NOTIFY_ENV" envDefault:"development"`
	ServiceName string `env:"NOTIFY_SERVICE_NAME" envDefault:"notifykit"`

	Storage        string `env:"NOTIFY_STORAGE" envDefault:"memory"`         // memory | postgres | mongo
	Locker         string `env:"NOTIFY_LOCKER" envDefault:"memory"`          // memory | redis
	InAppTransport string `env:"NOTIFY_INAPP_TRANSPORT" envDefault:"memory"` // memory | redis

	// Simulate replaces every channel with a SimulatedDeliverer.
	Simulate bool `env:"NOTIFY_SIMULATE" envDefault:"false"`
	// SimulatedFailureRates sets per-channel failure rates, e.g. "email:0.2,chat:0.5".
	SimulatedFailureRates map[string]float64 `env:"NOTIFY_SIMULATED_FAILURE_RATES"`

	Notifications notifications.Config
	Postgres      pg.Config
	Redis         redis.Config
	Mongo         mongo.Config
	Email         channels.EmailConfig
	Chat          channels.ChatConfig
	InApp         channels.InAppConfig
	Kafka         channels.KafkaConfig
}

// LoadConfig reads Config from the environment and validates it.
func LoadConfig(opts ...config.Option) (Config, error) {
	var cfg Config
	if err := config.Load(&cfg, opts...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks backend names and simulated failure rates.
func (c Config) Validate() error {
	if !slices.Contains([]string{BackendMemory, BackendPostgres, BackendMongo}, c.Storage) {
		return fmt.Errorf("%w: unknown storage %q", ErrInvalidConfig, c.Storage)
	}
	if !slices.Contains([]string{BackendMemory, BackendRedis}, c.Locker) {
		return fmt.Errorf("%w: unknown locker %q", ErrInvalidConfig, c.Locker)
	}
	if !slices.Contains([]string{BackendMemory, BackendRedis}, c.InAppTransport) {
		return fmt.Errorf("%w: unknown in-app transport %q", ErrInvalidConfig, c.InAppTransport)
	}
	for name, rate := range c.SimulatedFailureRates {
		if !notifications.Channel(name).Valid() {
			return fmt.Errorf("%w: invalid channel %q in simulated failure rates", ErrInvalidConfig, name)
		}
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%w: failure rate for %s must be within [0, 1]", ErrInvalidConfig, name)
		}
	}
	return nil
}

func (c Config) needsRedis() bool {
	return c.Locker == BackendRedis || c.InAppTransport == BackendRedis
}
