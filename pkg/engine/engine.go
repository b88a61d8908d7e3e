package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/notifykit/pkg/locker"
	"github.com/dmitrymomot/notifykit/pkg/logger"
	"github.com/dmitrymomot/notifykit/pkg/mongo"
	"github.com/dmitrymomot/notifykit/pkg/notifications"
	"github.com/dmitrymomot/notifykit/pkg/notifications/channels"
	"github.com/dmitrymomot/notifykit/pkg/notifications/mongostore"
	"github.com/dmitrymomot/notifykit/pkg/notifications/pgstore"
	"github.com/dmitrymomot/notifykit/pkg/pg"
	"github.com/dmitrymomot/notifykit/pkg/redis"
)

// Engine owns a notification service and the connections behind it.
type Engine struct {
	// Service is the public API: send, query, mark read and dead-letter handling.
	Service *notifications.Service
	// InApp is the in-process in-app transport. It is nil when in-app
	// notifications go through Redis or are simulated.
	InApp *channels.InAppDeliverer

	log     *slog.Logger
	checks  map[string]func(context.Context) error
	runners []func(context.Context) func() error

	mu      sync.Mutex
	closers []func() error
	closed  bool
}

// Option customizes New.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	storage    notifications.Storage
	deliverers map[notifications.Channel]notifications.Deliverer
	runners    []func(context.Context) func() error
}

// WithLogger overrides the logger built from Config.Env.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithStorage uses s instead of the backend named in Config.Storage.
func WithStorage(s notifications.Storage) Option {
	return func(o *options) {
		o.storage = s
	}
}

// WithDeliverer registers an extra channel, or replaces a built-in one.
func WithDeliverer(ch notifications.Channel, d notifications.Deliverer) Option {
	return func(o *options) {
		o.deliverers[ch] = d
	}
}

// WithRunner adds a component that Run starts next to the processor, such as
// an HTTP server. fn follows the errgroup convention of Service.Run.
func WithRunner(fn func(ctx context.Context) func() error) Option {
	return func(o *options) {
		if fn != nil {
			o.runners = append(o.runners, fn)
		}
	}
}

// New connects the configured backends, applies migrations and builds the
// service. On error every connection opened so far is closed.
func New(ctx context.Context, cfg Config, opts ...Option) (_ *Engine, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{deliverers: make(map[notifications.Channel]notifications.Deliverer)}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logger.New(logger.WithEnvironment(cfg.Env, cfg.ServiceName))
	}

	e := &Engine{
		log:     o.logger.With(logger.Component("engine")),
		checks:  make(map[string]func(context.Context) error),
		runners: o.runners,
	}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	storage := o.storage
	if storage == nil {
		if storage, err = e.openStorage(ctx, cfg); err != nil {
			return nil, err
		}
	}

	var redisClient goredis.UniversalClient
	if cfg.needsRedis() {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		e.onClose(client.Close)
		e.checks["redis"] = redis.Healthcheck(client)
		redisClient = client
	}

	var lock locker.Locker = locker.NewMemoryLocker()
	if cfg.Locker == BackendRedis {
		lock = locker.NewRedisLocker(redisClient,
			locker.WithTTL(lockTTL(cfg.Notifications)),
			locker.WithLogger(o.logger),
		)
	}

	registry, err := e.buildRegistry(cfg, redisClient, o)
	if err != nil {
		return nil, err
	}

	svcOpts, err := cfg.Notifications.ServiceOptions()
	if err != nil {
		return nil, err
	}
	svcOpts = append(svcOpts,
		notifications.WithLogger(o.logger),
		notifications.WithServiceLocker(lock),
	)

	if e.Service, err = notifications.NewService(storage, registry, svcOpts...); err != nil {
		return nil, err
	}

	e.log.LogAttrs(ctx, slog.LevelInfo, "Notification engine ready",
		slog.String("storage", backendName(cfg.Storage, o.storage != nil)),
		slog.String("locker", cfg.Locker),
		slog.Any("channels", registry.Channels()),
		slog.Bool("simulate", cfg.Simulate),
	)

	return e, nil
}

func (e *Engine) openStorage(ctx context.Context, cfg Config) (notifications.Storage, error) {
	switch cfg.Storage {
	case BackendPostgres:
		pool, err := pg.Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		e.onClose(func() error { pool.Close(); return nil })
		e.checks["postgres"] = pg.Healthcheck(pool)

		if err := pg.Migrate(ctx, pool, pgstore.Migrations, pgstore.MigrationsDir, cfg.Postgres, e.log); err != nil {
			return nil, err
		}
		return pgstore.New(pool), nil

	case BackendMongo:
		client, err := mongo.New(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		e.onClose(func() error { return client.Disconnect(context.Background()) })
		e.checks["mongo"] = mongo.Healthcheck(client)

		return mongostore.New(ctx, client.Database(cfg.Mongo.Database))

	default:
		return notifications.NewMemoryStorage(), nil
	}
}

func (e *Engine) buildRegistry(cfg Config, redisClient goredis.UniversalClient, o *options) (*notifications.Registry, error) {
	registry := notifications.NewRegistry()
	builtin := make(map[notifications.Channel]notifications.Deliverer)

	if cfg.Simulate {
		simulated := []notifications.Channel{notifications.ChannelEmail, notifications.ChannelChat, notifications.ChannelInApp}
		if cfg.Kafka.Enabled() {
			simulated = append(simulated, channels.ChannelEvent)
		}
		for _, ch := range simulated {
			builtin[ch] = channels.NewSimulatedDeliverer(cfg.SimulatedFailureRates[string(ch)])
		}
	} else {
		if cfg.Email.Enabled() {
			email, err := channels.NewEmailDeliverer(cfg.Email)
			if err != nil {
				return nil, err
			}
			builtin[notifications.ChannelEmail] = email
		}

		chat, err := channels.NewChatDeliverer(cfg.Chat)
		if err != nil {
			return nil, err
		}
		builtin[notifications.ChannelChat] = chat

		if cfg.InAppTransport == BackendRedis {
			builtin[notifications.ChannelInApp] = channels.NewRedisInAppDeliverer(redisClient, cfg.InApp.ChannelPrefix)
		} else {
			e.InApp = channels.NewInAppDeliverer(
				channels.WithBufferSize(cfg.InApp.BufferSize),
				channels.WithInAppLogger(o.logger),
			)
			builtin[notifications.ChannelInApp] = e.InApp
		}

		if cfg.Kafka.Enabled() {
			kafka, err := channels.NewKafkaDeliverer(cfg.Kafka)
			if err != nil {
				return nil, err
			}
			e.onClose(kafka.Close)
			builtin[channels.ChannelEvent] = kafka
		}
	}

	for ch, d := range o.deliverers {
		builtin[ch] = d
	}
	for ch, d := range builtin {
		if err := registry.Register(ch, d); err != nil {
			return nil, fmt.Errorf("register %s: %w", ch, err)
		}
	}
	return registry, nil
}

// Run delivers notifications until ctx is done, together with any runners
// added through WithRunner. The first runner error cancels the rest.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrEngineClosed
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(e.Service.Run(ctx))
	for _, r := range e.runners {
		g.Go(r(ctx))
	}
	return g.Wait()
}

// Healthcheck pings every backend the engine connected to.
func (e *Engine) Healthcheck(ctx context.Context) error {
	var errs []error
	for name, check := range e.checks {
		if err := check(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases owned connections in reverse order of opening. It is
// safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

func (e *Engine) onClose(fn func() error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closers = append(e.closers, fn)
}

// lockTTL outlives one full attempt including the decided-transition flush.
func lockTTL(cfg notifications.Config) time.Duration {
	return max(time.Minute, 2*cfg.AttemptTimeout+10*time.Second)
}

func backendName(name string, custom bool) string {
	if custom {
		return "custom"
	}
	return name
}
