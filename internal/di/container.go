package di

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/campusdash/api/internal/platform/config"
	"github.com/campusdash/api/internal/platform/database"
	"github.com/campusdash/api/internal/platform/events"
	pfirestore "github.com/campusdash/api/internal/platform/firestore"
	"github.com/campusdash/api/internal/platform/idempotency"
	"github.com/campusdash/api/internal/platform/observability"
	"github.com/campusdash/api/internal/repositories"
	firestoreRepo "github.com/campusdash/api/internal/repositories/firestore"
	"github.com/campusdash/api/internal/repositories/sqlstore"
	"github.com/campusdash/api/internal/services"
)

const (
	meterName        = "github.com/campusdash/api"
	storePingTimeout = 1500 * time.Millisecond
	healthCacheTTL   = 2 * time.Second
)

// Publisher is an event sink that owns a connection.
type Publisher interface {
	services.EventPublisher
	Close() error
}

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Slots        services.SlotScheduler
	Batches      services.BatchLifecycleService
	Delivery     services.DeliveryConfirmationService
	Compensation services.CompensationEngine
	Audit        services.AuditLogService
	System       services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Idempotency  idempotency.Store

	publisher Publisher
}

// Backend is an opened store: the repository registry plus the pieces the container needs beside it.
type Backend struct {
	Registry    repositories.Registry
	Idempotency idempotency.Store
	Ping        func(ctx context.Context) error
}

// Option customises NewContainer.
type Option func(*containerOptions)

type containerOptions struct {
	logger    *zap.Logger
	meter     metric.Meter
	publisher Publisher
	clock     func() time.Time
	random    io.Reader
	build     services.BuildInfo
	checks    []repositories.DependencyCheck
	idem      idempotency.Store
	ping      func(ctx context.Context) error
}

// WithLogger sets the base logger; services log under named children.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMeter overrides the OpenTelemetry meter used for transition counters.
func WithMeter(meter metric.Meter) Option {
	return func(o *containerOptions) {
		if meter != nil {
			o.meter = meter
		}
	}
}

// WithPublisher overrides the configured event transport.
func WithPublisher(publisher Publisher) Option {
	return func(o *containerOptions) {
		if publisher != nil {
			o.publisher = publisher
		}
	}
}

// WithClock overrides the clock shared by every service.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithRandom overrides the OTP entropy source.
func WithRandom(r io.Reader) Option {
	return func(o *containerOptions) {
		if r != nil {
			o.random = r
		}
	}
}

// WithBuildInfo sets the metadata reported by health endpoints.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = build
	}
}

// WithDependencyChecks appends readiness checks beside the store ping.
func WithDependencyChecks(checks ...repositories.DependencyCheck) Option {
	return func(o *containerOptions) {
		o.checks = append(o.checks, checks...)
	}
}

// WithBackend supplies the idempotency store and readiness ping that accompany the registry.
func WithBackend(backend Backend) Option {
	return func(o *containerOptions) {
		o.idem = backend.Idempotency
		o.ping = backend.Ping
	}
}

// OpenBackend connects the store selected by cfg.Store.Driver. SQLite schemas are migrated on open;
// MySQL schemas are owned by cmd/migrate.
func OpenBackend(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverFirestore:
		var providerOpts []pfirestore.ProviderOption
		if cfg.Firebase.CredentialsFile != "" {
			providerOpts = append(providerOpts, pfirestore.WithClientOptions(option.WithCredentialsFile(cfg.Firebase.CredentialsFile)))
		}
		provider := pfirestore.NewProvider(cfg.Firestore, providerOpts...)
		txOpts := []pfirestore.TxOption{
			pfirestore.WithTxAttempts(cfg.Store.TxMaxAttempts),
			pfirestore.WithTxTimeout(cfg.Store.TxTimeout),
		}
		registry, err := firestoreRepo.NewRegistry(provider, txOpts...)
		if err != nil {
			_ = provider.Close(ctx)
			return Backend{}, fmt.Errorf("build firestore registry: %w", err)
		}
		idem, err := idempotency.NewFirestoreStore(provider, idempotency.WithTxOptions(txOpts...))
		if err != nil {
			_ = registry.Close(ctx)
			return Backend{}, fmt.Errorf("build idempotency store: %w", err)
		}
		return Backend{Registry: registry, Idempotency: idem, Ping: registry.Ping}, nil
	case config.StoreDriverMySQL, config.StoreDriverSQLite:
		dbCfg := database.Config{
			Dialect:      database.DialectMySQL,
			DSN:          cfg.SQL.MySQLDSN,
			MaxOpenConns: cfg.SQL.MaxOpenConns,
			TxAttempts:   cfg.Store.TxMaxAttempts,
			TxTimeout:    cfg.Store.TxTimeout,
		}
		if cfg.Store.Driver == config.StoreDriverSQLite {
			dbCfg.Dialect = database.DialectSQLite
			dbCfg.DSN = cfg.SQL.SQLiteDSN
		}
		db, err := database.Open(ctx, dbCfg)
		if err != nil {
			return Backend{}, fmt.Errorf("open %s: %w", cfg.Store.Driver, err)
		}
		if dbCfg.Dialect == database.DialectSQLite {
			if err := database.Migrate(db); err != nil {
				_ = db.Close()
				return Backend{}, fmt.Errorf("migrate sqlite: %w", err)
			}
		}
		registry, err := sqlstore.NewRegistry(db)
		if err != nil {
			_ = db.Close()
			return Backend{}, fmt.Errorf("build sql registry: %w", err)
		}
		idem, err := idempotency.NewSQLStore(db)
		if err != nil {
			_ = db.Close()
			return Backend{}, fmt.Errorf("build idempotency store: %w", err)
		}
		return Backend{Registry: registry, Idempotency: idem, Ping: registry.Ping}, nil
	default:
		return Backend{}, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// NewPublisher connects the event transport selected by cfg.Events.Transport.
func NewPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Events.Transport {
	case config.EventsTransportPubSub:
		client, err := pubsub.NewClient(ctx, cfg.Events.PubSubProject)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(cfg.Events.PubSubTopic)
		topic.EnableMessageOrdering = true
		publisher, err := events.NewPubSubPublisher(topic)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &pubsubPublisher{PubSubPublisher: publisher, client: client}, nil
	case config.EventsTransportNATS:
		publisher, err := events.NewNATSPublisher(events.NATSConfig{
			URL:           cfg.Events.NATSURL,
			SubjectPrefix: cfg.Events.NATSSubject,
			Name:          "campusdash-api",
		})
		if err != nil {
			return nil, err
		}
		return publisher, nil
	case config.EventsTransportLog, "":
		return events.NewLogPublisher(logger.Named("events")), nil
	default:
		return nil, fmt.Errorf("unsupported events transport %q", cfg.Events.Transport)
	}
}

type pubsubPublisher struct {
	*events.PubSubPublisher
	client *pubsub.Client
}

func (p *pubsubPublisher) Close() error {
	return errors.Join(p.PubSubPublisher.Close(), p.client.Close())
}

// NewContainer constructs the runtime dependencies on top of an opened registry.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	options := containerOptions{
		logger: zap.NewNop(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.meter == nil {
		options.meter = otel.Meter(meterName)
	}

	publisher := options.publisher
	if publisher == nil {
		var err error
		publisher, err = NewPublisher(ctx, cfg, options.logger)
		if err != nil {
			return nil, fmt.Errorf("build event publisher: %w", err)
		}
	}

	svc, err := buildServices(cfg, reg, publisher, options)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
		Idempotency:  options.idem,
		publisher:    publisher,
	}, nil
}

// Close releases the event transport and repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.publisher != nil {
		if err := c.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close repositories: %w", err))
		}
	}
	return errors.Join(errs...)
}

func buildServices(cfg config.Config, reg repositories.Registry, publisher Publisher, opts containerOptions) (Services, error) {
	var svc Services

	location, err := cfg.Delivery.Location()
	if err != nil {
		return Services{}, fmt.Errorf("resolve shop timezone: %w", err)
	}

	logger := opts.logger
	newID := func() string { return ulid.Make().String() }
	metrics := observability.NewTransitionMetrics(opts.meter, logger.Named("metrics"))

	svc.Audit, err = services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository:  reg.AuditLogs(),
		Clock:       opts.clock,
		IDGenerator: newID,
		Logger:      observability.NewPrintfAdapter(logger.Named("audit")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build audit log service: %w", err)
	}

	svc.Slots, err = services.NewSlotScheduler(services.SlotSchedulerDeps{
		Shops:       reg.Shops(),
		Batches:     reg.Batches(),
		Orders:      reg.Orders(),
		UnitOfWork:  reg,
		Location:    location,
		Clock:       opts.clock,
		IDGenerator: newID,
		Events:      publisher,
		Audit:       svc.Audit,
		Logger:      observability.ServiceLogger(logger.Named("slots")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build slot scheduler: %w", err)
	}

	svc.Delivery, err = services.NewDeliveryConfirmationService(services.DeliveryConfirmationServiceDeps{
		Orders:      reg.Orders(),
		UnitOfWork:  reg,
		Clock:       opts.clock,
		Random:      opts.random,
		MaxAttempts: cfg.Delivery.OTPMaxAttempts,
		Cooldown:    cfg.Delivery.OTPCooldown,
		IDGenerator: newID,
		Events:      publisher,
		Audit:       svc.Audit,
		Metrics:     metrics,
		Logger:      observability.ServiceLogger(logger.Named("delivery")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build delivery confirmation service: %w", err)
	}

	svc.Compensation, err = services.NewCompensationEngine(services.CompensationEngineDeps{
		Orders: reg.Orders(),
		Stock:  reg.Stock(),
		Logger: observability.ServiceLogger(logger.Named("compensation")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build compensation engine: %w", err)
	}

	svc.Batches, err = services.NewBatchLifecycleService(services.BatchLifecycleServiceDeps{
		Batches:      reg.Batches(),
		Orders:       reg.Orders(),
		UnitOfWork:   reg,
		Delivery:     svc.Delivery,
		Compensation: svc.Compensation,
		Clock:        opts.clock,
		IDGenerator:  newID,
		Events:       publisher,
		Audit:        svc.Audit,
		Metrics:      metrics,
		Logger:       observability.ServiceLogger(logger.Named("batches")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build batch lifecycle service: %w", err)
	}

	checks := make([]repositories.DependencyCheck, 0, len(opts.checks)+1)
	if opts.ping != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     storeCheckName(cfg.Store.Driver),
			Timeout:  storePingTimeout,
			Critical: true,
			Check:    opts.ping,
		})
	}
	checks = append(checks, opts.checks...)
	if len(checks) > 0 {
		healthRepo, err := repositories.NewDependencyHealthRepository(checks, repositories.WithDependencyClock(opts.clock))
		if err != nil {
			return Services{}, fmt.Errorf("build health repository: %w", err)
		}
		svc.System, err = services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            opts.clock,
			Build:            opts.build,
			CacheTTL:         healthCacheTTL,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
	}

	return svc, nil
}

func storeCheckName(driver string) string {
	driver = strings.TrimSpace(driver)
	if driver == "" {
		return "store"
	}
	return driver
}
