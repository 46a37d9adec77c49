package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/campusdash/api/internal/di"
	"github.com/campusdash/api/internal/handlers"
	"github.com/campusdash/api/internal/platform/auth"
	"github.com/campusdash/api/internal/platform/config"
	"github.com/campusdash/api/internal/platform/idempotency"
	"github.com/campusdash/api/internal/platform/observability"
	"github.com/campusdash/api/internal/services"
)

const (
	shutdownGrace = 10 * time.Second
	closeTimeout  = 5 * time.Second
)

func main() {
	root, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	logger := root.Named("api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(observability.WithLogger(ctx, logger), logger)
	stop()
	_ = root.Sync()
	if err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

// run serves until ctx is cancelled, then drains in-flight requests before releasing the store.
func run(ctx context.Context, logger *zap.Logger) error {
	startedAt := time.Now().UTC()

	env, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	fetcher, err := newSecretFetcher(ctx, logger, env)
	if err != nil {
		return fmt.Errorf("secret fetcher: %w", err)
	}
	defer closeLogged(logger, "secret fetcher", fetcher.Close)

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(env)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Error("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		return fmt.Errorf("load configuration: %w", err)
	}
	logger = logger.With(zap.String("environment", cfg.Environment), zap.String("store", cfg.Store.Driver))
	build := buildInfoFromEnv(env, cfg, startedAt)

	backend, err := di.OpenBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	opts := []di.Option{di.WithLogger(logger), di.WithBackend(backend), di.WithBuildInfo(build)}
	if secretProjectID(env) != "" {
		opts = append(opts, di.WithDependencyChecks(secretManagerCheck(fetcher)))
	}
	container, err := di.NewContainer(ctx, cfg, backend.Registry, opts...)
	if err != nil {
		closeLogged(logger, "store", func() error { return closeWithTimeout(backend.Registry.Close) })
		return fmt.Errorf("build container: %w", err)
	}
	defer closeLogged(logger, "container", func() error { return closeWithTimeout(container.Close) })

	router, err := buildRouter(ctx, logger, cfg, container, build)
	if err != nil {
		return err
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	var sweeping sync.WaitGroup
	if sweeper := idempotency.NewSweeper(container.Idempotency, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency")); sweeper != nil {
		sweeping.Add(1)
		go func() {
			defer sweeping.Done()
			sweeper.Run(sweepCtx)
		}()
	}
	defer func() {
		stopSweep()
		sweeping.Wait()
	}()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	httpLogger := logger.Named("http").With(zap.String("addr", server.Addr))

	serveErr := make(chan error, 1)
	go func() {
		httpLogger.Info("campusdash api listening")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	httpLogger.Info("shutdown signal received; draining requests")
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func buildRouter(ctx context.Context, logger *zap.Logger, cfg config.Config, container *di.Container, build services.BuildInfo) (http.Handler, error) {
	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		return nil, fmt.Errorf("firebase verifier: %w", err)
	}
	firebaseAuth := auth.NewAuthenticator(verifier).RequireFirebaseAuth()

	owners, err := auth.NewShopResolver(container.Repositories.Shops())
	if err != nil {
		return nil, fmt.Errorf("shop resolver: %w", err)
	}

	replay := idempotency.Middleware(
		container.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	svc := container.Services
	batches := handlers.NewBatchHandlers(svc.Batches)
	deliveries := handlers.NewDeliveryHandlers(svc.Delivery,
		handlers.WithVerifyRateLimit(cfg.RateLimits.OTPVerifyPerMinute, time.Minute),
	)
	slots := handlers.NewSlotHandlers(svc.Slots)
	checkout := handlers.NewCheckoutHandlers(svc.Slots)
	health := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(build),
		handlers.WithHealthSystemService(svc.System),
	)

	project := traceProjectID(cfg)
	httpLogger := logger.Named("http")
	return handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(project),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(project),
		),
		handlers.WithHealthHandlers(health),

		handlers.WithGroupMiddlewares(handlers.GroupShop, firebaseAuth, auth.RequireShopOwner(owners), replay),
		handlers.WithRoutes(handlers.GroupShop, handlers.Registrars(batches.Routes, deliveries.Routes, slots.ShopRoutes)),

		handlers.WithGroupMiddlewares(handlers.GroupShops, firebaseAuth),
		handlers.WithRoutes(handlers.GroupShops, slots.PublicRoutes),

		handlers.WithGroupMiddlewares(handlers.GroupInternal, buildOIDCMiddleware(logger.Named("auth"), cfg), replay),
		handlers.WithRoutes(handlers.GroupInternal, checkout.Routes),
	), nil
}

func closeWithTimeout(fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return fn(ctx)
}

func closeLogged(logger *zap.Logger, what string, fn func() error) {
	if err := fn(); err != nil {
		logger.Warn("close failed", zap.String("component", what), zap.Error(err))
	}
}
