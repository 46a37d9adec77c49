package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/campusdash/api/internal/platform/config"
	"github.com/campusdash/api/internal/platform/database"
	"github.com/campusdash/api/internal/platform/observability"
	"github.com/campusdash/api/internal/platform/secrets"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := newApp(logger.Named("migrate")).Run(os.Args); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
}

func newApp(logger *zap.Logger) *cli.App {
	return &cli.App{
		Name:  "migrate",
		Usage: "manage the campusdash SQL schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "driver",
				Usage:   "store driver to migrate (mysql or sqlite); defaults to API_STORE_DRIVER",
				EnvVars: []string{"MIGRATE_DRIVER"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "apply all pending migrations",
				Action: func(c *cli.Context) error {
					return withMigrator(c, logger, func(m *database.Migrator) error {
						return m.Up()
					})
				},
			},
			{
				Name:      "down",
				Usage:     "roll back migrations",
				ArgsUsage: "[steps]",
				Action: func(c *cli.Context) error {
					steps := 1
					if c.Args().Present() {
						n, err := strconv.Atoi(c.Args().First())
						if err != nil || n <= 0 {
							return fmt.Errorf("invalid step count %q", c.Args().First())
						}
						steps = n
					}
					return withMigrator(c, logger, func(m *database.Migrator) error {
						return m.Down(steps)
					})
				},
			},
			{
				Name:  "version",
				Usage: "print the applied schema version",
				Action: func(c *cli.Context) error {
					return withMigrator(c, logger, func(m *database.Migrator) error {
						version, dirty, err := m.Version()
						if err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "version=%d dirty=%t\n", version, dirty)
						return nil
					})
				},
			},
			{
				Name:      "force",
				Usage:     "mark a version as applied without running it",
				ArgsUsage: "<version>",
				Action: func(c *cli.Context) error {
					if !c.Args().Present() {
						return fmt.Errorf("force requires a version")
					}
					version, err := strconv.Atoi(c.Args().First())
					if err != nil {
						return fmt.Errorf("invalid version %q", c.Args().First())
					}
					return withMigrator(c, logger, func(m *database.Migrator) error {
						return m.Force(version)
					})
				},
			},
		},
	}
}

func withMigrator(c *cli.Context, logger *zap.Logger, fn func(*database.Migrator) error) error {
	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}

	dbCfg, err := loadDatabaseConfig(ctx, logger, c.String("driver"))
	if err != nil {
		return err
	}
	db, err := database.Open(ctx, dbCfg)
	if err != nil {
		return err
	}
	migrator, err := database.NewMigrator(db)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer func() {
		if err := migrator.Close(); err != nil {
			logger.Warn("migrator close error", zap.Error(err))
		}
	}()

	logger.Info("running migration command", zap.String("command", c.Command.Name), zap.String("dialect", string(dbCfg.Dialect)))
	return fn(migrator)
}

func loadDatabaseConfig(ctx context.Context, logger *zap.Logger, driver string) (database.Config, error) {
	env, err := config.EnvironmentValues()
	if err != nil {
		return database.Config{}, err
	}
	fetcherOpts := []secrets.Option{secrets.WithLogger(logger.Named("secrets"))}
	if project := env["API_SECRET_DEFAULT_PROJECT_ID"]; project != "" {
		fetcherOpts = append(fetcherOpts, secrets.WithDefaultProject(project))
	}
	if fallback := env["API_SECRET_FALLBACK_FILE"]; fallback != "" {
		fetcherOpts = append(fetcherOpts, secrets.WithFallbackFile(fallback))
	}
	fetcher, err := secrets.NewFetcher(ctx, fetcherOpts...)
	if err != nil {
		return database.Config{}, err
	}
	defer func() {
		_ = fetcher.Close()
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		return database.Config{}, err
	}
	return databaseConfigFor(cfg, driver)
}

func databaseConfigFor(cfg config.Config, driver string) (database.Config, error) {
	if driver == "" {
		driver = cfg.Store.Driver
	}
	dbCfg := database.Config{
		MaxOpenConns: cfg.SQL.MaxOpenConns,
		TxAttempts:   cfg.Store.TxMaxAttempts,
		TxTimeout:    cfg.Store.TxTimeout,
	}
	switch driver {
	case config.StoreDriverMySQL:
		dbCfg.Dialect = database.DialectMySQL
		dbCfg.DSN = cfg.SQL.MySQLDSN
	case config.StoreDriverSQLite:
		dbCfg.Dialect = database.DialectSQLite
		dbCfg.DSN = cfg.SQL.SQLiteDSN
	default:
		return database.Config{}, fmt.Errorf("driver %q has no SQL schema", driver)
	}
	if dbCfg.DSN == "" {
		return database.Config{}, fmt.Errorf("no DSN configured for %s", driver)
	}
	return dbCfg, nil
}
