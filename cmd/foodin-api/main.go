package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/jogardn/foodin/internal/config"
	"github.com/jogardn/foodin/internal/database"
	"github.com/jogardn/foodin/internal/migration"
	"github.com/jogardn/foodin/internal/store"
	"github.com/jogardn/foodin/internal/store/memory"
	"github.com/jogardn/foodin/internal/store/postgres"
)

func main() {
	app := &cli.App{
		Name:   "foodin-api",
		Usage:  "FoodIn storefront API",
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API",
				Action: serve,
			},
			{
				Name:  "migrate",
				Usage: "apply or revert the database schema",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "down", Usage: "revert this many migrations instead of applying"},
				},
				Action: migrate,
			},
			{
				Name:  "seed",
				Usage: "load the demo users and ingredients",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "dry-run", Usage: "report what would be written without writing"},
					&cli.BoolFlag{Name: "reset", Usage: "overwrite existing seed records with the seed values"},
					&cli.IntFlag{Name: "concurrency", Value: 4, Usage: "records seeded in parallel"},
				},
				Action: seed,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("foodin-api failed")
	}
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, cfg.NewLogger(), nil
}

// openStore connects to the configured store. Postgres schemas are brought
// up to date before the store is returned.
func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (store.Store, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("Using in-memory store, data is lost on restart")
		return memory.New(), nil
	}

	db, err := database.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}

	migrator, err := migration.NewSchemaMigrator(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		db.Close()
		return nil, err
	}
	return postgres.New(db), nil
}

func migrate(c *cli.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.StoreDriver != config.StoreDriverPostgres {
		logger.Info("Memory store has no schema, nothing to migrate")
		return nil
	}

	db, err := database.Connect(c.Context, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := migration.NewSchemaMigrator(db, logger)
	if err != nil {
		return err
	}
	if steps := c.Int("down"); steps > 0 {
		return migrator.Down(steps)
	}
	return migrator.Up()
}

func seed(c *cli.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openStore(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	seeder := migration.NewDataSeeder(s, logger)
	seeder.SetConfig(migration.SeedConfig{
		BatchSize:    10,
		Concurrency:  c.Int("concurrency"),
		DryRun:       c.Bool("dry-run"),
		SkipExisting: !c.Bool("reset"),
	})

	result, err := seeder.Seed(c.Context, migration.DefaultSeedSet())
	if err != nil {
		return err
	}
	if result.Failed > 0 {
		return cli.Exit("some seed records failed, see the log", 1)
	}
	return nil
}
