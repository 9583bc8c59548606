package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/chatbank/internal/database"
	"github.com/chatbank/internal/jobqueue"
	"github.com/chatbank/internal/storage/postgres"
)

// MigrateCommand returns the CLI command that applies the saga and River schemas
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "database-url",
				Usage: "PostgreSQL connection string (overrides database.url)",
			},
		},
		Action: runMigrate,
	}
}

func runMigrate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	url := cfg.Database.URL
	if c.IsSet("database-url") {
		url = c.String("database-url")
	}

	db, err := database.NewDB(url)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := database.Migrate(c.Context, db)
	if err != nil {
		return err
	}

	pool, err := postgres.NewPool(c.Context, url, 2)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := jobqueue.Migrate(c.Context, pool); err != nil {
		return err
	}

	log.Info().Strs("applied", applied).Msg("migrations complete")
	fmt.Printf("Applied %d saga migrations\n", len(applied))
	return nil
}
