package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/mthdroid/moltpredict-skill/internal/config"
	"github.com/mthdroid/moltpredict-skill/internal/observability"
	"github.com/mthdroid/moltpredict-skill/internal/persistence"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [-config file] <up|down|status>")
	fmt.Fprintln(os.Stderr, "  up     - apply all pending migrations")
	fmt.Fprintln(os.Stderr, "  down   - roll back the last migration")
	fmt.Fprintln(os.Stderr, "  status - list migration files")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "The DSN and directory come from the config file or")
	fmt.Fprintln(os.Stderr, "MOLT_POSTGRES_DSN and MOLT_MIGRATIONS_DIR.")
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "moltpredict.toml", "path to TOML config file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	log := observability.NewLogger("migrate", cfg.LogLevel)

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, log)

	switch cmd := flag.Arg(0); cmd {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		log.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		rolled, err := migrator.Down(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}
		if !rolled {
			log.Info().Msg("nothing to roll back")
			return
		}
		log.Info().Msg("last migration rolled back")

	case "status":
		files, err := persistence.ListMigrationFiles(cfg.Postgres.MigrationsDir, ".up.sql")
		if err != nil {
			log.Fatal().Err(err).Msg("list migrations")
		}
		for _, f := range files {
			fmt.Println(persistence.ExtractVersion(f))
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(2)
	}
}
