package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/joho/godotenv"

	"github.com/noah-isme/backend-autopay/internal/db"
	"github.com/noah-isme/backend-autopay/internal/obs"
)

func main() {
	_ = godotenv.Load()
	logger := obs.NewLogger("console", "info", "migrate")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL is required")
	}

	m, err := db.NewMigrate(databaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open migrator")
	}
	defer func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			logger.Error().AnErr("source", sourceErr).AnErr("db", dbErr).Msg("close migrator")
		}
	}()

	switch cmd := os.Args[1]; cmd {
	case "up":
		if err := db.Up(m); err != nil {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
		logger.Info().Msg("migrations applied")
	case "down":
		if err := m.Steps(-1); err != nil {
			logger.Fatal().Err(err).Msg("roll back last migration")
		}
		logger.Info().Msg("last migration rolled back")
	case "goto":
		if len(os.Args) < 3 {
			logger.Fatal().Msg("goto needs a version")
		}
		version, err := strconv.ParseUint(os.Args[2], 10, 64)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse version")
		}
		if err := m.Migrate(uint(version)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal().Err(err).Uint64("version", version).Msg("migrate to version")
		}
		logger.Info().Uint64("version", version).Msg("migrated")
	case "status":
		version, dirty, err := m.Version()
		switch {
		case errors.Is(err, migrate.ErrNilVersion):
			logger.Info().Msg("no migrations applied")
		case err != nil:
			logger.Fatal().Err(err).Msg("read version")
		default:
			logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("migration status")
		}
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Println("usage: migrate <up|down|goto VERSION|status>")
}
