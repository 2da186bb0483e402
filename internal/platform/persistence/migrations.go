package persistence

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // PostgreSQL driver
	_ "github.com/golang-migrate/migrate/v4/source/file"       // File source driver

	"github.com/naglyadservice/dash-backend/internal/config"
)

// RunMigrations brings the schema up to date before the pool opens.
// Controllers start retransmitting unacked sales the moment the broker
// accepts them, so the dedup constraints must exist before the first
// connection is handed out.
func RunMigrations(logger *slog.Logger, cfg *config.PostgresConfig) error {
	if cfg.MigrationsPath == "" {
		return errors.New("postgres migrations path is not configured")
	}
	if cfg.URL == "" {
		return errors.New("postgres URL is not configured")
	}

	m, err := migrate.New("file://"+cfg.MigrationsPath, cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to open migration source %s: %w", cfg.MigrationsPath, err)
	}

	upErr := m.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		_, _ = m.Close()
		return fmt.Errorf("failed to apply migrations: %w", upErr)
	}

	version, dirty, verErr := m.Version()

	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return fmt.Errorf("failed to close migration source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("failed to close migration database handle: %w", dbErr)
	}

	if verErr != nil && !errors.Is(verErr, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read schema version: %w", verErr)
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty, refusing to start", version)
	}

	if errors.Is(upErr, migrate.ErrNoChange) {
		logger.Debug("Schema already up to date", "version", version)
	} else {
		logger.Info("Schema migrations applied", "version", version)
	}
	return nil
}
