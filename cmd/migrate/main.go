package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/apotheca-erp/apotheca/internal/app"
	"github.com/apotheca-erp/apotheca/internal/platform/migrations"
)

func main() {
	direction := flag.String("direction", "up", "up, down or version")
	steps := flag.Int("steps", 0, "apply n migrations (negative rolls back); overrides -direction")
	force := flag.Int("force", -1, "force the schema version and clear the dirty flag")
	flag.Parse()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	m, err := migrations.Open(cfg.PGDSN, logger)
	if err != nil {
		logger.Error("open migrator", slog.Any("error", err))
		os.Exit(1)
	}
	err = apply(m, *direction, *steps, *force, logger)
	if closeErr := m.Close(); closeErr != nil {
		logger.Warn("migrator close", slog.Any("error", closeErr))
	}
	if err != nil {
		logger.Error("migrate", slog.Any("error", err))
		os.Exit(1)
	}
}

func apply(m *migrations.Migrator, direction string, steps, force int, logger *slog.Logger) error {
	switch {
	case force >= 0:
		return m.Force(force)
	case steps != 0:
		return m.Steps(steps)
	}
	switch direction {
	case "up":
		return m.Up()
	case "down":
		return m.Down()
	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		logger.Info("schema version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
		return nil
	default:
		return fmt.Errorf("unknown direction %q", direction)
	}
}
