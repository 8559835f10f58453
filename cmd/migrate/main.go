package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"go.uber.org/zap"

	"github.com/smallbiznis/fitlink/internal/config"
	"github.com/smallbiznis/fitlink/internal/migrations"
)

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Uint("version", 0, "Target version (for force command)")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.LoadDatabase()
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}

	m, closeFn, err := migrations.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("open migrations", zap.Error(err))
	}
	defer closeFn()

	if err := run(m, *command, *steps, *version); err != nil {
		closeFn()
		logger.Fatal("migration failed", zap.String("command", *command), zap.Error(err))
	}

	v, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		logger.Warn("read migration version", zap.Error(err))
		return
	}
	logger.Info("migration complete", zap.String("command", *command), zap.Uint("version", v), zap.Bool("dirty", dirty))
}

func run(m *migrate.Migrate, command string, steps int, version uint) error {
	switch command {
	case "up":
		if steps > 0 {
			return ignoreNoChange(m.Steps(steps))
		}
		return ignoreNoChange(m.Up())
	case "down":
		if steps > 0 {
			return ignoreNoChange(m.Steps(-steps))
		}
		return ignoreNoChange(m.Down())
	case "version":
		_, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		if err != nil {
			return err
		}
		if dirty {
			return fmt.Errorf("database is in a dirty state")
		}
		return nil
	case "force":
		if version == 0 {
			return fmt.Errorf("version required for force command (use -version flag)")
		}
		return m.Force(int(version))
	default:
		return fmt.Errorf("unknown command %q (supported: up, down, version, force)", command)
	}
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}
