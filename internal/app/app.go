// Package app opens a pulsearc workspace: config, database and the wired
// pipeline engine shared by the CLI commands and the admin server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/config"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/db"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/engine"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/logging"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/migrate"
)

type Options struct {
	// LogLevel overrides logging.level from the config file.
	LogLevel   string
	LogJSON    bool
	LogOutput  io.Writer
	Registerer prometheus.Registerer
	Getenv     func(string) string
}

type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    *engine.Engine
	Logger    *slog.Logger
}

// Open loads pulsearc.yml from workspace, migrates the database and wires
// the engine.
func Open(ctx context.Context, workspace string, o Options) (*Runtime, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if o.LogLevel != "" {
		level = o.LogLevel
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		JSON:    cfg.Logging.JSON || o.LogJSON,
		Service: "pulsearc",
		Output:  o.LogOutput,
	})
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Path: cfg.DatabasePath(workspace)})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	opts := []engine.Option{engine.WithLogger(logger)}
	if o.Registerer != nil {
		opts = append(opts, engine.WithRegisterer(o.Registerer))
	}
	if o.Getenv != nil {
		opts = append(opts, engine.WithGetenv(o.Getenv))
	}
	e, err := engine.New(conn, cfg, workspace, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Runtime{Workspace: workspace, Config: cfg, DB: conn, Engine: e, Logger: logger}, nil
}

func (r *Runtime) Close() error { return r.DB.Close() }

// Init writes a default pulsearc.yml for deviceID and creates the database.
// An existing config is kept unless force is set. It reports whether a new
// config file was written.
func Init(ctx context.Context, workspace, deviceID string, force bool) (bool, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return false, err
	}
	path := config.Path(workspace)
	written := false
	if _, err := os.Stat(path); os.IsNotExist(err) || force {
		if err := os.WriteFile(path, []byte(config.GenerateDefault(deviceID)), 0o644); err != nil {
			return false, err
		}
		written = true
	} else if err != nil {
		return false, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return written, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Path: cfg.DatabasePath(workspace)})
	if err != nil {
		return written, err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return written, fmt.Errorf("migrate: %w", err)
	}
	return written, nil
}
