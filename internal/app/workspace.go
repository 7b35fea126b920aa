package app

import (
	"database/sql"
	"fmt"

	"pilot/internal/config"
	"pilot/internal/db"
	"pilot/internal/engine"
	"pilot/internal/events"
	"pilot/internal/migrate"
)

// Workspace is an opened pilot workspace: migrated database, loaded config,
// change broker and the engine wired to all three.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Broker *events.Broker
	Engine engine.Engine
}

type Options struct {
	Dir string
	// Config overrides pilot.yml when set.
	Config            *config.Config
	BusyTimeoutMillis int
}

// Open prepares the workspace for use. Migrations run on every open.
func Open(opts Options) (*Workspace, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Dir)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	conn, err := db.Open(db.Config{Workspace: opts.Dir, BusyTimeoutMillis: opts.BusyTimeoutMillis})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	broker := events.NewBroker()
	return &Workspace{
		Dir:    opts.Dir,
		DB:     conn,
		Config: cfg,
		Broker: broker,
		Engine: engine.New(conn, cfg, broker),
	}, nil
}

// Close ends subscriptions and closes the database.
func (w *Workspace) Close() error {
	w.Broker.Close()
	return w.DB.Close()
}
