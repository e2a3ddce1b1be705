package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"basket/pkg/config"
	"basket/pkg/storage"
	"basket/pkg/storage/memorydriver"
	"basket/pkg/storage/sqlslots"
	"basket/pkg/storage/watch"
)

const defaultSQLiteFile = "basket.db"

type backend struct {
	slots storage.Slots
	// watchPath is the file other processes may write; empty disables watching.
	watchPath string
	// own records this process's writes when watchPath is set.
	own   *watch.OwnWrites
	close func()
}

// openBackend opens the configured slot storage and applies the schema.
func openBackend(ctx context.Context, cfg config.Storage, logger *zap.Logger) (*backend, error) {
	var (
		db        *sql.DB
		cleanup   = func() {}
		watchPath string
		err       error
	)
	switch cfg.Type {
	case config.StorageMemory:
		path := cfg.Path
		if path == "" {
			if path, err = memorydriver.DefaultPath(); err != nil {
				return nil, err
			}
		}
		name, stop, err := memorydriver.Register(path, logger.Named("memorydriver"))
		if err != nil {
			return nil, err
		}
		cleanup = stop
		if db, err = sql.Open(name, path); err != nil {
			stop()
			return nil, err
		}
		// The snapshot is loaded once at startup, so another writer's changes
		// would never be visible here; only sqlite is watched.
	case config.StorageSQLite:
		path := cfg.Path
		if path == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(cwd, defaultSQLiteFile)
		}
		if db, err = sql.Open("sqlite", path); err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		watchPath = path
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}

	if err := sqlslots.EnsureSchema(ctx, db); err != nil {
		db.Close()
		cleanup()
		return nil, err
	}
	b := &backend{
		slots:     sqlslots.NewRepository(db),
		watchPath: watchPath,
		close: func() {
			db.Close()
			cleanup()
		},
	}
	if watchPath != "" {
		b.own = watch.TrackOwnWrites(b.slots)
		b.slots = b.own
	}
	return b, nil
}
