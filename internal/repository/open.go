package repository

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/septivank/meter-verification-worker/internal/config"
	"github.com/septivank/meter-verification-worker/internal/db"
)

// Open connects the backend selected by cfg and migrates its schema
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var store Store
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store = NewRepository(pool)
	case config.DriverSQLite:
		s, err := NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		store = s
	case config.DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Driver)
	}

	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, eris.Wrap(err, "migrate")
	}
	return store, nil
}
