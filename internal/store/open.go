package store

import (
	"context"
	"fmt"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/infrastructure/config"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/infrastructure/database"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/vdc"
)

// Backend is an opened vdc.Store plus whatever must be released with it.
type Backend struct {
	vdc.Store
	Name  string
	close func() error
}

// Close releases resources held by the backend.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Check verifies the backing medium when the store supports it.
func (b *Backend) Check(ctx context.Context) error {
	if c, ok := b.Store.(interface{ Check(context.Context) error }); ok {
		return c.Check(ctx)
	}
	return nil
}

// Open builds the store selected by cfg.Persistence.Backend.
func Open(ctx context.Context, cfg *config.Config, logger vdc.Logger) (*Backend, error) {
	if logger == nil {
		logger = noopLogger{}
	}

	switch cfg.Persistence.Backend {
	case config.BackendYAML, "":
		fstore := NewFileStore(cfg.Persistence.Path)
		fstore.SetLogger(logger)
		return &Backend{Store: fstore, Name: config.BackendYAML}, nil

	case config.BackendSQLite:
		db, err := database.Open(ctx, database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return nil, err
		}
		s, err := NewSQLiteStore(ctx, db)
		if err != nil {
			db.Close() //nolint:errcheck // Already failing
			return nil, err
		}
		s.SetLogger(logger)
		return &Backend{Store: s, Name: config.BackendSQLite, close: db.Close}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Persistence.Backend)
	}
}
