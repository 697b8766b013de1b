package ledger

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/groundtruth/internal/db"
)

// Supported store drivers.
const (
	DriverCSV      = "csv"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Driver       string
	Path         string // csv file
	DSN          string // sqlite path or postgres connection string
	Table        string // postgres table
	EntityHeader string // csv second column
	Pool         db.PoolConfig
}

// NewBackend builds the backend named by cfg.Driver.
func NewBackend(ctx context.Context, cfg StoreConfig) (Backend, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverCSV:
		if cfg.Path == "" {
			return nil, eris.New("ledger: csv store requires a path")
		}
		return NewCSVBackend(cfg.Path, cfg.EntityHeader), nil
	case DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = cfg.Path
		}
		if dsn == "" {
			return nil, eris.New("ledger: sqlite store requires a dsn")
		}
		return NewSQLiteBackend(ctx, dsn)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, eris.New("ledger: postgres store requires a dsn")
		}
		pool, err := db.Connect(ctx, cfg.DSN, cfg.Pool)
		if err != nil {
			return nil, eris.Wrap(err, "ledger: connect postgres")
		}
		pg := NewPostgresBackend(pool, cfg.Table)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pg, nil
	default:
		return nil, eris.Errorf("ledger: unknown store driver %q", cfg.Driver)
	}
}
