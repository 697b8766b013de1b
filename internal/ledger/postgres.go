package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/groundtruth/internal/db"
	"github.com/sells-group/groundtruth/internal/model"
)

// DefaultPostgresTable is the results table used when none is configured.
const DefaultPostgresTable = "groundtruth_results"

// PostgresBackend stores the ledger in a Postgres table.
type PostgresBackend struct {
	pool  db.Pool
	table string
}

// NewPostgresBackend wraps a pool. table may be schema-qualified.
func NewPostgresBackend(pool db.Pool, table string) *PostgresBackend {
	if table == "" {
		table = DefaultPostgresTable
	}
	return &PostgresBackend{pool: pool, table: table}
}

// Migrate creates the results table if needed.
func (p *PostgresBackend) Migrate(ctx context.Context) error {
	if schema, _, ok := strings.Cut(p.table, "."); ok {
		if _, err := p.pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{schema}.Sanitize())); err != nil {
			return eris.Wrap(err, "postgres: create schema")
		}
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	query      TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	score      DOUBLE PRECISION NOT NULL DEFAULT 0,
	marker     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (query, entity_id)
)`, tableIdent(p.table))
	_, err := p.pool.Exec(ctx, ddl)
	return eris.Wrap(err, "postgres: migrate")
}

// Location returns the table name.
func (p *PostgresBackend) Location() string { return "postgres:" + p.table }

// Close releases the pool.
func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}

// Load returns all rows ordered by insertion time.
func (p *PostgresBackend) Load(ctx context.Context) ([]model.Result, error) {
	rows, err := p.pool.Query(ctx, fmt.Sprintf(
		`SELECT query, entity_id, score, marker FROM %s ORDER BY created_at, query, entity_id`, tableIdent(p.table)))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query results")
	}
	defer rows.Close()

	var out []model.Result
	for rows.Next() {
		var (
			r      model.Result
			marker string
		)
		if err := rows.Scan(&r.Query, &r.EntityID, &r.Score, &marker); err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		r.Marker = model.Marker(marker)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate results")
}

// Save inserts pending rows, skipping pairs that already exist.
func (p *PostgresBackend) Save(ctx context.Context, b Batch) error {
	rows := make([][]any, len(b.Pending))
	for i, r := range b.Pending {
		rows[i] = []any{r.Query, r.EntityID, r.Score, string(r.Marker)}
	}
	_, err := db.InsertMissing(ctx, p.pool, db.InsertConfig{
		Table:        p.table,
		Columns:      []string{"query", "entity_id", "score", "marker"},
		ConflictKeys: []string{"query", "entity_id"},
	}, rows)
	return eris.Wrap(err, "postgres: save results")
}

func tableIdent(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}
