package ledger

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/groundtruth/internal/model"
)

// SQLiteBackend stores the ledger in a SQLite table.
type SQLiteBackend struct {
	db  *sql.DB
	dsn string
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS results (
	query      TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	score      REAL NOT NULL DEFAULT 0,
	marker     TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (query, entity_id)
);
`

// NewSQLiteBackend opens the database at dsn in WAL mode and creates the
// results table.
func NewSQLiteBackend(ctx context.Context, dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteMigration); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: migrate")
	}
	return &SQLiteBackend{db: db, dsn: dsn}, nil
}

// Location returns the DSN.
func (s *SQLiteBackend) Location() string { return s.dsn }

// Close closes the database.
func (s *SQLiteBackend) Close() error { return s.db.Close() }

// Load returns all rows in insertion order.
func (s *SQLiteBackend) Load(ctx context.Context) ([]model.Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT query, entity_id, score, marker FROM results ORDER BY rowid`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query results")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Result
	for rows.Next() {
		var (
			r      model.Result
			marker string
		)
		if err := rows.Scan(&r.Query, &r.EntityID, &r.Score, &marker); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		r.Marker = model.Marker(marker)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate results")
}

// Save inserts pending rows in one transaction. Existing pairs are left
// untouched.
func (s *SQLiteBackend) Save(ctx context.Context, b Batch) error {
	if len(b.Pending) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO results (query, entity_id, score, marker) VALUES (?, ?, ?, ?)
		 ON CONFLICT (query, entity_id) DO NOTHING`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range b.Pending {
		if _, err := stmt.ExecContext(ctx, r.Query, r.EntityID, r.Score, string(r.Marker)); err != nil {
			return eris.Wrapf(err, "sqlite: insert %s/%s", r.Query, r.EntityID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}
