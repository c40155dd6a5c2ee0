package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// migrations are applied in order inside a single transaction. The
// stored schema_version is the index of the last applied migration;
// a fresh database runs them all and lands on the latest version.
var migrations = [][]string{
	// v1: base tables and indices.
	{
		`CREATE TABLE sessions (
			id             TEXT PRIMARY KEY,
			label          TEXT,
			source         TEXT,
			pid            INTEGER NOT NULL DEFAULT 0,
			started_at     INTEGER NOT NULL,
			internal_token TEXT
		)`,
		`CREATE TABLE requests (
			id                      TEXT PRIMARY KEY,
			session_id              TEXT NOT NULL REFERENCES sessions(id),
			timestamp               INTEGER NOT NULL,
			duration_ms             INTEGER,
			method                  TEXT NOT NULL,
			url                     TEXT NOT NULL,
			host                    TEXT NOT NULL,
			path                    TEXT NOT NULL,
			request_headers         TEXT NOT NULL DEFAULT '{}',
			request_body            BLOB,
			request_body_truncated  INTEGER NOT NULL DEFAULT 0,
			request_content_type    TEXT,
			response_status         INTEGER,
			response_headers        TEXT,
			response_body           BLOB,
			response_body_truncated INTEGER NOT NULL DEFAULT 0,
			response_content_type   TEXT,
			label                   TEXT,
			source                  TEXT,
			intercepted_by          TEXT,
			interception_type       TEXT,
			saved                   INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX idx_requests_timestamp ON requests (timestamp DESC)`,
		`CREATE INDEX idx_requests_session ON requests (session_id)`,
		`CREATE INDEX idx_requests_label ON requests (label)`,
		`CREATE INDEX idx_requests_method ON requests (method)`,
		`CREATE INDEX idx_requests_status ON requests (response_status)`,
		`CREATE INDEX idx_requests_host ON requests (host)`,
	},
	// v2: replay linkage.
	{
		`ALTER TABLE requests ADD COLUMN replayed_from_id TEXT`,
		`ALTER TABLE requests ADD COLUMN replay_initiator TEXT`,
	},
	// v3: body classification columns, computed at save so body search
	// and JSON queries stay index-friendly.
	{
		`ALTER TABLE requests ADD COLUMN request_is_text INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE requests ADD COLUMN request_is_json INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE requests ADD COLUMN response_is_text INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE requests ADD COLUMN response_is_json INTEGER NOT NULL DEFAULT 0`,
	},
}

func (r *Repository) migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema_version: %w", err)
	}

	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		for _, stmt := range migrations[i] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %d: %w", i+1, err)
			}
		}
	}

	if version < len(migrations) {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version = ?`, len(migrations)); err != nil {
			return fmt.Errorf("stamp schema_version: %w", err)
		}
		r.logger.Info("database migrated", "from", version, "to", len(migrations))
	}

	return tx.Commit()
}
