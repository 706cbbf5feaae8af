// Package sqlite is the ledger: bills, their status history, pending and
// resolved proposals, and misclassification flags. It is the single
// serialization point for stage changes.
package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBTX is satisfied by *sql.DB and *sql.Tx so helpers can run inside or
// outside a transaction.
type DBTX interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, err
	}
	// One writer connection: BEGIN IMMEDIATE plus a single conn makes the
	// ledger strictly serial, so racing approvals queue instead of failing
	// with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS bills (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		number        TEXT NOT NULL UNIQUE,
		title         TEXT NOT NULL DEFAULT '',
		current_stage TEXT NOT NULL,
		created_at    DATETIME NOT NULL,
		updated_at    DATETIME NOT NULL,
		archived_at   DATETIME
	);

	CREATE TABLE IF NOT EXISTS stage_history (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		bill_id          INTEGER NOT NULL REFERENCES bills(id),
		status_text      TEXT NOT NULL,
		source           TEXT NOT NULL DEFAULT '',
		observed_at      DATETIME NOT NULL,
		classified_stage TEXT NOT NULL DEFAULT '',
		confidence       REAL NOT NULL DEFAULT 0,
		processed        INTEGER NOT NULL DEFAULT 0,
		created_at       DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_stage_history_bill ON stage_history(bill_id, observed_at);
	CREATE INDEX IF NOT EXISTS idx_stage_history_processed ON stage_history(processed);

	CREATE TABLE IF NOT EXISTS proposals (
		id                     TEXT PRIMARY KEY,
		bill_id                INTEGER NOT NULL REFERENCES bills(id),
		current_stage_snapshot TEXT NOT NULL,
		proposed_stage         TEXT NOT NULL,
		proposer_id            TEXT NOT NULL,
		proposer_name          TEXT NOT NULL DEFAULT '',
		proposer_role          TEXT NOT NULL,
		note                   TEXT NOT NULL DEFAULT '',
		source                 TEXT NOT NULL DEFAULT 'human',
		confidence             REAL NOT NULL DEFAULT 0,
		status_text            TEXT NOT NULL DEFAULT '',
		created_at             DATETIME NOT NULL,
		UNIQUE (bill_id, proposer_id)
	);
	CREATE INDEX IF NOT EXISTS idx_proposals_proposer ON proposals(proposer_id);

	CREATE TABLE IF NOT EXISTS proposal_archive (
		id                     TEXT PRIMARY KEY,
		bill_id                INTEGER NOT NULL,
		current_stage_snapshot TEXT NOT NULL,
		proposed_stage         TEXT NOT NULL,
		proposer_id            TEXT NOT NULL,
		proposer_name          TEXT NOT NULL DEFAULT '',
		proposer_role          TEXT NOT NULL,
		note                   TEXT NOT NULL DEFAULT '',
		source                 TEXT NOT NULL DEFAULT 'human',
		confidence             REAL NOT NULL DEFAULT 0,
		status_text            TEXT NOT NULL DEFAULT '',
		created_at             DATETIME NOT NULL,
		status                 TEXT NOT NULL,
		resolved_by            TEXT NOT NULL,
		resolved_at            DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_proposal_archive_bill ON proposal_archive(bill_id);
	CREATE INDEX IF NOT EXISTS idx_proposal_archive_resolved ON proposal_archive(resolved_at);

	CREATE TABLE IF NOT EXISTS misclassification_flags (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		bill_id          INTEGER NOT NULL REFERENCES bills(id),
		status_text      TEXT NOT NULL,
		rejected_stage   TEXT NOT NULL,
		kept_stage       TEXT NOT NULL,
		confidence       REAL NOT NULL DEFAULT 0,
		reasoning        TEXT NOT NULL DEFAULT '',
		created_at       DATETIME NOT NULL,
		resolved_at      DATETIME,
		resolved_by      TEXT NOT NULL DEFAULT '',
		resolution_stage TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_flags_bill ON misclassification_flags(bill_id);
	`
	_, err = db.Exec(schema)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"
}

// WithTx runs fn in a transaction, committing when fn returns nil.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
