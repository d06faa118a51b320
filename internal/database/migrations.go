package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "devices and searches",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS devices (
    k_number TEXT PRIMARY KEY,
    device_name TEXT NOT NULL,
    applicant TEXT,
    decision_date TEXT,
    product_code TEXT,
    has_document INTEGER DEFAULT 0,
    document_type TEXT,
    decision_description TEXT,
    safety_status TEXT,
    updated_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS searches (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    search_term TEXT,
    product_code TEXT,
    total_found INTEGER DEFAULT 0,
    with_document INTEGER DEFAULT 0,
    searched_at TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_devices_product_code ON devices(product_code);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "IFU extractions",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS extractions (
    k_number TEXT PRIMARY KEY REFERENCES devices(k_number),
    status TEXT NOT NULL CHECK(status IN ('success', 'no_artifact', 'no_content_found', 'extraction_failed')),
    text TEXT,
    error_message TEXT,
    resource_url TEXT,
    extracted_at TEXT DEFAULT (datetime('now'))
);
`)
			return err
		},
	},
	{
		Version:     3,
		Description: "equivalence analyses",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS analyses (
    k_number TEXT NOT NULL REFERENCES devices(k_number),
    statement_hash TEXT NOT NULL,
    statement TEXT NOT NULL,
    equivalent INTEGER NOT NULL,
    reasons TEXT,
    suggestions TEXT,
    citations TEXT,
    analyzed_at TEXT DEFAULT (datetime('now')),
    PRIMARY KEY (k_number, statement_hash)
);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
