package database

import (
	"database/sql"
	"fmt"

	"github.com/TobiSchelling/vera/internal/api"
)

// SaveExtraction stores or replaces the extraction for a device.
func (db *DB) SaveExtraction(e api.Extraction) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := ensureDevice(tx, e.ID, e.DeviceName); err != nil {
		return fmt.Errorf("ensuring device %s: %w", e.ID, err)
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO extractions (k_number, status, text, error_message, resource_url)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, string(e.Status), e.Text, e.ErrorMessage, e.ResourceURL,
	); err != nil {
		return fmt.Errorf("saving extraction %s: %w", e.ID, err)
	}
	return tx.Commit()
}

// GetExtraction returns the cached extraction for k, or nil.
func (db *DB) GetExtraction(k string) (*api.Extraction, error) {
	row := db.conn.QueryRow(
		`SELECT e.k_number, d.device_name, e.status, e.text, e.error_message, e.resource_url
		FROM extractions e JOIN devices d ON d.k_number = e.k_number
		WHERE e.k_number = ?`, k,
	)

	var e api.Extraction
	var status string
	if err := row.Scan(&e.ID, &e.DeviceName, &status, &e.Text, &e.ErrorMessage, &e.ResourceURL); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	e.Status = api.ExtractionStatus(status)
	return &e, nil
}
