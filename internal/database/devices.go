package database

import (
	"database/sql"
	"fmt"

	"github.com/TobiSchelling/vera/internal/api"
)

// UpsertDevices stores or refreshes devices by k-number.
func (db *DB) UpsertDevices(devices []api.Device) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO devices (k_number, device_name, applicant, decision_date, product_code,
			has_document, document_type, decision_description, safety_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(k_number) DO UPDATE SET
			device_name = excluded.device_name,
			applicant = excluded.applicant,
			decision_date = excluded.decision_date,
			product_code = excluded.product_code,
			has_document = excluded.has_document,
			document_type = excluded.document_type,
			decision_description = excluded.decision_description,
			safety_status = excluded.safety_status,
			updated_at = datetime('now')`,
	)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for _, d := range devices {
		hasDoc := 0
		if d.HasDocument {
			hasDoc = 1
		}
		if _, err := stmt.Exec(d.KNumber, d.DeviceName, d.Applicant, d.DecisionDate, d.ProductCode,
			hasDoc, d.DocumentType, d.DecisionDescription, d.SafetyStatus); err != nil {
			return fmt.Errorf("upserting %s: %w", d.KNumber, err)
		}
	}
	return tx.Commit()
}

// GetDevice returns the cached device, or nil if unknown.
func (db *DB) GetDevice(k string) (*api.Device, error) {
	row := db.conn.QueryRow(
		`SELECT k_number, device_name, applicant, decision_date, product_code,
			has_document, document_type, decision_description, safety_status
		FROM devices WHERE k_number = ?`, k,
	)

	var d api.Device
	var applicant, decisionDate, productCode, docType, decisionDesc, safety sql.NullString
	var hasDoc int
	if err := row.Scan(&d.KNumber, &d.DeviceName, &applicant, &decisionDate, &productCode,
		&hasDoc, &docType, &decisionDesc, &safety); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	d.Applicant = applicant.String
	d.DecisionDate = decisionDate.String
	d.ProductCode = productCode.String
	d.HasDocument = hasDoc != 0
	d.DocumentType = docType.String
	d.DecisionDescription = decisionDesc.String
	d.SafetyStatus = safety.String
	return &d, nil
}

// ensureDevice inserts a bare row for k so dependent rows can reference it.
func ensureDevice(tx *sql.Tx, k, name string) error {
	if name == "" {
		name = "Unknown"
	}
	_, err := tx.Exec("INSERT OR IGNORE INTO devices (k_number, device_name) VALUES (?, ?)", k, name)
	return err
}

// InsertSearch records a search and its counts.
func (db *DB) InsertSearch(params api.SearchParams, totalFound, withDocument int) (int64, error) {
	result, err := db.conn.Exec(
		`INSERT INTO searches (search_term, product_code, total_found, with_document)
		VALUES (?, ?, ?, ?)`,
		nullIfEmpty(params.SearchTerm), nullIfEmpty(params.ProductCode), totalFound, withDocument,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetRecentSearches returns the last limit searches, newest first.
func (db *DB) GetRecentSearches(limit int) ([]Search, error) {
	rows, err := db.conn.Query(
		`SELECT id, search_term, product_code, total_found, with_document, searched_at
		FROM searches ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var searches []Search
	for rows.Next() {
		var s Search
		if err := rows.Scan(&s.ID, &s.SearchTerm, &s.ProductCode, &s.TotalFound,
			&s.WithDocument, &s.SearchedAt); err != nil {
			return nil, err
		}
		searches = append(searches, s)
	}
	return searches, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
