package database

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/TobiSchelling/vera/internal/api"
)

// StatementHash keys an analysis by the normalized comparison statement.
func StatementHash(statement string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(statement)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// SaveAnalysis stores the analysis of statement against device k.
func (db *DB) SaveAnalysis(k, statement string, a api.Analysis) error {
	reasons, err := json.Marshal(a.Reasons)
	if err != nil {
		return err
	}
	suggestions, err := json.Marshal(a.Suggestions)
	if err != nil {
		return err
	}
	citations, err := json.Marshal(a.Citations)
	if err != nil {
		return err
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := ensureDevice(tx, k, ""); err != nil {
		return fmt.Errorf("ensuring device %s: %w", k, err)
	}

	equivalent := 0
	if a.Equivalent {
		equivalent = 1
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO analyses
		(k_number, statement_hash, statement, equivalent, reasons, suggestions, citations)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		k, StatementHash(statement), statement, equivalent,
		string(reasons), string(suggestions), string(citations),
	); err != nil {
		return fmt.Errorf("saving analysis %s: %w", k, err)
	}
	return tx.Commit()
}

// GetAnalysis returns the cached analysis of statement against k, or nil.
func (db *DB) GetAnalysis(k, statement string) (*api.Analysis, error) {
	row := db.conn.QueryRow(
		`SELECT equivalent, reasons, suggestions, citations
		FROM analyses WHERE k_number = ? AND statement_hash = ?`,
		k, StatementHash(statement),
	)

	var equivalent int
	var reasons, suggestions, citations *string
	if err := row.Scan(&equivalent, &reasons, &suggestions, &citations); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	a := &api.Analysis{
		Equivalent:  equivalent != 0,
		Reasons:     []string{},
		Suggestions: []string{},
	}
	if reasons != nil {
		json.Unmarshal([]byte(*reasons), &a.Reasons)
	}
	if suggestions != nil {
		json.Unmarshal([]byte(*suggestions), &a.Suggestions)
	}
	if citations != nil {
		json.Unmarshal([]byte(*citations), &a.Citations)
	}
	return a, nil
}
