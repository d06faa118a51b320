package database

// GetStats returns aggregate database statistics.
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{}

	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM devices", &s.Devices},
		{"SELECT COUNT(*) FROM devices WHERE has_document = 1", &s.DevicesWithDoc},
		{"SELECT COUNT(*) FROM searches", &s.Searches},
		{"SELECT COUNT(*) FROM extractions", &s.Extractions},
		{"SELECT COUNT(*) FROM extractions WHERE status = 'success'", &s.ExtractionsWithIFU},
		{"SELECT COUNT(*) FROM analyses", &s.Analyses},
		{"SELECT COUNT(*) FROM analyses WHERE equivalent = 1", &s.Equivalent},
	}

	for _, q := range queries {
		if err := db.conn.QueryRow(q.sql).Scan(q.dest); err != nil {
			return nil, err
		}
	}

	return s, nil
}
