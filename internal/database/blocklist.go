package database

import (
	"context"
	"fmt"
)

// GetBlocklistEntries retrieves all blocklist entries for a user
func (db *DB) GetBlocklistEntries(ctx context.Context, userID string) ([]string, error) {
	query := `SELECT entry FROM blocklist_entries WHERE user_id = $1 ORDER BY entry`

	rows, err := db.conn.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocklist: %w", err)
	}
	defer rows.Close()

	var entries []string
	for rows.Next() {
		var entry string
		if err := rows.Scan(&entry); err != nil {
			return nil, fmt.Errorf("failed to scan blocklist entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocklist entries: %w", err)
	}

	return entries, nil
}

// AddBlocklistEntry adds a sender address or domain to a user's blocklist
func (db *DB) AddBlocklistEntry(ctx context.Context, userID, entry string) error {
	query := `INSERT INTO blocklist_entries (user_id, entry) VALUES ($1, $2) ON CONFLICT (user_id, entry) DO NOTHING`

	if _, err := db.conn.ExecContext(ctx, query, userID, entry); err != nil {
		return fmt.Errorf("failed to add blocklist entry: %w", err)
	}

	return nil
}

// RemoveBlocklistEntry removes an entry from a user's blocklist
func (db *DB) RemoveBlocklistEntry(ctx context.Context, userID, entry string) error {
	query := `DELETE FROM blocklist_entries WHERE user_id = $1 AND entry = $2`

	if _, err := db.conn.ExecContext(ctx, query, userID, entry); err != nil {
		return fmt.Errorf("failed to remove blocklist entry: %w", err)
	}

	return nil
}
