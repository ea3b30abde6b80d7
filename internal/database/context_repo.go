package database

import (
	"context"
	"encoding/json"
	"fmt"
)

// StoreContext stores textual content for later semantic retrieval. Replaces
// any previous entry for the same email id.
func (db *DB) StoreContext(ctx context.Context, emailID, content string, metadata map[string]string) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal context metadata: %w", err)
	}

	query := `
		INSERT INTO context_entries (email_id, content, metadata)
		VALUES (?, ?, ?)
		ON CONFLICT(email_id) DO UPDATE SET content = excluded.content, metadata = excluded.metadata
	`
	if _, err := db.ExecContext(ctx, query, emailID, content, string(metaJSON)); err != nil {
		return fmt.Errorf("failed to store context entry: %w", err)
	}
	return nil
}

// CountContextEntries returns the number of stored context entries
func (db *DB) CountContextEntries(ctx context.Context) (int, error) {
	var n int
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM context_entries`); err != nil {
		return 0, fmt.Errorf("failed to count context entries: %w", err)
	}
	return n, nil
}
