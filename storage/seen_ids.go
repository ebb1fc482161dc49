package storage

import (
	"errors"
	"fmt"
)

// InsertSeenID records a transfer ID used for duplicate-request suppression.
func (s *Store) InsertSeenID(transferID string, receivedAt int64) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if receivedAt == 0 {
		receivedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO seen_transfer_ids (transfer_id, received_at)
		VALUES (?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET received_at = excluded.received_at`,
		transferID,
		receivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert seen transfer ID %q: %w", transferID, err)
	}

	return nil
}

// HasSeenID returns true if a transfer ID has already been processed.
func (s *Store) HasSeenID(transferID string) (bool, error) {
	if transferID == "" {
		return false, errors.New("transfer_id is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM seen_transfer_ids WHERE transfer_id = ?)`,
		transferID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check seen transfer ID %q: %w", transferID, err)
	}

	return exists == 1, nil
}

// PruneSeenIDs removes seen_transfer_ids rows older than cutoff timestamp.
func (s *Store) PruneSeenIDs(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM seen_transfer_ids WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune seen transfer IDs: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen ID prune: %w", err)
	}

	return rowsAffected, nil
}
