package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"filedrop/models"
)

// RecordTransfer inserts or replaces a resolved transfer in history.
func (s *Store) RecordTransfer(transfer models.Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.Direction != models.DirectionSent && transfer.Direction != models.DirectionReceived {
		return fmt.Errorf("invalid transfer direction %q", transfer.Direction)
	}
	if transfer.ResolvedAt == 0 {
		transfer.ResolvedAt = nowUnixMilli()
	}
	if transfer.StartedAt == 0 {
		transfer.StartedAt = transfer.ResolvedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers
		(transfer_id, direction, peer_name, file_count, total_size, final_status, started_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
		  final_status = excluded.final_status,
		  resolved_at  = excluded.resolved_at`,
		transfer.TransferID,
		transfer.Direction,
		transfer.PeerName,
		transfer.FileCount,
		transfer.TotalSize,
		transfer.FinalStatus,
		transfer.StartedAt,
		transfer.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("record transfer %q: %w", transfer.TransferID, err)
	}

	return nil
}

// GetTransfer returns one history entry by ID.
func (s *Store) GetTransfer(transferID string) (models.Transfer, error) {
	if transferID == "" {
		return models.Transfer{}, errors.New("transfer_id is required")
	}

	row := s.db.QueryRow(
		`SELECT transfer_id, direction, peer_name, file_count, total_size, final_status, started_at, resolved_at
		FROM transfers WHERE transfer_id = ?`,
		transferID,
	)

	var transfer models.Transfer
	err := row.Scan(
		&transfer.TransferID,
		&transfer.Direction,
		&transfer.PeerName,
		&transfer.FileCount,
		&transfer.TotalSize,
		&transfer.FinalStatus,
		&transfer.StartedAt,
		&transfer.ResolvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Transfer{}, ErrNotFound
	}
	if err != nil {
		return models.Transfer{}, fmt.Errorf("get transfer %q: %w", transferID, err)
	}

	return transfer, nil
}

// ListRecentTransfers returns the newest history entries, most recent first.
func (s *Store) ListRecentTransfers(limit int) ([]models.Transfer, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT transfer_id, direction, peer_name, file_count, total_size, final_status, started_at, resolved_at
		FROM transfers
		ORDER BY resolved_at DESC, transfer_id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent transfers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []models.Transfer
	for rows.Next() {
		var transfer models.Transfer
		if err := rows.Scan(
			&transfer.TransferID,
			&transfer.Direction,
			&transfer.PeerName,
			&transfer.FileCount,
			&transfer.TotalSize,
			&transfer.FinalStatus,
			&transfer.StartedAt,
			&transfer.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		out = append(out, transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return out, nil
}
