package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const transferColumns = `
	transfer_id,
	direction,
	name,
	mime,
	size,
	total_chunks,
	peer,
	status,
	stored_path,
	error,
	fingerprint,
	created_at,
	updated_at`

// SetHistoryRetention configures how long finished transfers are kept.
func (s *Store) SetHistoryRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultHistoryRetention
	}
	s.historyRetention = retention
}

// SaveTransfer inserts a transfer or replaces the row with the same id and
// direction. The original created_at is kept on replace.
func (s *Store) SaveTransfer(transfer Transfer) error {
	if strings.TrimSpace(transfer.TransferID) == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.Name == "" {
		return errors.New("name is required")
	}
	if transfer.Size < 0 {
		return errors.New("size must be >= 0")
	}
	if transfer.Status == "" {
		transfer.Status = StatusPending
	}
	if err := validateStatus(transfer.Status); err != nil {
		return err
	}
	now := nowUnixMilli()
	if transfer.CreatedAt == 0 {
		transfer.CreatedAt = now
	}
	if transfer.UpdatedAt == 0 {
		transfer.UpdatedAt = now
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id, direction) DO UPDATE SET
			name = excluded.name,
			mime = excluded.mime,
			size = excluded.size,
			total_chunks = excluded.total_chunks,
			peer = excluded.peer,
			status = excluded.status,
			stored_path = excluded.stored_path,
			error = excluded.error,
			fingerprint = excluded.fingerprint,
			updated_at = excluded.updated_at`,
		transfer.TransferID,
		transfer.Direction,
		transfer.Name,
		transfer.Mime,
		transfer.Size,
		transfer.TotalChunks,
		transfer.Peer,
		transfer.Status,
		transfer.StoredPath,
		transfer.Error,
		transfer.Fingerprint,
		transfer.CreatedAt,
		transfer.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transfer %q/%q: %w", transfer.TransferID, transfer.Direction, err)
	}

	if _, err := s.pruneExpired(); err != nil {
		return fmt.Errorf("prune transfer history: %w", err)
	}

	return nil
}

// UpdateTransferStatus sets status and error text for one transfer.
func (s *Store) UpdateTransferStatus(transferID, direction, status, errText string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateDirection(direction); err != nil {
		return err
	}
	if err := validateStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?, error = ?, updated_at = ?
		WHERE transfer_id = ? AND direction = ?`,
		status,
		errText,
		nowUnixMilli(),
		transferID,
		direction,
	)
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", transferID, err)
	}
	return requireRow(res, transferID)
}

// SetStoredPath records where a received file was written.
func (s *Store) SetStoredPath(transferID, direction, storedPath string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateDirection(direction); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET stored_path = ?, updated_at = ?
		WHERE transfer_id = ? AND direction = ?`,
		storedPath,
		nowUnixMilli(),
		transferID,
		direction,
	)
	if err != nil {
		return fmt.Errorf("set stored path %q: %w", transferID, err)
	}
	return requireRow(res, transferID)
}

// GetTransfer fetches one transfer by id and direction.
func (s *Store) GetTransfer(transferID, direction string) (*Transfer, error) {
	if err := validateDirection(direction); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE transfer_id = ? AND direction = ?`,
		transferID,
		direction,
	)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q/%q: %w", transferID, direction, err)
	}
	return transfer, nil
}

// ListTransfers returns transfers, most recently updated first.
func (s *Store) ListTransfers(filter TransferFilter) ([]Transfer, error) {
	query := `SELECT` + transferColumns + `
	FROM transfers`
	where := make([]string, 0, 2)
	args := make([]any, 0, 4)

	if filter.Direction != "" {
		if err := validateDirection(filter.Direction); err != nil {
			return nil, err
		}
		where = append(where, "direction = ?")
		args = append(args, filter.Direction)
	}
	if filter.Status != "" {
		if err := validateStatus(filter.Status); err != nil {
			return nil, err
		}
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, transfer_id, direction"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		transfer, scanErr := scanTransfer(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan transfer row: %w", scanErr)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return transfers, nil
}

// PruneTransfers removes finished transfers last updated before cutoffTimestamp.
func (s *Store) PruneTransfers(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(
		`DELETE FROM transfers
		WHERE updated_at < ? AND status IN ('complete','cancelled','failed')`,
		cutoffTimestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for transfer prune: %w", err)
	}
	return rowsAffected, nil
}

func (s *Store) pruneExpired() (int64, error) {
	if s.historyRetention <= 0 {
		return 0, nil
	}
	return s.PruneTransfers(time.Now().Add(-s.historyRetention).UnixMilli())
}

func requireRow(res sql.Result, transferID string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer %q: %w", transferID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTransfer(row scanner) (*Transfer, error) {
	var transfer Transfer
	if err := row.Scan(
		&transfer.TransferID,
		&transfer.Direction,
		&transfer.Name,
		&transfer.Mime,
		&transfer.Size,
		&transfer.TotalChunks,
		&transfer.Peer,
		&transfer.Status,
		&transfer.StoredPath,
		&transfer.Error,
		&transfer.Fingerprint,
		&transfer.CreatedAt,
		&transfer.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &transfer, nil
}
