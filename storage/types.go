package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// DirectionSend marks a transfer this device sent.
	DirectionSend = "send"
	// DirectionReceive marks a transfer this device received.
	DirectionReceive = "receive"
)

const (
	StatusPending   = "pending"
	StatusSending   = "sending"
	StatusReceiving = "receiving"
	StatusComplete  = "complete"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Transfer is the SQLite representation of one transfer in history.
type Transfer struct {
	TransferID  string
	Direction   string
	Name        string
	Mime        string
	Size        int64
	TotalChunks int
	Peer        string
	Status      string
	StoredPath  string
	Error       string
	Fingerprint string
	CreatedAt   int64
	UpdatedAt   int64
}

// TransferFilter narrows ListTransfers results.
type TransferFilter struct {
	Direction string
	Status    string
	Limit     int
	Offset    int
}

// Finished reports whether the transfer reached a terminal status.
func (t Transfer) Finished() bool {
	switch t.Status {
	case StatusComplete, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionSend, DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateStatus(status string) error {
	switch status {
	case StatusPending, StatusSending, StatusReceiving, StatusComplete, StatusCancelled, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
