package transfer

import (
	"errors"
	"fmt"

	appcrypto "filerelay/crypto"
)

var (
	// ErrEncryptionSetup indicates key derivation failed for a supplied passphrase.
	ErrEncryptionSetup = appcrypto.ErrEncryptionSetup
	// ErrDecryption indicates AEAD authentication failed for a chunk.
	ErrDecryption = appcrypto.ErrDecryption
	// ErrPassphraseMismatch indicates the derived key fingerprint differs from the declared one.
	ErrPassphraseMismatch = errors.New("transfer: passphrase mismatch")
	// ErrMissingMetadata indicates reassembly lacks total chunks or encryption parameters.
	ErrMissingMetadata = errors.New("transfer: missing transfer metadata")
	// ErrTransferBusy indicates an outgoing transfer is already active.
	ErrTransferBusy = errors.New("transfer: outgoing transfer already active")
	// ErrInvalidInput indicates an unsupported file selection.
	ErrInvalidInput = errors.New("transfer: invalid input")
	// ErrMissingChunks indicates reassembly found empty slots and requested a resend.
	ErrMissingChunks = errors.New("transfer: missing chunks")
	// ErrResendExhausted indicates the configured resend request limit was reached.
	ErrResendExhausted = errors.New("transfer: resend requests exhausted")
	// ErrUnknownTransfer indicates no transfer matches the given id.
	ErrUnknownTransfer = errors.New("transfer: unknown transfer")
	// ErrNotReady indicates the transfer has not been reassembled yet.
	ErrNotReady = errors.New("transfer: not ready")
)

// MissingChunksError lists the 1-based sequences a reassembly attempt lacked.
type MissingChunksError struct {
	TransferID string
	Missing    []int
}

func (e *MissingChunksError) Error() string {
	return fmt.Sprintf("transfer %s: missing %d chunk(s) %v", e.TransferID, len(e.Missing), e.Missing)
}

// Is reports ErrMissingChunks equivalence for errors.Is.
func (e *MissingChunksError) Is(target error) bool {
	return target == ErrMissingChunks
}
