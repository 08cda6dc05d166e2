package transfer

import (
	"encoding/base64"
	"fmt"

	"github.com/sirupsen/logrus"

	appcrypto "filerelay/crypto"
	"filerelay/network"
)

// maxRequestSeqs bounds the sequences listed in one request so its frame
// stays well under network.MaxFrameSize.
const maxRequestSeqs = 64 * 1024

// missingLocked lists empty slots in 1..TotalChunks, ascending.
func (t *incoming) missingLocked() []int {
	var missing []int
	for seq := 1; seq <= t.info.TotalChunks; seq++ {
		if _, ok := t.slots[seq]; !ok {
			missing = append(missing, seq)
		}
	}
	return missing
}

// receivedBoundLocked is an upper bound on the plaintext the stored slots can
// decode to.
func (t *incoming) receivedBoundLocked() int64 {
	var bound int64
	for _, slot := range t.slots {
		bound += int64(base64.StdEncoding.DecodedLen(len(slot.data)))
	}
	return bound
}

// reassembleLocked turns a completed record into file bytes, or queues a
// resend request for the gaps. A record that is already ready is left alone.
func (r *Receiver) reassembleLocked(t *incoming, out *outbox) error {
	if t.info.Ready {
		return nil
	}
	if t.info.TotalChunks <= 0 {
		return r.failLocked(t, out, fmt.Errorf("%w: total chunks unknown", ErrMissingMetadata))
	}

	if missing := t.missingLocked(); len(missing) > 0 {
		if r.opts.MaxResendRequests > 0 && t.info.MissingTries >= r.opts.MaxResendRequests {
			return r.failLocked(t, out, fmt.Errorf("%w after %d request(s), %d chunk(s) still missing",
				ErrResendExhausted, t.info.MissingTries, len(missing)))
		}
		t.info.MissingTries++
		for rest := missing; len(rest) > 0; {
			batch := rest[:min(len(rest), maxRequestSeqs)]
			rest = rest[len(batch):]
			out.envelope(network.Envelope{Op: network.OpRequest, Request: &network.Request{
				Base:    network.NewBase(network.OpRequest, t.info.TransferID),
				Missing: batch,
			}}, r.log)
		}
		out.status(StatusEvent{
			Direction:   DirectionReceive,
			TransferID:  t.info.TransferID,
			Op:          StatusMissing,
			TotalChunks: t.info.TotalChunks,
			Progress:    t.progressLocked(),
			Missing:     missing,
		})
		r.log.WithFields(logrus.Fields{
			"transfer_id": t.info.TransferID,
			"missing":     len(missing),
			"attempt":     t.info.MissingTries,
		}).Info("requesting missing chunks")
		return &MissingChunksError{TransferID: t.info.TransferID, Missing: missing}
	}

	capacity := t.info.Size
	if capacity <= 0 {
		capacity = int64(t.slots[1].rawLen) * int64(t.info.TotalChunks)
	}
	// Declared sizes come from the peer; reserve no more than was received.
	capacity = max(0, min(capacity, t.receivedBoundLocked()))
	buffer := make([]byte, 0, capacity)

	for seq := 1; seq <= t.info.TotalChunks; seq++ {
		plain, err := r.openSlotLocked(t, seq)
		if err != nil {
			return r.failLocked(t, out, err)
		}
		// append grows past the estimate when the declared size was short.
		buffer = append(buffer, plain...)
	}

	if t.info.Size > 0 && int64(len(buffer)) != t.info.Size {
		r.log.WithFields(logrus.Fields{
			"transfer_id": t.info.TransferID,
			"declared":    t.info.Size,
			"assembled":   len(buffer),
		}).Warn("assembled size differs from declared size")
	}

	t.info.Data = buffer[:len(buffer):len(buffer)]
	t.info.Ready = true
	t.info.LastError = ""
	out.status(StatusEvent{
		Direction:   DirectionReceive,
		TransferID:  t.info.TransferID,
		Op:          StatusReady,
		TotalChunks: t.info.TotalChunks,
		Progress:    1,
	})
	r.log.WithFields(logrus.Fields{
		"transfer_id": t.info.TransferID,
		"name":        t.info.Name,
		"size":        len(buffer),
		"encrypted":   t.info.Encryption != nil,
	}).Info("incoming transfer ready")

	if r.opts.AutoAccept {
		r.deliverLocked(t, out)
	}
	return nil
}

func (r *Receiver) openSlotLocked(t *incoming, seq int) ([]byte, error) {
	slot := t.slots[seq]
	if !slot.encrypted && t.info.Encryption == nil {
		plain, err := base64.StdEncoding.DecodeString(slot.data)
		if err != nil {
			return nil, fmt.Errorf("decode chunk %d: %w", seq, err)
		}
		return plain, nil
	}

	info, err := r.keyLocked(t)
	if err != nil {
		return nil, err
	}
	plain, err := appcrypto.DecryptChunk(info, slot.iv, slot.data)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", seq, err)
	}
	return plain, nil
}

// keyLocked derives the transfer key once and checks it against the declared
// fingerprint. Nothing is decrypted with a key that fails the check.
func (r *Receiver) keyLocked(t *incoming) (*appcrypto.EncryptionInfo, error) {
	meta := t.info.Encryption
	if meta == nil || meta.Salt == "" || meta.Fingerprint == "" {
		return nil, fmt.Errorf("%w: encrypted chunk without key parameters", ErrMissingMetadata)
	}
	if t.decrypt != nil {
		return t.decrypt, nil
	}

	passphrase := r.opts.DefaultKey
	if t.hasPassphrase {
		passphrase = t.passphrase
	}
	if passphrase == "" {
		return nil, fmt.Errorf("%w: no passphrase for encrypted transfer", ErrPassphraseMismatch)
	}

	info, err := appcrypto.DeriveKeyB64(passphrase, meta.Salt, meta.Iterations)
	if err != nil {
		return nil, err
	}
	if !appcrypto.FingerprintMatches(info, meta.Fingerprint) {
		return nil, fmt.Errorf("%w: key %s does not match declared %s",
			ErrPassphraseMismatch, shortFingerprint(info.Fingerprint), shortFingerprint(meta.Fingerprint))
	}
	t.decrypt = info
	return info, nil
}

// failLocked records a reassembly failure. Received chunks are kept so the
// attempt can be retried.
func (r *Receiver) failLocked(t *incoming, out *outbox, err error) error {
	t.info.LastError = err.Error()
	t.decrypt = nil
	out.status(StatusEvent{
		Direction:   DirectionReceive,
		TransferID:  t.info.TransferID,
		Op:          StatusError,
		TotalChunks: t.info.TotalChunks,
		Progress:    t.progressLocked(),
		Reason:      err.Error(),
	})
	r.log.WithError(err).WithField("transfer_id", t.info.TransferID).Warn("reassembly failed")
	return err
}

func (r *Receiver) deliverLocked(t *incoming, out *outbox) {
	t.info.Delivered = true
	out.delivery(Delivery{
		TransferID: t.info.TransferID,
		Name:       t.info.Name,
		Mime:       t.info.Mime,
		Size:       int64(len(t.info.Data)),
		From:       t.info.From,
		Route:      t.info.Route,
		Data:       t.info.Data,
	}, r.log)
}

func shortFingerprint(fingerprint string) string {
	if len(fingerprint) > 16 {
		return fingerprint[:16]
	}
	return fingerprint
}
