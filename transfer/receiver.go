package transfer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	appcrypto "filerelay/crypto"
	"filerelay/network"
)

// IncomingTransfer is a snapshot of one transfer being received.
type IncomingTransfer struct {
	TransferID  string
	Name        string
	Mime        string
	Size        int64
	TotalChunks int
	ChunkSize   int
	Route       string
	From        string
	Encryption  *network.HeaderEncryption

	ReceivedCount int
	Missing       []int
	Completed     bool
	Ready         bool
	Cancelled     bool
	CancelReason  string
	MissingTries  int
	LastError     string
	Delivered     bool

	// Data holds the assembled file once Ready. Callers must not modify it.
	Data []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Outcome reports what one inbound message did to its transfer.
type Outcome struct {
	TransferID string
	Ready      bool
	Cancelled  bool
	Reason     string
	Missing    []int
}

type chunkSlot struct {
	data      string
	iv        string
	alg       string
	encrypted bool
	rawLen    int
}

type incoming struct {
	info  IncomingTransfer
	slots map[int]chunkSlot

	passphrase    string
	hasPassphrase bool
	decrypt       *appcrypto.EncryptionInfo
}

func newIncoming(id string) *incoming {
	now := time.Now()
	return &incoming{
		info: IncomingTransfer{
			TransferID: id,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		slots: make(map[int]chunkSlot),
	}
}

func (t *incoming) snapshot() IncomingTransfer {
	out := t.info
	if out.Encryption != nil {
		meta := *out.Encryption
		out.Encryption = &meta
	}
	if out.TotalChunks > 0 && !out.Ready && !out.Cancelled {
		out.Missing = t.missingLocked()
	}
	return out
}

func (t *incoming) progressLocked() float64 {
	if t.info.TotalChunks <= 0 {
		return 0
	}
	return float64(t.info.ReceivedCount) / float64(t.info.TotalChunks)
}

// pruneLocked drops slots beyond a known total and recounts.
func (t *incoming) pruneLocked() {
	if t.info.TotalChunks > 0 {
		for seq := range t.slots {
			if seq > t.info.TotalChunks {
				delete(t.slots, seq)
			}
		}
	}
	t.info.ReceivedCount = len(t.slots)
}

// MaxTotalChunks caps the chunk count a peer may declare for one transfer.
const MaxTotalChunks = 1 << 20

// checkMetadata rejects declared totals no sender could have produced. A
// zero value means unknown and is not checked.
func checkMetadata(totalChunks int, size int64) error {
	switch {
	case totalChunks < 0 || size < 0:
		return fmt.Errorf("%w: negative total chunks %d or size %d", ErrMissingMetadata, totalChunks, size)
	case totalChunks > MaxTotalChunks:
		return fmt.Errorf("%w: %d chunks exceeds limit %d", ErrMissingMetadata, totalChunks, MaxTotalChunks)
	case totalChunks == 0 || size == 0:
		return nil
	case totalChunks > ChunkCount(size, MinChunkSize) || size > int64(totalChunks)*MaxChunkSize:
		return fmt.Errorf("%w: %d chunks cannot carry %d bytes", ErrMissingMetadata, totalChunks, size)
	}
	return nil
}

// fillLocked merges metadata from a chunk or complete into zero fields only.
// Totals that fail checkMetadata leave the record untouched.
func (t *incoming) fillLocked(totalChunks int, size int64, route, from string) error {
	merged, mergedSize := t.info.TotalChunks, t.info.Size
	if merged == 0 && totalChunks > 0 {
		merged = totalChunks
	}
	if mergedSize == 0 && size > 0 {
		mergedSize = size
	}
	if err := checkMetadata(merged, mergedSize); err != nil {
		return err
	}
	t.info.TotalChunks = merged
	t.info.Size = mergedSize
	if t.info.Route == "" {
		t.info.Route = route
	}
	if t.info.From == "" {
		t.info.From = from
	}
	return nil
}

// Receiver aggregates inbound messages into per-transfer records.
type Receiver struct {
	opts      Options
	transport Transport
	log       *logrus.Entry

	mu        sync.Mutex
	transfers map[string]*incoming
}

func newReceiver(transport Transport, opts Options) *Receiver {
	return &Receiver{
		opts:      opts,
		transport: transport,
		log:       opts.Logger.WithField("direction", DirectionReceive),
		transfers: make(map[string]*incoming),
	}
}

// Handle applies one decoded envelope. Request envelopes belong to the sender
// and are ignored here. Gaps found at completion are reported in the Outcome
// and answered with a resend request, not returned as an error.
func (r *Receiver) Handle(env network.Envelope, from, route string) (Outcome, error) {
	var out outbox

	r.mu.Lock()
	outcome, err := r.handleLocked(env, from, route, &out)
	r.mu.Unlock()

	if flushErr := out.flush(r.transport, r.log); flushErr != nil && err == nil {
		err = fmt.Errorf("transfer %s: %w", env.TransferID, flushErr)
	}

	var missing *MissingChunksError
	if errors.As(err, &missing) {
		outcome.Missing = missing.Missing
		err = nil
	}
	return outcome, err
}

func (r *Receiver) handleLocked(env network.Envelope, from, route string, out *outbox) (Outcome, error) {
	outcome := Outcome{TransferID: env.TransferID}
	log := r.log.WithFields(logrus.Fields{"transfer_id": env.TransferID, "op": env.Op})

	switch env.Op {
	case network.OpHeader:
		h := env.Header
		if err := checkMetadata(h.TotalChunks, h.Size); err != nil {
			out.status(StatusEvent{
				Direction:  DirectionReceive,
				TransferID: env.TransferID,
				Op:         StatusError,
				Reason:     err.Error(),
			})
			log.WithError(err).Warn("rejecting header")
			return outcome, err
		}
		t, ok := r.transfers[env.TransferID]
		if !ok || t.info.Ready || t.info.Cancelled {
			if ok {
				log.Debug("header supersedes finished transfer")
			}
			t = newIncoming(env.TransferID)
			r.transfers[env.TransferID] = t
		}
		if h.Route != "" {
			route = h.Route
		}
		t.decrypt = nil
		t.info.Name = h.Name
		t.info.Mime = h.Mime
		t.info.Size = h.Size
		t.info.TotalChunks = h.TotalChunks
		t.info.ChunkSize = h.ChunkSize
		t.info.Route = route
		if from != "" {
			t.info.From = from
		}
		t.info.Encryption = nil
		if h.Encryption != nil {
			meta := *h.Encryption
			t.info.Encryption = &meta
		}
		t.info.UpdatedAt = time.Now()
		t.pruneLocked()

		out.status(StatusEvent{
			Direction:   DirectionReceive,
			TransferID:  env.TransferID,
			Op:          string(network.OpHeader),
			TotalChunks: t.info.TotalChunks,
			Progress:    t.progressLocked(),
		})
		log.WithFields(logrus.Fields{
			"name":         h.Name,
			"size":         h.Size,
			"total_chunks": h.TotalChunks,
			"encrypted":    h.Encryption != nil,
			"from":         t.info.From,
		}).Info("incoming transfer announced")

		if t.info.Completed {
			return r.finishLocked(t, outcome, out)
		}
		return outcome, nil

	case network.OpChunk:
		c := env.Chunk
		if c.Seq <= 0 {
			log.WithField("seq", c.Seq).Debug("ignoring chunk with invalid sequence")
			return outcome, nil
		}
		t := r.recordLocked(env.TransferID)
		if t.info.Cancelled || t.info.Ready {
			log.WithField("seq", c.Seq).Debug("ignoring chunk for settled transfer")
			outcome.Cancelled = t.info.Cancelled
			outcome.Ready = t.info.Ready
			return outcome, nil
		}
		if err := t.fillLocked(c.TotalChunks, c.Size, firstNonEmpty(c.Route, route), from); err != nil {
			return outcome, r.failLocked(t, out, err)
		}
		if t.info.TotalChunks > 0 && c.Seq > t.info.TotalChunks {
			log.WithFields(logrus.Fields{"seq": c.Seq, "total_chunks": t.info.TotalChunks}).Debug("ignoring chunk beyond total")
			return outcome, nil
		}

		slot := chunkSlot{data: c.Data, rawLen: c.ChunkSize}
		if c.Encryption != nil {
			slot.encrypted = true
			slot.iv = c.Encryption.IV
			slot.alg = c.Encryption.Alg
		}
		t.slots[c.Seq] = slot
		t.pruneLocked()
		t.info.UpdatedAt = time.Now()

		out.status(StatusEvent{
			Direction:   DirectionReceive,
			TransferID:  env.TransferID,
			Op:          string(network.OpChunk),
			Seq:         c.Seq,
			TotalChunks: t.info.TotalChunks,
			Progress:    t.progressLocked(),
		})

		// While a resend is outstanding, wait for the last gap to fill
		// rather than re-requesting on every arrival. Remaining gaps are
		// re-requested by Retry, which Engine.RetryPending drives.
		if t.info.Completed && len(t.missingLocked()) == 0 {
			return r.finishLocked(t, outcome, out)
		}
		return outcome, nil

	case network.OpComplete:
		c := env.Complete
		t := r.recordLocked(env.TransferID)
		if t.info.Cancelled {
			log.Debug("ignoring complete for cancelled transfer")
			outcome.Cancelled = true
			return outcome, nil
		}
		if err := t.fillLocked(c.TotalChunks, c.Size, firstNonEmpty(c.Route, route), from); err != nil {
			return outcome, r.failLocked(t, out, err)
		}
		t.info.Completed = true
		t.info.UpdatedAt = time.Now()
		t.pruneLocked()

		out.status(StatusEvent{
			Direction:   DirectionReceive,
			TransferID:  env.TransferID,
			Op:          string(network.OpComplete),
			TotalChunks: t.info.TotalChunks,
			Progress:    t.progressLocked(),
		})
		return r.finishLocked(t, outcome, out)

	case network.OpCancel:
		reason := env.Cancel.Reason
		t := r.recordLocked(env.TransferID)
		_ = t.fillLocked(0, 0, route, from)
		t.info.Cancelled = true
		t.info.CancelReason = reason
		t.info.UpdatedAt = time.Now()
		t.slots = make(map[int]chunkSlot)
		t.info.ReceivedCount = 0
		t.decrypt = nil

		out.status(StatusEvent{
			Direction:   DirectionReceive,
			TransferID:  env.TransferID,
			Op:          string(network.OpCancel),
			TotalChunks: t.info.TotalChunks,
			Reason:      reason,
		})
		log.WithField("reason", reason).Info("incoming transfer cancelled by peer")

		outcome.Cancelled = true
		outcome.Reason = reason
		return outcome, nil

	case network.OpRequest:
		return outcome, nil

	default:
		return outcome, fmt.Errorf("%w %q", network.ErrUnknownOp, env.Op)
	}
}

func (r *Receiver) finishLocked(t *incoming, outcome Outcome, out *outbox) (Outcome, error) {
	err := r.reassembleLocked(t, out)
	outcome.Ready = t.info.Ready
	return outcome, err
}

func (r *Receiver) recordLocked(id string) *incoming {
	t, ok := r.transfers[id]
	if !ok {
		t = newIncoming(id)
		r.transfers[id] = t
	}
	return t
}

// SetPassphrase overrides the passphrase for one transfer, drops its cached
// key and retries reassembly when the transfer has completed.
func (r *Receiver) SetPassphrase(transferID, passphrase string) error {
	return r.withRecord(transferID, func(t *incoming, out *outbox) error {
		t.passphrase = passphrase
		t.hasPassphrase = true
		t.decrypt = nil
		t.info.LastError = ""
		if t.info.Completed && !t.info.Ready && !t.info.Cancelled {
			return r.reassembleLocked(t, out)
		}
		return nil
	})
}

// Retry re-runs reassembly for a completed transfer, re-requesting any gaps.
func (r *Receiver) Retry(transferID string) error {
	return r.withRecord(transferID, func(t *incoming, out *outbox) error {
		switch {
		case t.info.Ready:
			return nil
		case t.info.Cancelled:
			return fmt.Errorf("transfer %s: cancelled: %s", transferID, t.info.CancelReason)
		case !t.info.Completed:
			return fmt.Errorf("%w: transfer %s has not completed", ErrNotReady, transferID)
		}
		return r.reassembleLocked(t, out)
	})
}

// Accept emits a ready transfer on the file channel.
func (r *Receiver) Accept(transferID string) error {
	return r.withRecord(transferID, func(t *incoming, out *outbox) error {
		if !t.info.Ready {
			return fmt.Errorf("%w: transfer %s", ErrNotReady, transferID)
		}
		r.deliverLocked(t, out)
		return nil
	})
}

func (r *Receiver) withRecord(transferID string, fn func(t *incoming, out *outbox) error) error {
	var out outbox

	r.mu.Lock()
	t, ok := r.transfers[transferID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}
	err := fn(t, &out)
	r.mu.Unlock()

	if flushErr := out.flush(r.transport, r.log); flushErr != nil && err == nil {
		err = flushErr
	}
	return err
}

// Get returns a snapshot of one transfer.
func (r *Receiver) Get(transferID string) (IncomingTransfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transfers[transferID]
	if !ok {
		return IncomingTransfer{}, false
	}
	return t.snapshot(), true
}

// List returns snapshots of all transfers, oldest first.
func (r *Receiver) List() []IncomingTransfer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]IncomingTransfer, 0, len(r.transfers))
	for _, t := range r.transfers {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TransferID < out[j].TransferID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Clear forgets a transfer.
func (r *Receiver) Clear(transferID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.transfers[transferID]; !ok {
		return false
	}
	delete(r.transfers, transferID)
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
