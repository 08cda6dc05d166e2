package transfer

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	appcrypto "filerelay/crypto"
	"filerelay/network"
)

// ReasonSenderCancel is the cancel reason used when none is given.
const ReasonSenderCancel = "sender-cancel"

// SenderState is the lifecycle state of an outgoing transfer.
type SenderState string

const (
	StateIdle       SenderState = "idle"
	StateSending    SenderState = "sending"
	StateChunking   SenderState = "chunking"
	StateCompleting SenderState = "completing"
	StateFinished   SenderState = "finished"
	StateCancelled  SenderState = "cancelled"
	StateFailed     SenderState = "failed"
)

func (s SenderState) active() bool {
	return s == StateSending || s == StateChunking || s == StateCompleting
}

// SendOptions overrides engine defaults for one send.
type SendOptions struct {
	TransferID string
	Passphrase string
	ChunkSize  int
	Route      string
}

// OutgoingTransfer is a snapshot of the sender's current transfer.
type OutgoingTransfer struct {
	ID           string
	Name         string
	Mime         string
	Size         int64
	ChunkSize    int
	TotalChunks  int
	SentChunks   int
	Route        string
	Encrypted    bool
	Fingerprint  string
	State        SenderState
	Cancelled    bool
	CancelReason string
	CachedChunks int
}

// cachedChunk is the exact representation of a chunk as first sent.
type cachedChunk struct {
	payload []byte
	rawLen  int
}

type outgoing struct {
	OutgoingTransfer

	source     Source
	encryption *appcrypto.EncryptionInfo
	nextSeq    int
	cache      map[int]cachedChunk
}

func (t *outgoing) snapshot() OutgoingTransfer {
	out := t.OutgoingTransfer
	out.CachedChunks = len(t.cache)
	return out
}

func (t *outgoing) progress() float64 {
	if t.TotalChunks == 0 {
		return 0
	}
	return float64(t.SentChunks) / float64(t.TotalChunks)
}

// Sender owns at most one active outgoing transfer and its resend cache.
type Sender struct {
	opts      Options
	transport Transport
	log       *logrus.Entry

	// emitMu orders chunk sends against cancel so no chunk follows a
	// cancel on the wire. Acquired before mu.
	emitMu sync.Mutex

	mu      sync.Mutex
	current *outgoing
}

func newSender(transport Transport, opts Options) *Sender {
	return &Sender{
		opts:      opts,
		transport: transport,
		log:       opts.Logger.WithField("direction", DirectionSend),
	}
}

// Begin validates the source, derives encryption and emits the header.
// A second Begin while a transfer is active fails with ErrTransferBusy and
// leaves the active transfer untouched.
func (s *Sender) Begin(ctx context.Context, src Source, so SendOptions) (OutgoingTransfer, error) {
	if err := ctx.Err(); err != nil {
		return OutgoingTransfer{}, err
	}
	if err := src.validate(); err != nil {
		return OutgoingTransfer{}, err
	}

	name := src.Name
	if name == "" {
		name = "file.bin"
	}
	mimeType := src.Mime
	if mimeType == "" {
		mimeType = detectMime(name)
	}
	chunkSize := s.opts.ChunkSize
	if so.ChunkSize != 0 {
		chunkSize = ClampChunkSize(so.ChunkSize)
	}
	route := so.Route
	if route == "" {
		route = s.opts.PreferRoute
	}
	id := so.TransferID
	if id == "" {
		id = uuid.NewString()
	}

	t := &outgoing{
		OutgoingTransfer: OutgoingTransfer{
			ID:          id,
			Name:        name,
			Mime:        mimeType,
			Size:        src.Size,
			ChunkSize:   chunkSize,
			TotalChunks: ChunkCount(src.Size, chunkSize),
			Route:       route,
			State:       StateSending,
		},
		source:  src,
		nextSeq: 1,
		cache:   make(map[int]cachedChunk),
	}

	s.mu.Lock()
	if s.current != nil && s.current.State.active() {
		busy := s.current.ID
		s.mu.Unlock()
		return OutgoingTransfer{}, fmt.Errorf("%w: %s", ErrTransferBusy, busy)
	}
	s.current = t
	s.mu.Unlock()

	passphrase := so.Passphrase
	if passphrase == "" {
		passphrase = s.opts.DefaultKey
	}
	info, err := appcrypto.DeriveKey(passphrase, nil, s.opts.Iterations)
	if err != nil {
		s.fail(t, err)
		return OutgoingTransfer{}, fmt.Errorf("transfer %s: %w", id, err)
	}

	header := &network.Header{
		Base:        network.NewBase(network.OpHeader, id),
		Name:        name,
		Size:        src.Size,
		Mime:        mimeType,
		TotalChunks: t.TotalChunks,
		ChunkSize:   chunkSize,
		Route:       route,
	}
	if info != nil {
		header.Encryption = &network.HeaderEncryption{
			Alg:         info.Alg,
			Salt:        info.SaltB64,
			Iterations:  info.Iterations,
			Fingerprint: info.Fingerprint,
			IVBytes:     appcrypto.NonceSize,
		}
	}

	s.mu.Lock()
	t.encryption = info
	t.Encrypted = info != nil
	if info != nil {
		t.Fingerprint = info.Fingerprint
	}
	var out outbox
	out.envelope(network.Envelope{Op: network.OpHeader, Header: header}, s.log)
	out.status(StatusEvent{
		Direction:   DirectionSend,
		TransferID:  id,
		Op:          string(network.OpHeader),
		TotalChunks: t.TotalChunks,
	})
	snapshot := t.snapshot()
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"transfer_id":  id,
		"name":         name,
		"size":         src.Size,
		"total_chunks": t.TotalChunks,
		"encrypted":    info != nil,
	}).Info("starting outgoing transfer")

	if err := out.flush(s.transport, s.log); err != nil {
		s.fail(t, err)
		return OutgoingTransfer{}, fmt.Errorf("send header: %w", err)
	}
	return snapshot, nil
}

// Step advances the current transfer by one suspension point: one chunk, or
// the complete message after the last chunk. It reports done once the
// transfer has finished or was cancelled.
func (s *Sender) Step(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	t := s.current
	if t == nil {
		s.mu.Unlock()
		return true, ErrUnknownTransfer
	}
	if t.Cancelled || !t.State.active() {
		s.mu.Unlock()
		return true, nil
	}

	if t.nextSeq > t.TotalChunks {
		return true, s.completeLocked(t)
	}

	seq := t.nextSeq
	t.State = StateChunking
	offset := int64(seq-1) * int64(t.ChunkSize)
	length := t.ChunkSize
	if remaining := t.Size - offset; remaining < int64(length) {
		length = int(remaining)
	}
	src := t.source
	info := t.encryption
	s.mu.Unlock()

	var plaintext []byte
	if length > 0 {
		var err error
		plaintext, err = readChunk(src.Reader, offset, length)
		if err != nil {
			s.fail(t, err)
			return true, err
		}
	}

	chunk := &network.Chunk{
		Base:        network.NewBase(network.OpChunk, t.ID),
		Seq:         seq,
		TotalChunks: t.TotalChunks,
		Size:        t.Size,
		ChunkSize:   length,
		Route:       t.Route,
	}
	if info != nil {
		sealed, err := appcrypto.EncryptChunk(info, plaintext)
		if err != nil {
			s.fail(t, err)
			return true, fmt.Errorf("encrypt chunk %d: %w", seq, err)
		}
		chunk.Data = sealed.Ciphertext
		chunk.Encryption = &network.ChunkEncryption{IV: sealed.IV, Alg: info.Alg}
	} else {
		chunk.Data = base64.StdEncoding.EncodeToString(plaintext)
	}

	payload, err := network.Envelope{Op: network.OpChunk, Chunk: chunk}.Encode()
	if err != nil {
		s.fail(t, err)
		return true, err
	}

	s.emitMu.Lock()
	s.mu.Lock()
	// Cancellation set while this chunk was being read or sealed takes
	// effect here, before anything is emitted.
	if t.Cancelled || s.current != t {
		s.mu.Unlock()
		s.emitMu.Unlock()
		return true, nil
	}
	t.cache[seq] = cachedChunk{payload: payload, rawLen: length}
	s.mu.Unlock()

	if err := s.transport.Send(network.ChannelOutgoing, payload); err != nil {
		s.emitMu.Unlock()
		s.fail(t, err)
		return true, fmt.Errorf("send chunk %d: %w", seq, err)
	}

	// Cancel waits on emitMu, so t.Cancelled cannot have changed since the
	// check above.
	s.mu.Lock()
	t.SentChunks = seq
	t.nextSeq = seq + 1
	if t.nextSeq > t.TotalChunks {
		t.State = StateCompleting
	}
	var out outbox
	out.status(StatusEvent{
		Direction:   DirectionSend,
		TransferID:  t.ID,
		Op:          string(network.OpChunk),
		Seq:         seq,
		TotalChunks: t.TotalChunks,
		Progress:    t.progress(),
	})
	s.mu.Unlock()
	s.emitMu.Unlock()

	_ = out.flush(s.transport, s.log)
	return false, nil
}

// completeLocked emits the complete message; s.mu is held on entry and released.
func (s *Sender) completeLocked(t *outgoing) error {
	t.State = StateCompleting
	complete := &network.Complete{
		Base:        network.NewBase(network.OpComplete, t.ID),
		TotalChunks: t.TotalChunks,
		Size:        t.Size,
		Route:       t.Route,
	}
	var out outbox
	out.envelope(network.Envelope{Op: network.OpComplete, Complete: complete}, s.log)
	out.status(StatusEvent{
		Direction:   DirectionSend,
		TransferID:  t.ID,
		Op:          string(network.OpComplete),
		TotalChunks: t.TotalChunks,
		Progress:    t.progress(),
	})
	t.State = StateFinished
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"transfer_id": t.ID,
		"sent_chunks": t.SentChunks,
	}).Info("outgoing transfer complete")

	return out.flush(s.transport, s.log)
}

// Send runs a whole transfer: Begin, then Step with a throttle between chunks.
// Context cancellation cancels the transfer cooperatively.
func (s *Sender) Send(ctx context.Context, src Source, so SendOptions) (OutgoingTransfer, error) {
	if _, err := s.Begin(ctx, src, so); err != nil {
		return OutgoingTransfer{}, err
	}

	var timer *time.Timer
	if s.opts.Throttle > 0 {
		timer = time.NewTimer(s.opts.Throttle)
		defer timer.Stop()
	}

	for {
		done, err := s.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = s.Cancel(ReasonSenderCancel)
			}
			return s.Snapshot(), err
		}
		if done {
			return s.Snapshot(), nil
		}

		if timer == nil {
			continue
		}
		timer.Reset(s.opts.Throttle)
		select {
		case <-ctx.Done():
			_ = s.Cancel(ReasonSenderCancel)
			return s.Snapshot(), ctx.Err()
		case <-timer.C:
		}
	}
}

// Cancel stops the current transfer at its next step and tells the peer.
// Cancelling a finished transfer only releases its resend cache.
func (s *Sender) Cancel(reason string) error {
	if reason == "" {
		reason = ReasonSenderCancel
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	t := s.current
	if t == nil {
		s.mu.Unlock()
		return ErrUnknownTransfer
	}
	if !t.State.active() {
		if t.State == StateFinished {
			s.current = nil
		}
		s.mu.Unlock()
		return nil
	}
	out := s.cancelLocked(t, reason, true)
	s.mu.Unlock()

	return out.flush(s.transport, s.log)
}

// Abort cancels the current transfer if it matches transferID, without
// echoing a cancel back to the peer.
func (s *Sender) Abort(transferID, reason string) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	t := s.current
	if t == nil || t.ID != transferID || t.Cancelled {
		s.mu.Unlock()
		return false
	}
	out := s.cancelLocked(t, reason, false)
	s.mu.Unlock()

	_ = out.flush(s.transport, s.log)
	return true
}

func (s *Sender) cancelLocked(t *outgoing, reason string, notifyPeer bool) outbox {
	t.Cancelled = true
	t.CancelReason = reason
	t.State = StateCancelled
	t.cache = nil

	var out outbox
	if notifyPeer {
		out.envelope(network.Envelope{Op: network.OpCancel, Cancel: &network.Cancel{
			Base:   network.NewBase(network.OpCancel, t.ID),
			Reason: reason,
		}}, s.log)
	}
	out.status(StatusEvent{
		Direction:   DirectionSend,
		TransferID:  t.ID,
		Op:          string(network.OpCancel),
		TotalChunks: t.TotalChunks,
		Progress:    t.progress(),
		Reason:      reason,
	})

	s.log.WithFields(logrus.Fields{
		"transfer_id": t.ID,
		"sent_chunks": t.SentChunks,
		"reason":      reason,
	}).Info("outgoing transfer cancelled")
	return out
}

// ServeRequest resends cached chunks byte-for-byte. Unknown transfers and
// unknown sequences are ignored. It returns how many chunks were resent.
func (s *Sender) ServeRequest(transferID string, missing []int) int {
	s.mu.Lock()
	t := s.current
	if t == nil || t.ID != transferID || t.Cancelled || t.cache == nil {
		s.mu.Unlock()
		s.log.WithField("transfer_id", transferID).Debug("ignoring resend request for unknown transfer")
		return 0
	}

	var out outbox
	resent := 0
	for _, seq := range missing {
		cached, ok := t.cache[seq]
		if !ok {
			continue
		}
		out = append(out, outbound{channel: network.ChannelOutgoing, payload: cached.payload})
		out.status(StatusEvent{
			Direction:   DirectionSend,
			TransferID:  t.ID,
			Op:          StatusResend,
			Seq:         seq,
			TotalChunks: t.TotalChunks,
		})
		resent++
	}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"transfer_id": transferID,
		"requested":   len(missing),
		"resent":      resent,
	}).Info("serving resend request")

	_ = out.flush(s.transport, s.log)
	return resent
}

// Release drops a transfer that is no longer active, with its resend cache.
func (s *Sender) Release() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.State.active() {
		return false
	}
	s.current = nil
	return true
}

// Snapshot returns the current transfer state; the zero value with StateIdle
// when there is none.
func (s *Sender) Snapshot() OutgoingTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return OutgoingTransfer{State: StateIdle}
	}
	return s.current.snapshot()
}

func (s *Sender) fail(t *outgoing, err error) {
	s.mu.Lock()
	if t.State.active() {
		t.State = StateFailed
	}
	id := t.ID
	var out outbox
	out.status(StatusEvent{
		Direction:  DirectionSend,
		TransferID: id,
		Op:         StatusError,
		Reason:     err.Error(),
	})
	s.mu.Unlock()

	s.log.WithError(err).WithField("transfer_id", id).Error("outgoing transfer failed")
	_ = out.flush(s.transport, s.log)
}
