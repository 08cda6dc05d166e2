package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"filerelay/network"
	"filerelay/storage"
	"filerelay/transfer"
)

// acceptFunc decides whether a ready transfer is delivered when the engine
// does not auto-accept.
type acceptFunc func(t transfer.IncomingTransfer) bool

// session runs one transfer Engine over one Link. Status events are mirrored
// into the history store and delivered files are written under filesDir.
type session struct {
	link     *network.Link
	engine   *transfer.Engine
	store    *storage.Store
	filesDir string
	accept   acceptFunc
	log      *logrus.Entry

	mu     sync.Mutex
	stored map[string]string
	done   chan string
}

type sessionOptions struct {
	Transfer transfer.Options
	Store    *storage.Store
	FilesDir string
	Accept   acceptFunc
}

func newSession(link *network.Link, options sessionOptions) (*session, error) {
	s := &session{
		link:     link,
		store:    options.Store,
		filesDir: options.FilesDir,
		accept:   options.Accept,
		log:      logrus.WithField("peer", link.PeerName()),
		stored:   make(map[string]string),
		done:     make(chan string, 16),
	}

	opts := options.Transfer
	if opts.Logger == nil {
		opts.Logger = s.log.WithField("component", "transfer")
	}

	mux := network.NewMux()
	mux.Handle(network.ChannelOutgoing, link.Send)
	mux.Handle(network.ChannelStatus, s.onStatus)
	mux.Handle(network.ChannelFile, s.onFile)

	engine, err := transfer.NewEngine(mux, opts)
	if err != nil {
		return nil, err
	}
	s.engine = engine

	link.Start(func(in network.Inbound) {
		if err := engine.HandleInbound(in); err != nil {
			s.log.WithError(err).Debug("inbound message not applied")
		}
	})
	return s, nil
}

// Delivered yields the ids of received transfers once their file is stored.
func (s *session) Delivered() <-chan string {
	return s.done
}

// StoredPath returns where a received transfer was written.
func (s *session) StoredPath(transferID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.stored[transferID]
	return path, ok
}

func (s *session) onStatus(payload []byte) error {
	event, err := transfer.DecodeStatus(payload)
	if err != nil {
		return fmt.Errorf("decode status event: %w", err)
	}

	entry := s.log.WithFields(logrus.Fields{
		"direction":   event.Direction,
		"transfer_id": event.TransferID,
		"op":          event.Op,
	})

	switch event.Direction {
	case transfer.DirectionSend:
		s.recordOutgoing(event, entry)
	case transfer.DirectionReceive:
		s.recordIncoming(event, entry)
	}
	return nil
}

func (s *session) recordOutgoing(event transfer.StatusEvent, entry *logrus.Entry) {
	status := ""
	switch event.Op {
	case string(network.OpHeader):
		status = storage.StatusSending
		entry.Info("header sent")
	case string(network.OpChunk):
		entry.WithField("seq", event.Seq).Debug("chunk sent")
	case string(network.OpComplete):
		status = storage.StatusComplete
		entry.WithField("total_chunks", event.TotalChunks).Info("all chunks sent")
	case string(network.OpCancel):
		status = storage.StatusCancelled
		entry.WithField("reason", event.Reason).Warn("transfer cancelled")
	case transfer.StatusResend:
		entry.WithField("seq", event.Seq).Info("resent chunk")
	case transfer.StatusError:
		status = storage.StatusFailed
		entry.WithField("reason", event.Reason).Error("send failed")
	}
	if status == "" || s.store == nil {
		return
	}

	out := s.engine.Outgoing()
	if out.ID != event.TransferID {
		s.updateStatus(event.TransferID, storage.DirectionSend, status, event.Reason)
		return
	}
	s.save(storage.Transfer{
		TransferID:  out.ID,
		Direction:   storage.DirectionSend,
		Name:        out.Name,
		Mime:        out.Mime,
		Size:        out.Size,
		TotalChunks: out.TotalChunks,
		Peer:        s.link.PeerName(),
		Status:      status,
		Error:       event.Reason,
		Fingerprint: out.Fingerprint,
	})
}

func (s *session) recordIncoming(event transfer.StatusEvent, entry *logrus.Entry) {
	status := ""
	switch event.Op {
	case string(network.OpHeader), string(network.OpComplete):
		status = storage.StatusReceiving
		entry.Info("incoming transfer updated")
	case string(network.OpChunk):
		entry.WithField("progress", event.Progress).Debug("chunk received")
	case transfer.StatusMissing:
		status = storage.StatusReceiving
		entry.WithField("missing", event.Missing).Info("requested missing chunks")
	case transfer.StatusReady:
		entry.Info("transfer assembled")
		s.maybeAccept(event.TransferID)
	case string(network.OpCancel):
		status = storage.StatusCancelled
		entry.WithField("reason", event.Reason).Warn("transfer cancelled by peer")
	case transfer.StatusError:
		status = storage.StatusFailed
		entry.WithField("reason", event.Reason).Error("reassembly failed")
	}
	if status == "" || s.store == nil {
		return
	}

	in, ok := s.engine.Incoming(event.TransferID)
	if !ok || in.Name == "" {
		// Nothing worth a history row until the header arrives.
		s.updateStatus(event.TransferID, storage.DirectionReceive, status, event.Reason)
		return
	}
	fingerprint := ""
	if in.Encryption != nil {
		fingerprint = in.Encryption.Fingerprint
	}
	s.save(storage.Transfer{
		TransferID:  in.TransferID,
		Direction:   storage.DirectionReceive,
		Name:        in.Name,
		Mime:        in.Mime,
		Size:        in.Size,
		TotalChunks: in.TotalChunks,
		Peer:        in.From,
		Status:      status,
		Error:       event.Reason,
		Fingerprint: fingerprint,
	})
}

func (s *session) maybeAccept(transferID string) {
	in, ok := s.engine.Incoming(transferID)
	if !ok || in.Delivered {
		return
	}
	if s.accept == nil || !s.accept(in) {
		s.log.WithField("transfer_id", transferID).Info("transfer held, not accepted")
		return
	}
	if err := s.engine.Accept(transferID); err != nil {
		s.log.WithError(err).WithField("transfer_id", transferID).Warn("accept failed")
	}
}

func (s *session) onFile(payload []byte) error {
	delivery, err := transfer.DecodeDelivery(payload)
	if err != nil {
		return fmt.Errorf("decode delivery: %w", err)
	}

	path, err := writeDelivery(s.filesDir, delivery)
	entry := s.log.WithField("transfer_id", delivery.TransferID)
	if err != nil {
		entry.WithError(err).Error("store received file")
		s.updateStatus(delivery.TransferID, storage.DirectionReceive, storage.StatusFailed, err.Error())
		return err
	}
	entry.WithFields(logrus.Fields{
		"name": delivery.Name,
		"size": delivery.Size,
		"path": path,
	}).Info("file received")

	if s.store != nil {
		if err := s.store.SetStoredPath(delivery.TransferID, storage.DirectionReceive, path); err != nil {
			entry.WithError(err).Warn("record stored path")
		}
		s.updateStatus(delivery.TransferID, storage.DirectionReceive, storage.StatusComplete, "")
	}

	// The file is on disk; the assembled bytes no longer need to be held.
	s.engine.Clear(delivery.TransferID)

	s.mu.Lock()
	s.stored[delivery.TransferID] = path
	s.mu.Unlock()
	select {
	case s.done <- delivery.TransferID:
	default:
	}
	return nil
}

func (s *session) save(t storage.Transfer) {
	if err := s.store.SaveTransfer(t); err != nil {
		s.log.WithError(err).WithField("transfer_id", t.TransferID).Warn("record transfer history")
	}
}

func (s *session) updateStatus(transferID, direction, status, errText string) {
	if s.store == nil {
		return
	}
	err := s.store.UpdateTransferStatus(transferID, direction, status, errText)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		s.log.WithField("transfer_id", transferID).Debug("no history row yet")
	default:
		s.log.WithError(err).WithField("transfer_id", transferID).Warn("update transfer history")
	}
}

// writeDelivery writes the file through a .part path and renames it into
// place, so a partially written file never carries the final name.
func writeDelivery(filesDir string, delivery transfer.Delivery) (string, error) {
	if err := os.MkdirAll(filesDir, 0o700); err != nil {
		return "", fmt.Errorf("create files directory: %w", err)
	}

	finalPath := filepath.Join(filesDir, prefixedFilename(delivery.TransferID, delivery.Name))
	tempPath := finalPath + ".part"
	if err := os.WriteFile(tempPath, delivery.Data, 0o600); err != nil {
		return "", fmt.Errorf("write %q: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("finalize %q: %w", finalPath, err)
	}
	return finalPath, nil
}

func prefixedFilename(transferID, name string) string {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "" || base == "/" || base == "." {
		base = "file.bin"
	}
	id := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(transferID)
	return id + "_" + base
}
