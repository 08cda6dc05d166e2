package transfer

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"filerelay/network"
)

// Engine pairs a Sender and a Receiver over one transport. Inbound messages
// enter through HandleInbound; everything outbound leaves through the transport.
type Engine struct {
	opts      Options
	transport Transport
	log       *logrus.Entry

	sender   *Sender
	receiver *Receiver
}

// NewEngine builds an engine. opts may be the zero value.
func NewEngine(transport Transport, opts Options) (*Engine, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidInput)
	}
	opts = opts.withDefaults()

	return &Engine{
		opts:      opts,
		transport: transport,
		log:       opts.Logger,
		sender:    newSender(transport, opts),
		receiver:  newReceiver(transport, opts),
	}, nil
}

// Options returns the effective options after defaults were applied.
func (e *Engine) Options() Options {
	return e.opts
}

// HandleInbound decodes one payload and dispatches it. Payloads that are not
// file envelopes are ignored.
func (e *Engine) HandleInbound(in network.Inbound) error {
	env, err := network.DecodeEnvelope(in.Payload)
	if err != nil {
		e.log.WithError(err).WithField("from", in.From).Debug("ignoring inbound payload")
		return nil
	}

	switch env.Op {
	case network.OpRequest:
		e.sender.ServeRequest(env.TransferID, env.Request.Missing)
		return nil
	case network.OpCancel:
		outcome, err := e.receiver.Handle(env, in.From, in.Route)
		e.sender.Abort(env.TransferID, outcome.Reason)
		return err
	case network.OpHeader, network.OpChunk, network.OpComplete:
		_, err := e.receiver.Handle(env, in.From, in.Route)
		return err
	default:
		return fmt.Errorf("%w %q", network.ErrUnknownOp, env.Op)
	}
}

// Send transfers src to the peer, blocking until complete is emitted, the
// transfer is cancelled, or ctx ends.
func (e *Engine) Send(ctx context.Context, src Source, so SendOptions) (OutgoingTransfer, error) {
	return e.sender.Send(ctx, src, so)
}

// Begin starts an outgoing transfer without driving it; see Step.
func (e *Engine) Begin(ctx context.Context, src Source, so SendOptions) (OutgoingTransfer, error) {
	return e.sender.Begin(ctx, src, so)
}

// Step advances the outgoing transfer by one chunk.
func (e *Engine) Step(ctx context.Context) (bool, error) {
	return e.sender.Step(ctx)
}

// Cancel cancels the outgoing transfer.
func (e *Engine) Cancel(reason string) error {
	return e.sender.Cancel(reason)
}

// Release drops a finished outgoing transfer and its resend cache.
func (e *Engine) Release() bool {
	return e.sender.Release()
}

// Outgoing returns the outgoing transfer state.
func (e *Engine) Outgoing() OutgoingTransfer {
	return e.sender.Snapshot()
}

// Incoming returns one incoming transfer.
func (e *Engine) Incoming(transferID string) (IncomingTransfer, bool) {
	return e.receiver.Get(transferID)
}

// Transfers lists incoming transfers, oldest first.
func (e *Engine) Transfers() []IncomingTransfer {
	return e.receiver.List()
}

// Clear forgets an incoming transfer.
func (e *Engine) Clear(transferID string) bool {
	return e.receiver.Clear(transferID)
}

// SetPassphrase sets the passphrase for one incoming transfer.
func (e *Engine) SetPassphrase(transferID, passphrase string) error {
	return e.receiver.SetPassphrase(transferID, passphrase)
}

// Retry re-requests missing chunks of a completed incoming transfer.
func (e *Engine) Retry(transferID string) error {
	return e.receiver.Retry(transferID)
}

// RetryPending retries every completed incoming transfer that is not ready.
// It returns how many transfers were retried.
func (e *Engine) RetryPending() int {
	retried := 0
	for _, t := range e.receiver.List() {
		if !t.Completed || t.Ready || t.Cancelled {
			continue
		}
		if err := e.receiver.Retry(t.TransferID); err != nil {
			e.log.WithError(err).WithField("transfer_id", t.TransferID).Debug("retry did not finish transfer")
		}
		retried++
	}
	return retried
}

// Accept delivers a ready incoming transfer on the file channel.
func (e *Engine) Accept(transferID string) error {
	return e.receiver.Accept(transferID)
}
