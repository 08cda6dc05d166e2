package transfer

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"filerelay/network"
)

// Direction tells which side of a transfer a status event describes.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Status ops beyond the five wire ops.
const (
	StatusResend  = "resend"
	StatusMissing = "missing"
	StatusReady   = "ready"
	StatusError   = "error"
)

// StatusEvent is emitted on the status channel for every state transition.
type StatusEvent struct {
	Direction   Direction `json:"direction"`
	TransferID  string    `json:"transferId"`
	Op          string    `json:"op"`
	Seq         int       `json:"seq,omitempty"`
	TotalChunks int       `json:"totalChunks,omitempty"`
	Progress    float64   `json:"progress,omitempty"`
	Missing     []int     `json:"missing,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Ts          int64     `json:"ts"`
}

// DecodeStatus parses a status channel payload.
func DecodeStatus(payload []byte) (StatusEvent, error) {
	var event StatusEvent
	err := json.Unmarshal(payload, &event)
	return event, err
}

// Delivery is the file channel payload for an assembled transfer.
type Delivery struct {
	TransferID string `json:"transferId"`
	Name       string `json:"name"`
	Mime       string `json:"mime"`
	Size       int64  `json:"size"`
	From       string `json:"from,omitempty"`
	Route      string `json:"route,omitempty"`
	Data       []byte `json:"data"`
}

// DecodeDelivery parses a file channel payload.
func DecodeDelivery(payload []byte) (Delivery, error) {
	var delivery Delivery
	err := json.Unmarshal(payload, &delivery)
	return delivery, err
}

// outbound is a message queued while engine locks are held and sent after release.
type outbound struct {
	channel network.Channel
	payload []byte
}

type outbox []outbound

func (o *outbox) envelope(env network.Envelope, log *logrus.Entry) {
	payload, err := env.Encode()
	if err != nil {
		log.WithError(err).WithField("op", env.Op).Error("encode envelope failed")
		return
	}
	*o = append(*o, outbound{channel: network.ChannelOutgoing, payload: payload})
}

func (o *outbox) status(event StatusEvent) {
	if event.Ts == 0 {
		event.Ts = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	*o = append(*o, outbound{channel: network.ChannelStatus, payload: payload})
}

func (o *outbox) delivery(d Delivery, log *logrus.Entry) {
	payload, err := json.Marshal(d)
	if err != nil {
		log.WithError(err).WithField("transfer_id", d.TransferID).Error("encode delivery failed")
		return
	}
	*o = append(*o, outbound{channel: network.ChannelFile, payload: payload})
}

// flush sends queued messages in order. The first outgoing-channel failure is
// returned; status and file failures are only logged.
func (o outbox) flush(transport Transport, log *logrus.Entry) error {
	var firstErr error
	for _, msg := range o {
		if err := transport.Send(msg.channel, msg.payload); err != nil {
			log.WithError(err).WithField("channel", msg.channel).Warn("transport send failed")
			if firstErr == nil && msg.channel == network.ChannelOutgoing {
				firstErr = err
			}
		}
	}
	return firstErr
}
