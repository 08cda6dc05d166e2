package transfer

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"filerelay/network"
)

const testIterations = 1000

// testPeer records everything one engine emits.
type testPeer struct {
	name   string
	engine *Engine

	mu       sync.Mutex
	sent     []network.Envelope
	payloads [][]byte
	statuses []StatusEvent
	files    []Delivery
}

func (p *testPeer) sentOps(op network.Op) []network.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []network.Envelope
	for _, env := range p.sent {
		if env.Op == op {
			out = append(out, env)
		}
	}
	return out
}

func (p *testPeer) statusOps(op string) []StatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []StatusEvent
	for _, event := range p.statuses {
		if event.Op == op {
			out = append(out, event)
		}
	}
	return out
}

func (p *testPeer) delivered() []Delivery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Delivery(nil), p.files...)
}

type queued struct {
	to      *testPeer
	from    string
	env     network.Envelope
	payload []byte
}

// loopback connects two engines through an in-memory queue. Nothing is
// delivered until pump runs, so tests can drop, reorder or duplicate traffic.
type loopback struct {
	t *testing.T

	mu    sync.Mutex
	queue []queued

	// drop discards a message in flight when it returns true.
	drop func(from string, env network.Envelope) bool
	// duplicate delivers every message twice.
	duplicate bool

	sender   *testPeer
	receiver *testPeer
}

func newLoopback(t *testing.T, senderOpts, receiverOpts Options) *loopback {
	t.Helper()

	lb := &loopback{t: t}
	lb.sender = lb.newPeer("sender", senderOpts)
	lb.receiver = lb.newPeer("receiver", receiverOpts)
	return lb
}

func (lb *loopback) newPeer(name string, opts Options) *testPeer {
	lb.t.Helper()

	if opts.Iterations == 0 {
		opts.Iterations = testIterations
	}
	if opts.Throttle == 0 {
		opts.Throttle = -1
	}
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	opts.Logger = logger.WithField("peer", name)

	p := &testPeer{name: name}
	engine, err := NewEngine(TransportFunc(func(channel network.Channel, payload []byte) error {
		return lb.emit(p, channel, payload)
	}), opts)
	require.NoError(lb.t, err)
	p.engine = engine
	return p
}

func (lb *loopback) other(p *testPeer) *testPeer {
	if p == lb.sender {
		return lb.receiver
	}
	return lb.sender
}

func (lb *loopback) emit(p *testPeer, channel network.Channel, payload []byte) error {
	switch channel {
	case network.ChannelOutgoing:
		env, err := network.DecodeEnvelope(payload)
		require.NoError(lb.t, err)

		p.mu.Lock()
		p.sent = append(p.sent, env)
		p.payloads = append(p.payloads, append([]byte(nil), payload...))
		p.mu.Unlock()

		lb.mu.Lock()
		lb.queue = append(lb.queue, queued{to: lb.other(p), from: p.name, env: env, payload: payload})
		lb.mu.Unlock()
	case network.ChannelStatus:
		event, err := DecodeStatus(payload)
		require.NoError(lb.t, err)
		p.mu.Lock()
		p.statuses = append(p.statuses, event)
		p.mu.Unlock()
	case network.ChannelFile:
		delivery, err := DecodeDelivery(payload)
		require.NoError(lb.t, err)
		p.mu.Lock()
		p.files = append(p.files, delivery)
		p.mu.Unlock()
	}
	return nil
}

// reorder rewrites the order of everything currently in flight.
func (lb *loopback) reorder(fn func([]queued) []queued) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.queue = fn(append([]queued(nil), lb.queue...))
}

// pump delivers queued messages, including replies they trigger, until the
// queue drains. Errors returned by HandleInbound are collected.
func (lb *loopback) pump() []error {
	var errs []error
	for {
		lb.mu.Lock()
		if len(lb.queue) == 0 {
			lb.mu.Unlock()
			return errs
		}
		msg := lb.queue[0]
		lb.queue = lb.queue[1:]
		lb.mu.Unlock()

		if lb.drop != nil && lb.drop(msg.from, msg.env) {
			continue
		}

		times := 1
		if lb.duplicate {
			times = 2
		}
		for i := 0; i < times; i++ {
			in := network.Inbound{Payload: msg.payload, From: msg.from}
			if err := msg.to.engine.HandleInbound(in); err != nil {
				errs = append(errs, err)
			}
		}
	}
}

func patternBytes(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i*7 + i/251) % 256)
	}
	return data
}

// dropOnce discards the first copy of each listed chunk sequence.
func dropOnce(seqs ...int) func(string, network.Envelope) bool {
	var mu sync.Mutex
	pending := make(map[int]bool, len(seqs))
	for _, seq := range seqs {
		pending[seq] = true
	}
	return func(_ string, env network.Envelope) bool {
		if env.Op != network.OpChunk {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if pending[env.Chunk.Seq] {
			delete(pending, env.Chunk.Seq)
			return true
		}
		return false
	}
}
