package network

import "sync"

// ChannelHandler consumes payloads sent on one channel.
type ChannelHandler func(payload []byte) error

// Mux routes channel sends to registered handlers. Sends on a channel with
// no handler are dropped.
type Mux struct {
	mu       sync.RWMutex
	handlers map[Channel]ChannelHandler
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[Channel]ChannelHandler)}
}

// Handle registers handler for channel, replacing any previous one.
func (m *Mux) Handle(channel Channel, handler ChannelHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[channel] = handler
}

// Send delivers payload to the handler for channel.
func (m *Mux) Send(channel Channel, payload []byte) error {
	m.mu.RLock()
	handler := m.handlers[channel]
	m.mu.RUnlock()

	if handler == nil {
		return nil
	}
	return handler(payload)
}
