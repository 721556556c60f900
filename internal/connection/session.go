package connection

import (
	"context"
	"sync"
	"time"

	"yoto-remote/internal/models"
)

type inboundMessage struct {
	topic   string
	payload []byte
}

// session is owned by the Manager and never handed out; callers get SessionInfo.
type session struct {
	deviceID string
	inbound  chan inboundMessage

	mu                sync.Mutex
	state             models.ConnectionState
	startedAt         time.Time
	lastHealthCheckAt time.Time
	healthy           bool
	transport         Transport
	topics            []string
	ctx               context.Context
	cancel            context.CancelFunc

	wg sync.WaitGroup
}

func newSession(deviceID string, state models.ConnectionState, buffer int) *session {
	return &session{
		deviceID: deviceID,
		state:    state,
		inbound:  make(chan inboundMessage, buffer),
	}
}

// enqueue is the paho message callback. It never blocks: if the pump is behind
// or gone the message is dropped.
func (s *session) enqueue(topic string, payload []byte) error {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx != nil && ctx.Err() != nil {
		return nil
	}

	select {
	case s.inbound <- inboundMessage{topic: topic, payload: payload}:
		return nil
	default:
		return errInboundFull
	}
}

func (s *session) getState() models.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setState(state models.ConnectionState) {
	s.mu.Lock()
	s.state = state
	if state != models.StateConnected {
		s.healthy = false
	}
	s.mu.Unlock()
}

// transition moves from -> to and reports whether it happened.
func (s *session) transition(from, to models.ConnectionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	s.healthy = false
	return true
}

// dropTransport detaches the transport so the caller can close it. Nil if
// it was already dropped.
func (s *session) dropTransport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	transport := s.transport
	s.transport = nil
	s.topics = nil
	return transport
}

// teardown stops both loops, waits for them, then unsubscribes (if the socket
// is still open) and closes the transport.
func (s *session) teardown() error {
	s.mu.Lock()
	cancel := s.cancel
	transport := s.transport
	topics := s.topics
	s.state = models.StateDisconnected
	s.healthy = false
	s.transport = nil
	s.topics = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if transport == nil {
		return nil
	}

	var err error
	if len(topics) > 0 && transport.IsConnected() {
		err = transport.Unsubscribe(topics...)
	}
	transport.Disconnect()
	return err
}

func (s *session) info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionInfo{
		DeviceID:          s.deviceID,
		State:             s.state,
		SessionStartedAt:  s.startedAt,
		LastHealthCheckAt: s.lastHealthCheckAt,
		Healthy:           s.healthy,
	}
}
