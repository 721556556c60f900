// Package connection owns one broker session per device: connect, subscribe,
// publish, health checks and teardown. Sessions never reconnect on their own;
// after Offline or Error the caller must obtain a fresh token and connect again.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mqttcommon "yoto-remote/common/mqtt"
	"yoto-remote/internal/auth"
	"yoto-remote/internal/events"
	"yoto-remote/internal/models"
	"yoto-remote/internal/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config ConnectionManager settings.
type Config struct {
	AuthorizerName string
	ClientIDPrefix string
	ConnectTimeout time.Duration
	HealthInterval time.Duration
	QoS            byte
	InboundBuffer  int
}

func (c *Config) setDefaults() {
	if c.AuthorizerName == "" {
		c.AuthorizerName = "PublicJWTAuthorizer"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 64
	}
}

// InboundHandler receives every message from a device's telemetry topics.
// Handlers run on the session's pump goroutine and must not call Disconnect.
type InboundHandler func(deviceID, topic string, payload []byte)

// Manager is the session registry keyed by device id.
type Manager struct {
	cfg    Config
	dial   Dialer
	codec  *protocol.Codec
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	handlersMu sync.RWMutex
	handlers   []InboundHandler

	status *events.Hub[models.StatusEvent]
}

// NewManager creates a manager.
func NewManager(cfg Config, dial Dialer, codec *protocol.Codec, logger *zap.Logger) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:      cfg,
		dial:     dial,
		codec:    codec,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*session),
		status:   events.NewHub[models.StatusEvent](),
	}
}

// OnMessage registers a handler for inbound telemetry messages.
func (m *Manager) OnMessage(h InboundHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Status subscribes to connection state transitions.
func (m *Manager) Status(buffer int) (<-chan models.StatusEvent, func()) {
	return m.status.Subscribe(buffer)
}

// ConnectWithProvider fetches a token from provider and connects.
// A provider without a valid token fails with ErrNoToken before any dial.
func (m *Manager) ConnectWithProvider(ctx context.Context, deviceID string, provider auth.TokenProvider) error {
	tok, err := provider.GetValidToken(ctx)
	if err != nil {
		return &ConnectionError{Kind: ConnectAuth, DeviceID: deviceID, Err: fmt.Errorf("failed to get token: %w", err)}
	}
	if tok == nil || tok.AccessToken == "" {
		return &ConnectionError{Kind: ConnectAuth, DeviceID: deviceID, Err: ErrNoToken}
	}
	return m.Connect(ctx, deviceID, tok.AccessToken)
}

// Connect opens a session for deviceID with a bearer token and subscribes to its
// telemetry topics. An existing session for the device is torn down first.
func (m *Manager) Connect(ctx context.Context, deviceID, token string) error {
	if err := protocol.ValidateDeviceID(deviceID); err != nil {
		return &ConnectionError{Kind: ConnectTransport, DeviceID: deviceID, Err: err}
	}
	if token == "" {
		return &ConnectionError{Kind: ConnectAuth, DeviceID: deviceID, Err: ErrNoToken}
	}

	initial := models.StateConnecting
	m.mu.Lock()
	old := m.sessions[deviceID]
	delete(m.sessions, deviceID)
	m.mu.Unlock()
	if old != nil {
		if st := old.getState(); st == models.StateOffline || st == models.StateError {
			initial = models.StateReconnecting
		}
		old.teardown()
	}

	s := newSession(deviceID, initial, m.cfg.InboundBuffer)
	m.mu.Lock()
	m.sessions[deviceID] = s
	m.mu.Unlock()
	m.emit(deviceID, initial, nil)

	m.logger.Info("Connecting device session",
		zap.String("device_id", deviceID),
		zap.String("state", string(initial)),
	)

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	transport, err := m.dial(dialCtx, DialOptions{
		DeviceID: deviceID,
		ClientID: m.clientID(deviceID),
		Username: fmt.Sprintf("%s?x-amz-customauthorizer-name=%s", deviceID, m.cfg.AuthorizerName),
		Password: token,
		OnConnectionLost: func(err error) {
			m.handleConnectionLost(s, err)
		},
	})
	if err != nil {
		cerr := classifyConnectError(deviceID, err)
		m.failConnect(s, cerr)
		return cerr
	}

	topics := protocol.SubscriptionTopics(deviceID)
	for _, topic := range topics {
		if err := transport.Subscribe(topic, m.cfg.QoS, s.enqueue); err != nil {
			transport.Disconnect()
			kind := ConnectTransport
			if mqttcommon.IsAuthError(err) {
				kind = ConnectAuth
			}
			cerr := &ConnectionError{Kind: kind, DeviceID: deviceID, Err: err}
			m.failConnect(s, cerr)
			return cerr
		}
	}

	if !m.activate(s, transport, topics) {
		transport.Disconnect()
		return &ConnectionError{Kind: ConnectTransport, DeviceID: deviceID, Err: errors.New("connection attempt superseded")}
	}

	m.logger.Info("Device session connected", zap.String("device_id", deviceID))
	m.emit(deviceID, models.StateConnected, nil)
	return nil
}

// activate marks s Connected and starts its loops, unless s was replaced or
// disconnected while dialing.
func (m *Manager) activate(s *session, transport Transport, topics []string) bool {
	m.mu.Lock()
	current := m.sessions[s.deviceID]
	m.mu.Unlock()
	if current != s {
		return false
	}

	now := m.now()
	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.state == models.StateDisconnected {
		s.mu.Unlock()
		cancel()
		return false
	}
	s.transport = transport
	s.topics = topics
	s.state = models.StateConnected
	s.startedAt = now
	s.lastHealthCheckAt = now
	s.healthy = true
	s.cancel = cancel
	s.ctx = loopCtx
	s.wg.Add(2)
	s.mu.Unlock()

	go m.healthLoop(loopCtx, s)
	go m.pump(loopCtx, s)
	return true
}

func (m *Manager) failConnect(s *session, err error) {
	m.logger.Warn("Device session connect failed",
		zap.String("device_id", s.deviceID),
		zap.Error(err),
	)
	s.setState(models.StateError)
	m.emit(s.deviceID, models.StateError, err)

	m.mu.Lock()
	removed := m.sessions[s.deviceID] == s
	if removed {
		delete(m.sessions, s.deviceID)
	}
	m.mu.Unlock()

	s.teardown()
	if removed {
		m.emit(s.deviceID, models.StateDisconnected, nil)
	}
}

// Publish encodes cmd and sends it. The session must be Connected; nothing is queued.
func (m *Manager) Publish(ctx context.Context, deviceID string, cmd models.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s := m.lookup(deviceID)
	if s == nil {
		return &PublishError{Kind: PublishNotConnected, DeviceID: deviceID}
	}
	s.mu.Lock()
	state, transport := s.state, s.transport
	s.mu.Unlock()
	if state != models.StateConnected || transport == nil {
		return &PublishError{Kind: PublishNotConnected, DeviceID: deviceID, Err: fmt.Errorf("session is %s", state)}
	}

	msg, err := m.codec.Encode(deviceID, cmd)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", cmd.Kind(), err)
	}

	if err := transport.Publish(msg.Topic, m.cfg.QoS, false, msg.Payload); err != nil {
		authFailure := mqttcommon.IsAuthError(err)
		m.logger.Warn("Publish rejected",
			zap.String("device_id", deviceID),
			zap.String("topic", msg.Topic),
			zap.Bool("auth_failure", authFailure),
			zap.Error(err),
		)
		if authFailure && s.transition(models.StateConnected, models.StateError) {
			// the credential is dead; the session stays registered until Disconnect
			m.closeTransport(s)
			m.emit(deviceID, models.StateError, err)
		}
		return &PublishError{
			Kind:        PublishTransportRejected,
			DeviceID:    deviceID,
			Topic:       msg.Topic,
			AuthFailure: authFailure,
			Err:         err,
		}
	}

	m.logger.Debug("Published command",
		zap.String("device_id", deviceID),
		zap.String("command", string(cmd.Kind())),
		zap.String("topic", msg.Topic),
	)
	return nil
}

// Disconnect stops the session's loops, closes it and forgets it. Idempotent.
func (m *Manager) Disconnect(deviceID string) {
	m.mu.Lock()
	s := m.sessions[deviceID]
	delete(m.sessions, deviceID)
	m.mu.Unlock()
	if s == nil {
		return
	}

	if err := s.teardown(); err != nil {
		m.logger.Debug("Unsubscribe on disconnect failed", zap.String("device_id", deviceID), zap.Error(err))
	}
	m.logger.Info("Device session disconnected", zap.String("device_id", deviceID))
	m.emit(deviceID, models.StateDisconnected, nil)
}

// Close disconnects every session and closes the status stream.
func (m *Manager) Close() {
	for _, id := range m.Devices() {
		m.Disconnect(id)
	}
	m.status.Close()
}

// IsHealthy is true only for a Connected session whose transport reports open.
func (m *Manager) IsHealthy(deviceID string) bool {
	s := m.lookup(deviceID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == models.StateConnected && s.transport != nil && s.transport.IsConnected()
}

// State current state; Disconnected when there is no session.
func (m *Manager) State(deviceID string) models.ConnectionState {
	s := m.lookup(deviceID)
	if s == nil {
		return models.StateDisconnected
	}
	return s.getState()
}

// Session snapshot of the device's session.
func (m *Manager) Session(deviceID string) (models.SessionInfo, bool) {
	s := m.lookup(deviceID)
	if s == nil {
		return models.SessionInfo{}, false
	}
	return s.info(), true
}

// Devices ids with a session, sorted.
func (m *Manager) Devices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) lookup(deviceID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[deviceID]
}

func (m *Manager) handleConnectionLost(s *session, err error) {
	next := models.StateOffline
	if mqttcommon.IsAuthError(err) {
		next = models.StateError
	}
	if s.transition(models.StateConnected, next) {
		m.closeTransport(s)
		m.logger.Warn("Device session lost",
			zap.String("device_id", s.deviceID),
			zap.String("state", string(next)),
			zap.Error(err),
		)
		m.emit(s.deviceID, next, err)
	}
}

// closeTransport releases the socket of a session that left Connected. The
// session itself stays registered until Disconnect.
func (m *Manager) closeTransport(s *session) {
	if transport := s.dropTransport(); transport != nil {
		transport.Disconnect()
	}
}

// healthLoop polls the transport; it never tries to recover the session.
func (m *Manager) healthLoop(ctx context.Context, s *session) {
	defer s.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth(s)
		}
	}
}

func (m *Manager) checkHealth(s *session) {
	s.mu.Lock()
	s.lastHealthCheckAt = m.now()
	open := s.transport != nil && s.transport.IsConnected()
	wasConnected := s.state == models.StateConnected
	if wasConnected && !open {
		s.state = models.StateOffline
	}
	s.healthy = s.state == models.StateConnected && open
	s.mu.Unlock()

	if wasConnected && !open {
		m.closeTransport(s)
		m.logger.Warn("Health check found transport closed", zap.String("device_id", s.deviceID))
		m.emit(s.deviceID, models.StateOffline, errors.New("transport closed"))
	}
}

func (m *Manager) pump(ctx context.Context, s *session) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.inbound:
			m.dispatch(s.deviceID, msg)
		}
	}
}

func (m *Manager) dispatch(deviceID string, msg inboundMessage) {
	m.handlersMu.RLock()
	handlers := m.handlers
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h(deviceID, msg.topic, msg.payload)
	}
}

func (m *Manager) emit(deviceID string, state models.ConnectionState, err error) {
	m.status.Publish(models.StatusEvent{
		DeviceID: deviceID,
		State:    state,
		Err:      err,
		At:       m.now(),
	})
}

func (m *Manager) clientID(deviceID string) string {
	return fmt.Sprintf("%s%s-%s", m.cfg.ClientIDPrefix, deviceID, uuid.NewString()[:8])
}

func classifyConnectError(deviceID string, err error) *ConnectionError {
	switch {
	case errors.Is(err, mqttcommon.ErrConnectTimeout), errors.Is(err, context.DeadlineExceeded):
		return &ConnectionError{Kind: ConnectTimeout, DeviceID: deviceID, Err: err}
	case mqttcommon.IsAuthError(err):
		return &ConnectionError{Kind: ConnectAuth, DeviceID: deviceID, Err: err}
	}
	return &ConnectionError{Kind: ConnectTransport, DeviceID: deviceID, Err: err}
}
