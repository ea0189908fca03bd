package websocket

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/wrangler/domain/entities"
	"github.com/satriahrh/wrangler/internal/protocol"
	"github.com/satriahrh/wrangler/usecase"
)

// ConnectionInfo is a point-in-time view of one ConnectionState
type ConnectionInfo struct {
	DeviceID     string         `json:"device_id"`
	Connected    bool           `json:"connected"`
	State        entities.Phase `json:"state"`
	SessionID    string         `json:"session_id,omitempty"`
	LastActivity time.Time      `json:"last_activity"`
	Reconnects   int            `json:"reconnects"`
}

// ConnectionState is everything the host tracks for one device. It outlives
// individual transport connections until the inactivity window evicts it.
type ConnectionState struct {
	hub      *Hub
	deviceID string

	mu           sync.Mutex
	client       *Client
	session      *entities.UtteranceSession
	lastActivity time.Time
	reconnects   int
	attached     bool

	orchestrator *usecase.Orchestrator
	cancel       context.CancelFunc
	logger       *zap.Logger
}

func newConnectionState(h *Hub, deviceID string) *ConnectionState {
	s := &ConnectionState{
		hub:          h,
		deviceID:     deviceID,
		lastActivity: time.Now(),
		logger:       h.logger.With(zap.String("deviceID", deviceID)),
	}

	ctx, cancel := context.WithCancel(h.ctx)
	s.cancel = cancel
	s.orchestrator = usecase.NewOrchestrator(s, h.adapters, h.pool, h.opts, h.metrics, h.logger)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		s.orchestrator.Run(ctx)
	}()
	return s
}

// ID implements usecase.Connection
func (s *ConnectionState) ID() string {
	return s.deviceID
}

// Emit queues msg on the current transport
func (s *ConnectionState) Emit(msg *protocol.Message) error {
	client := s.currentClient()
	if client == nil {
		return ErrNotConnected
	}
	return client.enqueue(msg)
}

func (s *ConnectionState) Session() *entities.UtteranceSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *ConnectionState) SetSession(session *entities.UtteranceSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
}

func (s *ConnectionState) ClearSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil
}

// Transition advances the current session's phase under the state lock
func (s *ConnectionState) Transition(phase entities.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return usecase.ErrNoSession
	}
	return s.session.Transition(phase)
}

func (s *ConnectionState) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// Info returns a snapshot for the connections API
func (s *ConnectionState) Info() ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := ConnectionInfo{
		DeviceID:     s.deviceID,
		Connected:    s.client != nil,
		State:        entities.PhaseIdle,
		LastActivity: s.lastActivity,
		Reconnects:   s.reconnects,
	}
	if s.session != nil {
		info.State = s.session.Phase
		info.SessionID = s.session.ID
	}
	return info
}

func (s *ConnectionState) currentClient() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// bind makes client the device's transport and returns the one it replaces
func (s *ConnectionState) bind(client *Client) (*Client, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.client
	s.client = client
	client.state = s
	if s.attached {
		s.reconnects++
	}
	s.attached = true
	s.lastActivity = time.Now()
	return previous, s.reconnects
}

// handover retires the previous transport and discards any session left over
// from it. It returns before the new client's pumps start, so the reset is
// ordered ahead of the new client's messages.
func (s *ConnectionState) handover(previous *Client, reconnects int) {
	if previous != nil {
		previous.close()
		// the old reader may be mid-delivery
		<-previous.readDone
		s.hub.metrics.ConnectionClosed()
	}
	s.orchestrator.Disconnect()
	s.hub.metrics.ConnectionOpened()
	s.logger.Info("Client registered", zap.Int("reconnects", reconnects))
}

// detach releases client if it is still the current transport
func (s *ConnectionState) detach(client *Client) {
	s.mu.Lock()
	if s.client != client {
		s.mu.Unlock()
		return
	}
	s.client = nil
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.orchestrator.Disconnect()
	s.hub.metrics.ConnectionClosed()
	s.logger.Info("Client unregistered")
}

func (s *ConnectionState) inactiveSince(now time.Time, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client == nil && now.Sub(s.lastActivity) >= window
}

func (s *ConnectionState) stop() {
	s.cancel()
}
