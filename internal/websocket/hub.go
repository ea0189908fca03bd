package websocket

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/wrangler/internal/metrics"
	"github.com/satriahrh/wrangler/internal/protocol"
	"github.com/satriahrh/wrangler/usecase"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	// Largest audio payload accepted in a single frame.
	maxAudioPayload = 64 * 1024

	sendBuffer = 256
)

var (
	ErrNotConnected   = errors.New("device is not connected")
	ErrSendQueueFull  = errors.New("send queue is full")
	ErrUnknownDevice  = errors.New("unknown device")
	ErrDeviceRequired = errors.New("device id is required")
	ErrHubStopped     = errors.New("hub is shut down")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// devices authenticate with a bearer token, not cookies
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub is the registry of connection states, one per device. The mutex
// guards the map and binding a transport to a state.
type Hub struct {
	mu     sync.Mutex
	states map[string]*ConnectionState

	// orchestrators, handlers and client pumps
	wg sync.WaitGroup

	adapters usecase.Adapters
	pool     usecase.Submitter
	opts     usecase.Options

	validator *protocol.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a new WebSocket hub
func NewHub(
	adapters usecase.Adapters,
	pool usecase.Submitter,
	opts usecase.Options,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		states:    make(map[string]*ConnectionState),
		adapters:  adapters,
		pool:      pool,
		opts:      opts,
		validator: protocol.NewValidator(maxAudioPayload),
		metrics:   m,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Shutdown stops every orchestrator, closes open connections and waits for
// their goroutines to exit
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.cancel()
	states := make([]*ConnectionState, 0, len(h.states))
	for _, s := range h.states {
		states = append(states, s)
	}
	h.mu.Unlock()

	for _, s := range states {
		if c := s.currentClient(); c != nil {
			c.close()
		}
	}
	h.wg.Wait()
	h.logger.Info("Hub stopped", zap.Int("connections", len(states)))
}

// track registers a goroutine with the hub. It fails once Shutdown has begun.
func (h *Hub) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	h.wg.Add(1)
	return true
}

// attach binds client to the state of deviceID, creating the state on first
// contact. Lookup and binding share one critical section with eviction.
func (h *Hub) attach(deviceID string, client *Client) error {
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		return ErrHubStopped
	}
	s, ok := h.states[deviceID]
	if !ok {
		s = newConnectionState(h, deviceID)
		h.states[deviceID] = s
	}
	previous, reconnects := s.bind(client)
	// read and write pumps
	h.wg.Add(2)
	h.mu.Unlock()

	s.handover(previous, reconnects)
	return nil
}

// Lookup returns the connection state of a device
func (h *Hub) Lookup(deviceID string) (*ConnectionState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.states[deviceID]
	return s, ok
}

// Connections returns a snapshot of every known device, sorted by id
func (h *Hub) Connections() []ConnectionInfo {
	h.mu.Lock()
	states := make([]*ConnectionState, 0, len(h.states))
	for _, s := range h.states {
		states = append(states, s)
	}
	h.mu.Unlock()

	infos := make([]ConnectionInfo, 0, len(states))
	for _, s := range states {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].DeviceID < infos[j].DeviceID })
	return infos
}

// SendToDevice queues a message for a connected device
func (h *Hub) SendToDevice(deviceID string, msg *protocol.Message) error {
	s, ok := h.Lookup(deviceID)
	if !ok {
		return ErrUnknownDevice
	}
	return s.Emit(msg)
}

// evictInactive drops disconnected states idle for longer than window
func (h *Hub) evictInactive(now time.Time, window time.Duration) int {
	h.mu.Lock()
	var evicted []*ConnectionState
	for id, s := range h.states {
		if s.inactiveSince(now, window) {
			delete(h.states, id)
			evicted = append(evicted, s)
		}
	}
	h.mu.Unlock()

	for _, s := range evicted {
		s.stop()
		h.metrics.Evicted()
		h.logger.Info("Connection state evicted", zap.String("deviceID", s.deviceID))
	}
	return len(evicted)
}

// Client is a middleman between the websocket connection and the
// connection state of its device.
type Client struct {
	state *ConnectionState

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan *protocol.Message

	// Closed when the connection is shut down.
	done      chan struct{}
	closeOnce sync.Once

	// Closed once readPump has returned; nothing is delivered after that.
	readDone chan struct{}

	sequencer protocol.Sequencer
	check     protocol.SequenceCheck

	logger *zap.Logger
}

// HandleWebSocket upgrades the request and attaches the connection to the
// state of the authenticated device.
func HandleWebSocket(hub *Hub, c echo.Context, deviceID string) error {
	if deviceID == "" {
		return ErrDeviceRequired
	}
	if !hub.track() {
		return ErrHubStopped
	}
	defer hub.wg.Done()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		conn:     conn,
		send:     make(chan *protocol.Message, sendBuffer),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		logger:   hub.logger.With(zap.String("deviceID", deviceID)),
	}
	if err := hub.attach(deviceID, client); err != nil {
		hub.logger.Warn("Connection refused", zap.String("deviceID", deviceID), zap.Error(err))
		conn.Close()
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// enqueue hands msg to the write pump without blocking
func (c *Client) enqueue(msg *protocol.Message) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrNotConnected
	default:
		return ErrSendQueueFull
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump pumps messages from the websocket connection to the orchestrator.
func (c *Client) readPump() {
	defer func() {
		c.close()
		c.state.detach(c)
		close(c.readDone)
		c.state.hub.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	hub := c.state.hub
	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
			continue
		}

		msg, payload, err := hub.validator.ValidateMessage(raw)
		if err != nil {
			c.logger.Warn("Malformed message", zap.Error(err))
			c.replyError("invalid_message", err)
			c.state.orchestrator.Reset("malformed message")
			continue
		}

		if err := c.check.Check(msg.Seq); err != nil {
			hub.metrics.SessionError("out_of_sequence")
			c.logger.Warn("Message discarded", zap.String("type", string(msg.Type)), zap.Error(err))
			continue
		}

		if err := c.state.orchestrator.Deliver(msg, payload); err != nil {
			if errors.Is(err, usecase.ErrStopped) {
				return
			}
			c.logger.Warn("Message rejected", zap.String("type", string(msg.Type)), zap.Error(err))
			c.replyError("unexpected_type", err)
		}
	}
}

// writePump pumps messages to the websocket connection, numbering each one.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.state.hub.wg.Done()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			c.sequencer.Stamp(msg)
			payload, err := msg.Bytes()
			if err != nil {
				c.logger.Error("Failed to encode message", zap.Error(err))
				continue
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *Client) replyError(code string, cause error) {
	msg, err := protocol.NewErrorMessage(code, cause.Error())
	if err != nil {
		return
	}
	if err := c.enqueue(msg); err != nil {
		c.logger.Warn("Failed to send error reply", zap.Error(err))
	}
}
