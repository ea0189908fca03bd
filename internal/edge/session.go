package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/wrangler/internal/config"
	"github.com/satriahrh/wrangler/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
	authTimeout    = 10 * time.Second
)

var (
	ErrQueueFull    = errors.New("outbound queue full")
	ErrNotConnected = errors.New("not connected to host")
	ErrUnauthorized = errors.New("device credentials rejected")
)

// EventKind tells the agent what happened on the session
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	default:
		return "message"
	}
}

// Event is delivered to the agent for every connectivity change and every
// validated host message. Payload is one of the protocol *Data structs.
type Event struct {
	Kind    EventKind
	Message *protocol.Message
	Payload interface{}
}

// Session keeps one WebSocket connection to the host alive, reconnecting
// with exponential backoff. Outbound messages go through a bounded queue
// drained by a writer goroutine.
type Session struct {
	cfg       config.EdgeConfig
	reconnect config.ReconnectConfig

	httpClient *http.Client
	dialer     *websocket.Dialer
	validator  *protocol.Validator

	mu   sync.Mutex
	link *link

	events chan Event
	logger *zap.Logger
}

// NewSession creates a session; nothing is dialed until Run
func NewSession(cfg config.EdgeConfig, reconnect config.ReconnectConfig, logger *zap.Logger) *Session {
	return &Session{
		cfg:        cfg,
		reconnect:  reconnect,
		httpClient: &http.Client{Timeout: authTimeout},
		dialer: &websocket.Dialer{
			HandshakeTimeout: authTimeout,
		},
		validator: protocol.NewValidator(0),
		events:    make(chan Event, 64),
		logger:    logger.With(zap.String("component", "edge_session")),
	}
}

// Events returns the channel of connectivity changes and host messages
func (s *Session) Events() <-chan Event {
	return s.events
}

// Connected reports whether a host connection is currently up
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link != nil
}

// Enqueue queues msg for sending without blocking. It returns ErrNotConnected
// when no connection is up and ErrQueueFull when the queue is at capacity.
func (s *Session) Enqueue(msg *protocol.Message) error {
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	return l.enqueue(msg)
}

// Run connects and serves until ctx is cancelled or the credentials are rejected
func (s *Session) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.reconnect.Initial
	b.MaxInterval = s.reconnect.Max

	for {
		conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			return s.connect(ctx)
		},
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				s.logger.Warn("Connection to host failed, retrying",
					zap.Error(err),
					zap.Duration("retryIn", next))
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		s.serve(ctx, conn)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnect.Initial):
		}
	}
}

// connect authenticates and dials the WebSocket endpoint
func (s *Session) connect(ctx context.Context) (*websocket.Conn, error) {
	token, err := s.authenticate(ctx)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	wsURL, err := websocketURL(s.cfg.HostURL)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := s.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("websocket upgrade rejected: %w", err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}
	return conn, nil
}

type authRequest struct {
	SerialNumber string `json:"serial_number"`
	SecretKey    string `json:"secret_key"`
}

type authResponse struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
}

// authenticate exchanges the device credentials for a token
func (s *Session) authenticate(ctx context.Context) (string, error) {
	body, err := json.Marshal(authRequest{SerialNumber: s.cfg.SerialNumber, SecretKey: s.cfg.SecretKey})
	if err != nil {
		return "", err
	}

	endpoint := strings.TrimSuffix(s.cfg.HostURL, "/") + "/api/v1/device/auth"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusBadRequest:
		return "", ErrUnauthorized
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("auth returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode auth response: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("auth response carries no token")
	}
	s.logger.Info("Authenticated with host", zap.String("deviceID", out.DeviceID))
	return out.Token, nil
}

// serve runs the read and write pumps of one connection until either fails
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) {
	l := newLink(conn, s.cfg.QueueCapacity)

	s.mu.Lock()
	s.link = l
	s.mu.Unlock()
	s.logger.Info("Connected to host", zap.String("remote", conn.RemoteAddr().String()))
	s.publish(ctx, Event{Kind: EventConnected})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readPump(gctx, l) })
	g.Go(func() error { return s.writePump(gctx, l) })
	g.Go(func() error {
		<-gctx.Done()
		l.close()
		return nil
	})
	err := g.Wait()

	s.mu.Lock()
	s.link = nil
	s.mu.Unlock()
	s.logger.Warn("Disconnected from host", zap.Error(err))
	s.publish(ctx, Event{Kind: EventDisconnected})
}

func (s *Session) readPump(ctx context.Context, l *link) error {
	l.conn.SetReadLimit(maxMessageSize)
	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		msg, payload, err := s.validator.ValidateMessage(raw)
		if err != nil {
			s.logger.Warn("Invalid message from host discarded", zap.Error(err))
			continue
		}
		if err := l.check.Check(msg.Seq); err != nil {
			s.logger.Warn("Out of sequence message from host discarded", zap.Error(err))
			continue
		}
		if !fromHost(msg.Type) {
			s.logger.Warn("Unexpected message type from host", zap.String("type", string(msg.Type)))
			continue
		}
		s.publish(ctx, Event{Kind: EventMessage, Message: msg, Payload: payload})
	}
}

func (s *Session) writePump(ctx context.Context, l *link) error {
	for {
		select {
		case <-ctx.Done():
			l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return ctx.Err()
		case msg := <-l.send:
			l.seq.Stamp(msg)
			data, err := msg.Bytes()
			if err != nil {
				s.logger.Error("Failed to encode message", zap.String("type", string(msg.Type)), zap.Error(err))
				continue
			}
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

func (s *Session) publish(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// link is the state of one live connection. Sequence numbers restart at 1
// on every link.
type link struct {
	conn      *websocket.Conn
	send      chan *protocol.Message
	seq       protocol.Sequencer
	check     protocol.SequenceCheck
	done      chan struct{}
	closeOnce sync.Once
}

func newLink(conn *websocket.Conn, capacity int) *link {
	if capacity <= 0 {
		capacity = 1
	}
	return &link{
		conn: conn,
		send: make(chan *protocol.Message, capacity),
		done: make(chan struct{}),
	}
}

func (l *link) enqueue(msg *protocol.Message) error {
	select {
	case <-l.done:
		return ErrNotConnected
	default:
	}
	select {
	case l.send <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		if l.conn != nil {
			l.conn.Close()
		}
	})
}

func fromHost(t protocol.MessageType) bool {
	switch t {
	case protocol.TypeAckWake, protocol.TypeTranscription, protocol.TypeStatus,
		protocol.TypeResponse, protocol.TypeError:
		return true
	}
	return false
}

// websocketURL maps the host base URL onto its /ws endpoint
func websocketURL(hostURL string) (string, error) {
	u, err := url.Parse(hostURL)
	if err != nil {
		return "", fmt.Errorf("invalid host url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported host url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}
