package conversync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned by Send when the channel is down.
var ErrNotConnected = errors.New("event channel not connected")

// ============================================================================
// Connection states
// ============================================================================

// ConnState represents the event-channel connection state.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateError        ConnState = "error"
)

// StateChange is delivered to state handlers on every transition.
type StateChange struct {
	State  ConnState
	Reason string
}

// StateHandler receives connection state transitions.
type StateHandler func(StateChange)

// FrameHandler receives raw frames from the event channel.
type FrameHandler func(data []byte)

// ============================================================================
// Connection
// ============================================================================

// Connection supervises one event-channel connection per session.
//
// Reconnection is automatic with bounded attempts at fixed spacing. A close
// explicitly initiated by either side suppresses further auto-reconnect;
// exhausted retries surface a terminal disconnected state, and resuming
// either requires an explicit Connect call.
type Connection struct {
	cfg      Config
	sessions SessionProvider
	logger   *log.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	connecting       bool
	retrying         bool
	intentionalClose bool
	cancelFn         context.CancelFunc

	handlerMu     sync.RWMutex
	stateHandlers []StateHandler
	frameHandlers []FrameHandler
}

// NewConnection creates a connection supervisor. Call Connect to open the
// channel.
func NewConnection(cfg Config, sessions SessionProvider) *Connection {
	cfg.defaults()
	logger := log.New("conversync.conn")
	return &Connection{
		cfg:      cfg,
		sessions: sessions,
		logger:   logger,
		state:    StateDisconnected,
	}
}

// OnStateChange registers a handler for connection state transitions.
func (c *Connection) OnStateChange(h StateHandler) {
	c.handlerMu.Lock()
	c.stateHandlers = append(c.stateHandlers, h)
	c.handlerMu.Unlock()
}

// OnFrame registers a handler for raw inbound frames.
func (c *Connection) OnFrame(h FrameHandler) {
	c.handlerMu.Lock()
	c.frameHandlers = append(c.frameHandlers, h)
	c.handlerMu.Unlock()
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(state ConnState, reason string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	c.handlerMu.RLock()
	handlers := append([]StateHandler{}, c.stateHandlers...)
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(StateChange{State: state, Reason: reason})
	}
}

// Connect opens the event channel. It is a no-op when the channel is already
// open or an attempt is in flight. When no session is available yet it
// silently defers; the caller retries availability. A failed dial returns the
// error and hands the channel to the retry supervisor, which keeps attempting
// at fixed spacing until it connects or retries exhaust.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.connecting {
		c.mu.Unlock()
		return nil
	}
	session, err := c.sessions.Session()
	if err != nil {
		c.mu.Unlock()
		c.logger.Debugf("connect deferred: %v", err)
		return nil
	}
	c.connecting = true
	c.intentionalClose = false
	c.mu.Unlock()

	c.setState(StateConnecting, "")

	err = c.dial(ctx, session)

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()

	if err != nil {
		c.setState(StateError, err.Error())
		c.superviseReconnect(ctx)
		return err
	}
	return nil
}

// superviseReconnect runs one reconnect loop in the background. At most one
// loop runs at a time.
func (c *Connection) superviseReconnect(ctx context.Context) {
	c.mu.Lock()
	if c.retrying || c.intentionalClose {
		c.mu.Unlock()
		return
	}
	c.retrying = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.retrying = false
			c.mu.Unlock()
		}()
		c.reconnectLoop(ctx)
	}()
}

func (c *Connection) dial(ctx context.Context, session Session) error {
	wsURL := strings.Replace(c.cfg.BaseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/api/chat/events?token=" + session.Token

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(1 << 20)

	readCtx, readCancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.conn = conn
	c.cancelFn = readCancel
	c.mu.Unlock()

	c.setState(StateConnected, "")
	go c.readLoop(readCtx, conn)
	return nil
}

// Teardown closes the channel and suppresses auto-reconnect. Idempotent.
func (c *Connection) Teardown() {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	alreadyClosed := c.state == StateDisconnected && conn == nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "teardown")
	}
	if !alreadyClosed {
		c.setState(StateDisconnected, "teardown")
	}
}

// Send marshals v and writes it to the channel.
func (c *Connection) Send(ctx context.Context, v interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleReadError(ctx, err)
			return
		}

		c.handlerMu.RLock()
		handlers := append([]FrameHandler{}, c.frameHandlers...)
		c.handlerMu.RUnlock()
		for _, h := range handlers {
			h(data)
		}
	}
}

func (c *Connection) handleReadError(ctx context.Context, err error) {
	c.mu.Lock()
	intentional := c.intentionalClose
	c.conn = nil
	c.mu.Unlock()

	if intentional {
		return
	}

	// A close frame from the peer is an explicit disconnect, not a fault; it
	// suppresses auto-reconnect just like a local teardown.
	if status := websocket.CloseStatus(err); status != -1 {
		c.logger.Infof("peer closed channel: %v", err)
		c.setState(StateDisconnected, "peer close")
		return
	}

	c.setState(StateDisconnected, err.Error())
	c.superviseReconnect(ctx)
}

// reconnectLoop retries the connection at fixed spacing until it succeeds,
// retries exhaust, or the context ends.
func (c *Connection) reconnectLoop(ctx context.Context) {
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectSpacing):
		}

		c.mu.Lock()
		if c.intentionalClose {
			c.mu.Unlock()
			return
		}
		session, err := c.sessions.Session()
		if err != nil {
			c.mu.Unlock()
			c.logger.Warnf("reconnect %d/%d: %v", attempt, c.cfg.ReconnectAttempts, err)
			continue
		}
		c.connecting = true
		c.mu.Unlock()

		c.setState(StateConnecting, "")
		err = c.dial(ctx, session)

		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()

		if err == nil {
			return
		}
		c.logger.Warnf("reconnect %d/%d failed: %v", attempt, c.cfg.ReconnectAttempts, err)
		c.setState(StateError, err.Error())
	}

	// Terminal: only an explicit Connect resumes from here.
	c.logger.Errorf("reconnect attempts exhausted after %d tries", c.cfg.ReconnectAttempts)
	c.setState(StateDisconnected, "retries exhausted")
}
