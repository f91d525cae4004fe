package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kotori-ai/kotori/domain/entities"
	"github.com/kotori-ai/kotori/internal/auth"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	// Delay before redialing after an unexpected close.
	reconnectDelay = 2 * time.Second
)

// Handler receives transport-level events. The protocol engine implements
// this; callbacks arrive from the transport's own goroutines.
type Handler interface {
	OnOpen()
	OnTextMessage(payload []byte)
	OnBinaryMessage(payload []byte)
	OnClose(err error)
}

// writeData pairs a websocket message type with its payload for the write
// pump
type writeData struct {
	Type    int
	Payload []byte
}

// connection is the state scoped to one dialed socket
type connection struct {
	conn *websocket.Conn
	send chan writeData
	done chan struct{}
	once sync.Once
}

// DialFunc dials a websocket endpoint. Overridable in tests.
type DialFunc func(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error)

// Transport maintains exactly one logical connection to the configured
// endpoint, redialing with the last stored parameters after unexpected
// closes while reconnection is enabled.
type Transport struct {
	logger   *zap.Logger
	clock    clock.Clock
	clientID string
	dial     DialFunc

	mu          sync.Mutex
	handler     Handler
	params      entities.ConnectionParams
	reconnect   bool
	gen         int
	current     *connection
	backoffStop chan struct{}
}

// New creates a transport. clientID is sent as the Client-Id header on every
// dial.
func New(clientID string, logger *zap.Logger) *Transport {
	return &Transport{
		logger:   logger,
		clock:    clock.New(),
		clientID: clientID,
		dial: func(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
			return websocket.DefaultDialer.Dial(urlStr, header)
		},
	}
}

// SetClock replaces the wall clock, for tests
func (t *Transport) SetClock(c clock.Clock) { t.clock = c }

// SetDialFunc replaces the dialer, for tests
func (t *Transport) SetDialFunc(d DialFunc) { t.dial = d }

// SetHandler registers the event handler. Must be called before Connect.
func (t *Transport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Connect stores the connection parameters and starts a dial attempt. A call
// made while a previous attempt is in flight supersedes it; the latest
// parameters win.
func (t *Transport) Connect(url, deviceID, token string) {
	t.mu.Lock()
	t.params = entities.ConnectionParams{URL: url, DeviceID: deviceID, Token: token}
	t.reconnect = true
	t.gen++
	gen := t.gen
	t.cancelBackoffLocked()
	t.mu.Unlock()

	go t.dialAttempt(gen)
}

// Disconnect disables reconnection, clears the stored parameters, and closes
// the current connection. The close event this produces does not redial.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.reconnect = false
	t.params = entities.ConnectionParams{}
	t.gen++
	t.cancelBackoffLocked()
	c := t.current
	t.mu.Unlock()

	if c != nil {
		deadline := time.Now().Add(writeWait)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.conn.Close()
	}
}

// Drop closes the current connection without disabling reconnection. Used by
// the protocol engine to force a disconnect (for example after a handshake
// timeout); the reconnection policy then applies.
func (t *Transport) Drop() {
	t.mu.Lock()
	c := t.current
	t.mu.Unlock()
	if c != nil {
		c.conn.Close()
	}
}

// Connected reports whether the channel is currently open
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current != nil
}

// SendText marshals v to JSON and queues it as a text frame. Fire and
// forget: a closed channel or full queue drops the message with a logged
// diagnostic.
func (t *Transport) SendText(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		t.logger.Error("Failed to marshal outbound message", zap.Error(err))
		return
	}
	t.enqueue(writeData{Type: websocket.TextMessage, Payload: payload})
}

// SendBinary queues one binary frame. Same fire-and-forget contract as
// SendText.
func (t *Transport) SendBinary(payload []byte) {
	t.enqueue(writeData{Type: websocket.BinaryMessage, Payload: payload})
}

func (t *Transport) enqueue(msg writeData) {
	t.mu.Lock()
	c := t.current
	t.mu.Unlock()

	if c == nil {
		t.logger.Debug("Dropping outbound message, channel not open",
			zap.Int("type", msg.Type))
		return
	}
	select {
	case c.send <- msg:
	case <-c.done:
		t.logger.Debug("Dropping outbound message, connection closing")
	default:
		t.logger.Warn("Dropping outbound message, send queue full",
			zap.Int("type", msg.Type))
	}
}

func (t *Transport) dialAttempt(gen int) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	params := t.params
	handler := t.handler
	t.mu.Unlock()

	if params.Token != "" {
		if claims, err := auth.InspectToken(params.Token); err != nil {
			t.logger.Warn("Bearer token is not a parseable JWT", zap.Error(err))
		} else if claims.ExpiresWithin(0) {
			t.logger.Warn("Bearer token has expired, server may reject the connection",
				zap.String("deviceID", params.DeviceID))
		}
	}

	header := http.Header{}
	header.Set("Protocol-Version", "1")
	header.Set("Device-Id", params.DeviceID)
	header.Set("Client-Id", t.clientID)
	if params.Token != "" {
		header.Set("Authorization", "Bearer "+params.Token)
	}

	t.logger.Info("Dialing session endpoint",
		zap.String("url", params.URL),
		zap.String("deviceID", params.DeviceID))

	conn, _, err := t.dial(params.URL, header)

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		t.mu.Unlock()
		t.logger.Error("Dial failed", zap.Error(err))
		if handler != nil {
			handler.OnClose(&entities.TransportError{Op: "dial", Err: err})
		}
		t.scheduleReconnect(gen)
		return
	}

	c := &connection{
		conn: conn,
		send: make(chan writeData, 256),
		done: make(chan struct{}),
	}
	t.current = c
	t.mu.Unlock()

	t.logger.Info("Session channel open", zap.String("deviceID", params.DeviceID))
	if handler != nil {
		handler.OnOpen()
	}

	go t.writePump(c)
	go t.readPump(c, gen)
}

// readPump pumps inbound frames to the handler until the connection dies
func (t *Transport) readPump(c *connection, gen int) {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				t.logger.Error("WebSocket error", zap.Error(err))
			}
			t.closeConn(c, gen, &entities.TransportError{Op: "receive", Err: err})
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if handler != nil {
				handler.OnTextMessage(message)
			}
		case websocket.BinaryMessage:
			if handler != nil {
				handler.OnBinaryMessage(message)
			}
		default:
			t.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump drains the send queue to the connection and keeps it alive with
// pings
func (t *Transport) writePump(c *connection) {
	ticker := t.clock.Ticker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				t.logger.Error("Failed to write message", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// closeConn tears down one connection exactly once and applies the
// reconnection policy
func (t *Transport) closeConn(c *connection, gen int, err error) {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()

		t.mu.Lock()
		if t.current == c {
			t.current = nil
		}
		handler := t.handler
		shouldReconnect := t.reconnect && t.params.Complete() && gen == t.gen
		t.mu.Unlock()

		t.logger.Info("Session channel closed", zap.Error(err))
		if handler != nil {
			handler.OnClose(err)
		}
		if shouldReconnect {
			t.scheduleReconnect(gen)
		}
	})
}

// scheduleReconnect waits the fixed backoff and redials with the stored
// parameters. The wait is cancellable by Disconnect or a newer Connect.
func (t *Transport) scheduleReconnect(gen int) {
	t.mu.Lock()
	if !t.reconnect || !t.params.Complete() || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.cancelBackoffLocked()
	stop := make(chan struct{})
	t.backoffStop = stop
	timer := t.clock.Timer(reconnectDelay)
	t.mu.Unlock()

	t.logger.Info("Reconnecting after backoff", zap.Duration("delay", reconnectDelay))

	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			t.mu.Lock()
			if !t.reconnect || gen != t.gen {
				t.mu.Unlock()
				return
			}
			t.gen++
			next := t.gen
			t.mu.Unlock()
			t.dialAttempt(next)
		case <-stop:
		}
	}()
}

func (t *Transport) cancelBackoffLocked() {
	if t.backoffStop != nil {
		close(t.backoffStop)
		t.backoffStop = nil
	}
}
