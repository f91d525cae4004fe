package protocol

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/kotori-ai/kotori/domain/entities"
)

// handshakeTimeout bounds the wait for the server's hello acknowledgment
const handshakeTimeout = 15 * time.Second

// State is the engine's position in the session lifecycle
type State string

const (
	StateDisconnected State = "disconnected"
	StateHandshaking  State = "handshaking"
	StateReady        State = "ready"
)

// Conn is the slice of the transport the engine drives
type Conn interface {
	SendText(v any)
	Drop()
}

// Events receives classified protocol events. The coordinator implements
// this; callbacks arrive from transport goroutines and the handshake timer.
type Events interface {
	// OnHandshakeComplete fires once per session, before OnConnected.
	OnHandshakeComplete(sessionID string)
	OnConnected()
	OnDisconnected(err error)
	OnProtocolError(err error)
	OnSpeechToText(text string)
	OnEmotion(emotion, text string)
	OnTTSControl(state, text string)
	OnIncomingAudio(frame []byte)
	// OnControlMessage passes through recognized-but-unhandled control
	// payloads untouched.
	OnControlMessage(payload []byte)
}

// Engine layers the session protocol over the transport: it performs the
// handshake, owns the session identifier, classifies inbound messages, and
// emits outbound control messages.
type Engine struct {
	logger      *zap.Logger
	clock       clock.Clock
	conn        Conn
	events      Events
	audioParams entities.AudioParams

	mu             sync.Mutex
	state          State
	sessionID      string
	handshakeTimer *clock.Timer
	timerGen       int
}

func NewEngine(conn Conn, audioParams entities.AudioParams, logger *zap.Logger) *Engine {
	return &Engine{
		logger:      logger,
		clock:       clock.New(),
		conn:        conn,
		audioParams: audioParams,
		state:       StateDisconnected,
	}
}

// SetEvents registers the event receiver. Must be called before the
// transport delivers anything.
func (e *Engine) SetEvents(events Events) { e.events = events }

// SetClock replaces the wall clock, for tests
func (e *Engine) SetClock(c clock.Clock) { e.clock = c }

// State returns the engine's current lifecycle state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SessionID returns the identifier the server assigned for this session, or
// empty before the handshake completes
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// OnOpen implements transport.Handler: the channel is up, start the
// handshake
func (e *Engine) OnOpen() {
	e.mu.Lock()
	e.state = StateHandshaking
	e.sessionID = ""
	e.startHandshakeTimerLocked()
	e.mu.Unlock()

	e.logger.Info("Sending hello", zap.Int("version", protocolVersion))
	e.conn.SendText(NewHelloMessage(e.audioParams))
}

// OnClose implements transport.Handler: reset to Disconnected and tell the
// coordinator
func (e *Engine) OnClose(err error) {
	e.mu.Lock()
	e.state = StateDisconnected
	e.sessionID = ""
	e.cancelHandshakeTimerLocked()
	e.mu.Unlock()

	e.events.OnDisconnected(err)
}

// OnTextMessage implements transport.Handler: classify one inbound text
// frame
func (e *Engine) OnTextMessage(payload []byte) {
	msg, err := ParseServerMessage(payload)
	if err != nil {
		e.logger.Warn("Dropping unrecognized text payload", zap.Error(err))
		return
	}

	if msg.Type == MessageTypeHello {
		e.handleHelloAck(msg)
		return
	}

	e.mu.Lock()
	ready := e.state == StateReady
	e.mu.Unlock()
	if !ready {
		e.logger.Warn("Dropping message received before handshake completed",
			zap.String("type", string(msg.Type)))
		return
	}

	switch msg.Type {
	case MessageTypeSTT:
		e.events.OnSpeechToText(msg.Text)
	case MessageTypeLLM:
		e.events.OnEmotion(msg.Emotion, msg.Text)
	case MessageTypeTTS:
		e.events.OnTTSControl(msg.State, msg.Text)
	default:
		e.events.OnControlMessage(payload)
	}
}

// OnBinaryMessage implements transport.Handler: binary frames are opaque
// compressed audio
func (e *Engine) OnBinaryMessage(payload []byte) {
	e.mu.Lock()
	ready := e.state == StateReady
	e.mu.Unlock()
	if !ready {
		e.logger.Debug("Dropping binary frame received before handshake completed",
			zap.Int("size", len(payload)))
		return
	}
	e.events.OnIncomingAudio(payload)
}

func (e *Engine) handleHelloAck(msg *ServerMessage) {
	e.mu.Lock()
	if e.state != StateHandshaking {
		e.mu.Unlock()
		e.logger.Warn("Dropping unexpected hello", zap.String("state", string(e.state)))
		return
	}
	if msg.Transport != transportKind {
		e.cancelHandshakeTimerLocked()
		e.mu.Unlock()
		e.logger.Error("Handshake transport mismatch",
			zap.String("requested", transportKind),
			zap.String("received", msg.Transport))
		e.events.OnProtocolError(entities.ErrHandshakeMismatch)
		e.conn.Drop()
		return
	}
	e.cancelHandshakeTimerLocked()
	e.state = StateReady
	e.sessionID = msg.SessionID
	sessionID := e.sessionID
	e.mu.Unlock()

	e.logger.Info("Handshake complete", zap.String("sessionID", sessionID))
	e.events.OnHandshakeComplete(sessionID)
	e.events.OnConnected()
}

// SendStartListening emits a begin-listening message. No-op unless Ready.
func (e *Engine) SendStartListening(mode entities.TurnMode) {
	e.sendListen(ListenMessage{
		Type:  MessageTypeListen,
		State: ListenStateStart,
		Mode:  string(mode),
	})
}

// SendStopListening emits an end-listening message. No-op unless Ready.
func (e *Engine) SendStopListening() {
	e.sendListen(ListenMessage{
		Type:  MessageTypeListen,
		State: ListenStateStop,
	})
}

// SendDetect forwards text as a turn-detection payload. No-op unless Ready.
func (e *Engine) SendDetect(text string) {
	e.sendListen(ListenMessage{
		Type:   MessageTypeListen,
		State:  ListenStateDetect,
		Text:   text,
		Source: "text",
	})
}

// SendAbort cancels the current turn with a reason code. No-op unless Ready.
func (e *Engine) SendAbort(reason string) {
	e.mu.Lock()
	ready := e.state == StateReady
	sessionID := e.sessionID
	e.mu.Unlock()
	if !ready {
		e.logger.Debug("Dropping abort, session not ready", zap.String("reason", reason))
		return
	}
	e.conn.SendText(AbortMessage{
		Type:      MessageTypeAbort,
		Reason:    reason,
		SessionID: sessionID,
	})
}

func (e *Engine) sendListen(msg ListenMessage) {
	e.mu.Lock()
	ready := e.state == StateReady
	msg.SessionID = e.sessionID
	e.mu.Unlock()
	if !ready {
		e.logger.Debug("Dropping listen message, session not ready",
			zap.String("state", msg.State))
		return
	}
	e.conn.SendText(msg)
}

// startHandshakeTimerLocked arms the acknowledgment timeout. Caller holds
// e.mu.
func (e *Engine) startHandshakeTimerLocked() {
	e.cancelHandshakeTimerLocked()
	e.timerGen++
	gen := e.timerGen
	timer := e.clock.Timer(handshakeTimeout)
	e.handshakeTimer = timer

	go func() {
		<-timer.C
		e.mu.Lock()
		expired := e.timerGen == gen && e.state == StateHandshaking
		e.mu.Unlock()
		if !expired {
			return
		}
		e.logger.Error("Handshake timed out", zap.Duration("timeout", handshakeTimeout))
		e.events.OnProtocolError(entities.ErrHandshakeTimeout)
		e.conn.Drop()
	}()
}

// cancelHandshakeTimerLocked disarms a pending timeout. Caller holds e.mu.
func (e *Engine) cancelHandshakeTimerLocked() {
	e.timerGen++
	if e.handshakeTimer != nil {
		e.handshakeTimer.Stop()
		e.handshakeTimer = nil
	}
}
