package usecase

import (
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kotori-ai/kotori/domain/entities"
)

// eventQueueSize bounds the coordinator's event queue. Binary audio frames
// bypass this queue, so depth only has to cover control traffic bursts.
const eventQueueSize = 512

// Protocol is the slice of the protocol engine the coordinator drives
type Protocol interface {
	SendStartListening(mode entities.TurnMode)
	SendStopListening()
	SendDetect(text string)
	SendAbort(reason string)
}

// Capture is the microphone pipeline the coordinator starts and stops
type Capture interface {
	Start() error
	Stop()
	Running() bool
}

// Playback is the speaker pipeline the coordinator feeds and stops
type Playback interface {
	Start()
	Stop()
	Enqueue(frame []byte)
	Running() bool
}

type eventKind int

const (
	evConnecting eventKind = iota
	evConnected
	evHandshakeComplete
	evDisconnected
	evFatalError
	evSpeechToText
	evEmotion
	evTTSControl
	evStartListening
	evStopListening
	evInterrupt
	evCancelWithAbort
	evSendText
	evSetMuted
	evClearHistory
	evAckError
)

// event is one entry on the coordinator's ordered queue
type event struct {
	kind eventKind
	err  error
	text string
	aux  string
	mode entities.TurnMode
	flag bool
}

// Snapshot is a point-in-time view of the conversation for observers
type Snapshot struct {
	State     entities.ConversationState `json:"state"`
	Mode      entities.TurnMode          `json:"mode"`
	Connected bool                       `json:"connected"`
	Muted     bool                       `json:"muted"`
	SessionID string                     `json:"session_id,omitempty"`
	Emotion   string                     `json:"emotion,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

// Coordinator is the top-level conversation state machine. Every state
// transition happens on one goroutine consuming a single ordered event queue,
// so racing triggers resolve in arrival order. It implements the protocol
// engine's Events interface.
type Coordinator struct {
	protocol Protocol
	capture  Capture
	playback Playback
	logger   *zap.Logger

	events chan event
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	started   bool
	state     entities.ConversationState
	mode      entities.TurnMode
	connected bool
	muted     bool
	sessionID string
	emotion   string
	activeErr string
	messages  []entities.Message
}

func NewCoordinator(protocol Protocol, capture Capture, playback Playback, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		protocol: protocol,
		capture:  capture,
		playback: playback,
		logger:   logger,
		events:   make(chan event, eventQueueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    entities.StateIdle,
		mode:     entities.TurnModeManual,
	}
}

// Start launches the event loop. Calling it twice is a no-op.
func (c *Coordinator) Start() {
	c.mu.Lock()
	started := c.started
	c.started = true
	c.mu.Unlock()
	if started {
		return
	}
	go c.loop()
}

// Stop shuts the event loop down and releases audio resources. Safe to call
// even when Start never ran.
func (c *Coordinator) Stop() {
	c.once.Do(func() {
		close(c.quit)
	})
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
	c.capture.Stop()
	c.playback.Stop()
}

// State returns the current conversation state
func (c *Coordinator) State() entities.ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Muted reports whether inbound audio is being discarded
func (c *Coordinator) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Snapshot returns a point-in-time view of the conversation
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:     c.state,
		Mode:      c.mode,
		Connected: c.connected,
		Muted:     c.muted,
		SessionID: c.sessionID,
		Emotion:   c.emotion,
		Error:     c.activeErr,
	}
}

// Messages returns a copy of the transcript in append order
func (c *Coordinator) Messages() []entities.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]entities.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Commands. Each posts onto the event queue and returns immediately.

// NoteConnecting records that a connection attempt is starting
func (c *Coordinator) NoteConnecting() {
	c.post(event{kind: evConnecting})
}

// StartListening begins a listening round in the given mode. Honored only
// from Idle while connected.
func (c *Coordinator) StartListening(mode entities.TurnMode) {
	c.post(event{kind: evStartListening, mode: mode})
}

// StopListening ends the current listening round. Honored only from
// Listening.
func (c *Coordinator) StopListening() {
	c.post(event{kind: evStopListening})
}

// Interrupt cancels whatever is in flight and returns to Idle in manual mode
func (c *Coordinator) Interrupt() {
	c.post(event{kind: evInterrupt})
}

// CancelWithAbort abandons a listening round with a reason code
func (c *Coordinator) CancelWithAbort(reason string) {
	c.post(event{kind: evCancelWithAbort, aux: reason})
}

// SendText submits a text turn. Honored only while connected with non-blank
// text.
func (c *Coordinator) SendText(text string) {
	c.post(event{kind: evSendText, text: text})
}

// SetMuted gates inbound audio. Muting stops in-flight playback; conversation
// state is unaffected.
func (c *Coordinator) SetMuted(muted bool) {
	c.post(event{kind: evSetMuted, flag: muted})
}

// ClearHistory discards the transcript
func (c *Coordinator) ClearHistory() {
	c.post(event{kind: evClearHistory})
}

// AcknowledgeError clears the active user-visible error
func (c *Coordinator) AcknowledgeError() {
	c.post(event{kind: evAckError})
}

// ReportAudioError is the sink for capture and playback failures
func (c *Coordinator) ReportAudioError(err error) {
	c.post(event{kind: evFatalError, err: err})
}

// Protocol engine events.

func (c *Coordinator) OnHandshakeComplete(sessionID string) {
	c.post(event{kind: evHandshakeComplete, aux: sessionID})
}

func (c *Coordinator) OnConnected() {
	c.post(event{kind: evConnected})
}

func (c *Coordinator) OnDisconnected(err error) {
	c.post(event{kind: evDisconnected, err: err})
}

func (c *Coordinator) OnProtocolError(err error) {
	c.post(event{kind: evFatalError, err: err})
}

func (c *Coordinator) OnSpeechToText(text string) {
	c.post(event{kind: evSpeechToText, text: text})
}

func (c *Coordinator) OnEmotion(emotion, text string) {
	c.post(event{kind: evEmotion, aux: emotion, text: text})
}

func (c *Coordinator) OnTTSControl(state, text string) {
	c.post(event{kind: evTTSControl, aux: state, text: text})
}

// OnIncomingAudio forwards a compressed frame to playback unless muted. It
// bypasses the event queue: frame delivery order is the transport's arrival
// order, and a control-traffic burst must not delay audio.
func (c *Coordinator) OnIncomingAudio(frame []byte) {
	c.mu.Lock()
	muted := c.muted
	c.mu.Unlock()
	if muted {
		return
	}
	c.playback.Enqueue(frame)
}

func (c *Coordinator) OnControlMessage(payload []byte) {
	c.logger.Debug("Ignoring control message", zap.ByteString("payload", payload))
}

func (c *Coordinator) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.quit:
	default:
		c.logger.Warn("Dropping event, queue full", zap.Int("kind", int(ev.kind)))
	}
}

func (c *Coordinator) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// handle applies one event against the current state. Runs only on the loop
// goroutine; c.mu is held across each mutation so observers see consistent
// snapshots.
func (c *Coordinator) handle(ev event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.kind {
	case evConnecting:
		if !c.connected {
			c.state = entities.StateConnecting
		}

	case evConnected:
		c.connected = true
		c.activeErr = ""
		c.state = entities.StateIdle
		c.logger.Info("Conversation ready")

	case evHandshakeComplete:
		c.sessionID = ev.aux

	case evDisconnected:
		c.connected = false
		c.sessionID = ""
		c.stopAllLocked()
		c.state = entities.StateIdle
		if ev.err != nil {
			// Transport failures redial on their own; surfacing each one
			// would flood the user during an outage.
			var te *entities.TransportError
			if errors.As(ev.err, &te) {
				c.logger.Warn("Disconnected", zap.Error(ev.err))
			} else {
				c.activeErr = userMessage(ev.err)
			}
		}

	case evFatalError:
		c.stopAllLocked()
		c.state = entities.StateIdle
		c.activeErr = userMessage(ev.err)
		c.logger.Error("Session error", zap.Error(ev.err))

	case evStartListening:
		if c.state != entities.StateIdle || !c.connected {
			c.logger.Debug("Ignoring start-listening",
				zap.String("state", string(c.state)),
				zap.Bool("connected", c.connected))
			return
		}
		c.mode = ev.mode
		if err := c.capture.Start(); err != nil {
			c.activeErr = userMessage(err)
			c.logger.Error("Failed to start capture", zap.Error(err))
			return
		}
		c.state = entities.StateListening
		c.protocol.SendStartListening(ev.mode)

	case evStopListening:
		if c.state != entities.StateListening {
			return
		}
		c.capture.Stop()
		c.state = entities.StateProcessing
		c.protocol.SendStopListening()

	case evSpeechToText:
		if ev.text != "" {
			c.messages = append(c.messages, entities.NewMessage(entities.MessageRoleUser, ev.text))
		}
		if c.state == entities.StateListening {
			// Server decided the turn is over.
			c.capture.Stop()
			c.state = entities.StateProcessing
		}

	case evEmotion:
		c.emotion = ev.aux

	case evTTSControl:
		c.handleTTSLocked(ev.aux, ev.text)

	case evInterrupt:
		c.stopAllLocked()
		c.protocol.SendAbort("user_interrupt")
		c.mode = entities.TurnModeManual
		c.state = entities.StateIdle

	case evCancelWithAbort:
		if c.state != entities.StateListening {
			return
		}
		c.capture.Stop()
		c.protocol.SendAbort(ev.aux)
		c.state = entities.StateIdle

	case evSendText:
		text := strings.TrimSpace(ev.text)
		if !c.connected || text == "" {
			return
		}
		if c.state == entities.StateListening {
			c.capture.Stop()
		}
		c.messages = append(c.messages, entities.NewMessage(entities.MessageRoleUser, text))
		c.state = entities.StateProcessing
		c.protocol.SendDetect(text)

	case evSetMuted:
		c.muted = ev.flag
		if ev.flag {
			c.playback.Stop()
		}

	case evClearHistory:
		c.messages = nil

	case evAckError:
		c.activeErr = ""
	}
}

// handleTTSLocked applies one TTS control message. Caller holds c.mu.
func (c *Coordinator) handleTTSLocked(state, text string) {
	switch state {
	case "sentence_start":
		if text != "" {
			c.messages = append(c.messages, entities.NewMessage(entities.MessageRoleAssistant, text))
		}
	case "start":
		if c.state == entities.StateListening {
			// Server-driven barge-in: the reply begins while we are still
			// capturing. The turn is over; capture must not outlive it.
			c.capture.Stop()
		}
		c.playback.Start()
		c.state = entities.StateSpeaking
	case "stop":
		if c.state != entities.StateSpeaking {
			// Duplicate or stray stop; acting on it would double-send
			// begin-listening in auto mode.
			return
		}
		c.playback.Stop()
		if c.mode == entities.TurnModeAuto && c.connected {
			if err := c.capture.Start(); err != nil {
				c.activeErr = userMessage(err)
				c.state = entities.StateIdle
				return
			}
			c.state = entities.StateListening
			c.protocol.SendStartListening(entities.TurnModeAuto)
		} else {
			c.state = entities.StateIdle
		}
	default:
		c.logger.Warn("Unknown TTS control state", zap.String("state", state))
	}
}

// stopAllLocked halts both audio directions. Caller holds c.mu.
func (c *Coordinator) stopAllLocked() {
	c.capture.Stop()
	c.playback.Stop()
}

// userMessage maps an error to the single user-visible message
func userMessage(err error) string {
	var (
		devErr   *entities.AudioDeviceError
		codecErr *entities.CodecError
		transErr *entities.TransportError
	)
	switch {
	case errors.Is(err, entities.ErrHandshakeTimeout):
		return "The assistant did not answer in time. Check the connection and try again."
	case errors.Is(err, entities.ErrHandshakeMismatch):
		return "The assistant answered with an incompatible protocol."
	case errors.As(err, &devErr):
		if devErr.Direction == "capture" {
			return "The microphone is unavailable."
		}
		return "The speaker is unavailable."
	case errors.As(err, &codecErr):
		return "Audio processing failed."
	case errors.As(err, &transErr):
		return "Lost the connection to the assistant."
	case err == nil:
		return ""
	default:
		return err.Error()
	}
}
