package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/kotori-ai/kotori/domain/entities"
)

// MessageType discriminates wire messages on their "type" field
type MessageType string

// Message types used on the session channel
const (
	MessageTypeHello  MessageType = "hello"
	MessageTypeListen MessageType = "listen"
	MessageTypeAbort  MessageType = "abort"
	MessageTypeSTT    MessageType = "stt"
	MessageTypeLLM    MessageType = "llm"
	MessageTypeTTS    MessageType = "tts"
)

// Listening states carried by listen messages
const (
	ListenStateStart  = "start"
	ListenStateStop   = "stop"
	ListenStateDetect = "detect"
)

// TTS control states sent by the server
const (
	TTSStateSentenceStart = "sentence_start"
	TTSStateStart         = "start"
	TTSStateStop          = "stop"
)

// transportKind is the only transport this client negotiates
const transportKind = "websocket"

// protocolVersion is the hello protocol version
const protocolVersion = 1

// HelloMessage opens the handshake, declaring protocol version and the audio
// format the client will stream
type HelloMessage struct {
	Type        MessageType          `json:"type"`
	Version     int                  `json:"version"`
	Transport   string               `json:"transport"`
	AudioParams entities.AudioParams `json:"audio_params"`
}

// NewHelloMessage builds the outbound hello for the given audio format
func NewHelloMessage(params entities.AudioParams) HelloMessage {
	return HelloMessage{
		Type:        MessageTypeHello,
		Version:     protocolVersion,
		Transport:   transportKind,
		AudioParams: params,
	}
}

// ListenMessage carries begin-listening, end-listening, and text-turn
// detection payloads
type ListenMessage struct {
	Type      MessageType `json:"type"`
	State     string      `json:"state"`
	Mode      string      `json:"mode,omitempty"`
	Text      string      `json:"text,omitempty"`
	Source    string      `json:"source,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
}

// AbortMessage cancels the current turn with a reason code
type AbortMessage struct {
	Type      MessageType `json:"type"`
	Reason    string      `json:"reason"`
	SessionID string      `json:"session_id,omitempty"`
}

// ServerMessage is the inbound text-frame envelope. One struct covers the
// union; classification reads only the fields its type uses.
type ServerMessage struct {
	Type        MessageType           `json:"type"`
	Transport   string                `json:"transport,omitempty"`
	SessionID   string                `json:"session_id,omitempty"`
	State       string                `json:"state,omitempty"`
	Text        string                `json:"text,omitempty"`
	Emotion     string                `json:"emotion,omitempty"`
	AudioParams *entities.AudioParams `json:"audio_params,omitempty"`
}

// ParseServerMessage decodes an inbound text frame. A payload without a type
// field is rejected so the caller can drop it with a diagnostic.
func ParseServerMessage(payload []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message missing type field")
	}
	return &msg, nil
}
