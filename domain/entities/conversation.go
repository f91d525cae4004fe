package entities

import (
	"time"

	"github.com/google/uuid"
)

// ConversationState represents the single active state of the conversation loop
type ConversationState string

const (
	StateIdle       ConversationState = "idle"
	StateConnecting ConversationState = "connecting"
	StateListening  ConversationState = "listening"
	StateProcessing ConversationState = "processing"
	StateSpeaking   ConversationState = "speaking"
)

// TurnMode governs whether the client starts the next listening round on its
// own after an assistant reply finishes
type TurnMode string

const (
	TurnModeManual TurnMode = "manual"
	TurnModeAuto   TurnMode = "auto"
)

// MessageRole represents the role of a message sender
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// Message is a single transcript entry. Messages are append-only and never
// mutated after creation.
type Message struct {
	ID        string      `json:"id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage creates a transcript entry with a fresh identifier
func NewMessage(role MessageRole, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// AudioParams describes the negotiated audio format for a session
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"` // milliseconds
}

// DefaultAudioParams matches what the capture pipeline produces: 60ms Opus
// frames, 16kHz mono
func DefaultAudioParams() AudioParams {
	return AudioParams{
		Format:        "opus",
		SampleRate:    16000,
		Channels:      1,
		FrameDuration: 60,
	}
}

// SamplesPerFrame returns the PCM frame size the params imply
func (p AudioParams) SamplesPerFrame() int {
	return p.SampleRate * p.FrameDuration / 1000
}

// ConnectionParams are the three values the transport needs to (re)establish
// a session channel
type ConnectionParams struct {
	URL      string `json:"url"`
	DeviceID string `json:"device_id"`
	Token    string `json:"token"`
}

// Complete reports whether the params are sufficient to dial
func (p ConnectionParams) Complete() bool {
	return p.URL != "" && p.DeviceID != ""
}
