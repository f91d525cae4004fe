package api

// ListenRequest selects the turn mode for a listening round
type ListenRequest struct {
	Mode string `json:"mode"`
}

// TextRequest carries a text turn
type TextRequest struct {
	Text string `json:"text" validate:"required"`
}

// MuteRequest sets the mute flag
type MuteRequest struct {
	Muted bool `json:"muted"`
}

// AbortRequest carries the reason for cancelling a listening round
type AbortRequest struct {
	Reason string `json:"reason"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
