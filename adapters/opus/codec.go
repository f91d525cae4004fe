package opus

import (
	"fmt"
	"sync"

	hraban "gopkg.in/hraban/opus.v2"

	"github.com/kotori-ai/kotori/domain/repositories"
)

// MaxFrameBytes is the largest encoded Opus frame the codec can produce
const MaxFrameBytes = 1275

// Codec creates Opus encoder/decoder pairs. One pair per session; each
// direction keeps its own native state.
type Codec struct{}

// Ensure Codec implements the codec interface
var _ repositories.Codec = (*Codec)(nil)

func NewCodec() *Codec {
	return &Codec{}
}

// NewEncoder creates a VoIP-tuned Opus encoder for the given format
func (c *Codec) NewEncoder(sampleRate, channels int) (repositories.Encoder, error) {
	enc, err := hraban.NewEncoder(sampleRate, channels, hraban.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	return &encoder{enc: enc}, nil
}

// NewDecoder creates an Opus decoder for the given format
func (c *Codec) NewDecoder(sampleRate, channels int) (repositories.Decoder, error) {
	dec, err := hraban.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &decoder{dec: dec}, nil
}

// encoder wraps the native encoder handle. The handle is never exposed; Close
// is safe to call more than once so every exit path can release it.
type encoder struct {
	mu     sync.Mutex
	enc    *hraban.Encoder
	closed bool
}

func (e *encoder) Encode(pcm []int16, buf []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, fmt.Errorf("opus encoder is closed")
	}
	n, err := e.enc.Encode(pcm, buf)
	if err != nil {
		return 0, fmt.Errorf("opus encode failed: %w", err)
	}
	return n, nil
}

func (e *encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.enc = nil
	return nil
}

type decoder struct {
	mu     sync.Mutex
	dec    *hraban.Decoder
	closed bool
}

func (d *decoder) Decode(data []byte, pcm []int16) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, fmt.Errorf("opus decoder is closed")
	}
	n, err := d.dec.Decode(data, pcm)
	if err != nil {
		return 0, fmt.Errorf("opus decode failed: %w", err)
	}
	return n, nil
}

func (d *decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.dec = nil
	return nil
}
