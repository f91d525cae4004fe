package audio

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kotori-ai/kotori/domain/entities"
	"github.com/kotori-ai/kotori/domain/repositories"
)

// maxEncodedFrameBytes is the largest compressed frame the codec can produce
const maxEncodedFrameBytes = 1275

// Capturer reads fixed-duration PCM frames from the input device, encodes
// each one, and hands the result to the sink in production order. Start and
// Stop are idempotent.
type Capturer struct {
	factory repositories.AudioDeviceFactory
	codec   repositories.Codec
	params  entities.AudioParams
	logger  *zap.Logger

	// sink receives each successfully encoded frame.
	sink func(frame []byte)
	// onError receives recoverable capture failures.
	onError func(err error)

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	input   repositories.AudioInput
	encoder repositories.Encoder
}

func NewCapturer(
	factory repositories.AudioDeviceFactory,
	codec repositories.Codec,
	params entities.AudioParams,
	sink func(frame []byte),
	onError func(err error),
	logger *zap.Logger,
) *Capturer {
	return &Capturer{
		factory: factory,
		codec:   codec,
		params:  params,
		sink:    sink,
		onError: onError,
		logger:  logger,
	}
}

// Running reports whether the capture loop is active
func (c *Capturer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start acquires the input device and begins the capture loop. Starting
// while already started is a no-op.
func (c *Capturer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	frameSize := c.params.SamplesPerFrame()
	input, err := c.factory.OpenInput(c.params.SampleRate, c.params.Channels, frameSize)
	if err != nil {
		return &entities.AudioDeviceError{Direction: "capture", Err: err}
	}
	encoder, err := c.codec.NewEncoder(c.params.SampleRate, c.params.Channels)
	if err != nil {
		input.Stop()
		return &entities.CodecError{Op: "encode", Err: err}
	}
	if err := input.Start(); err != nil {
		encoder.Close()
		input.Stop()
		return &entities.AudioDeviceError{Direction: "capture", Err: err}
	}

	stop := make(chan struct{})
	c.running = true
	c.stop = stop
	c.input = input
	c.encoder = encoder

	c.logger.Info("Capture started",
		zap.Int("sampleRate", c.params.SampleRate),
		zap.Int("frameSize", frameSize))

	go c.loop(input, encoder, stop)
	return nil
}

// Stop tears down the capture loop and releases the device and encoder.
// Stopping while already stopped is a no-op.
func (c *Capturer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	input := c.input
	encoder := c.encoder
	c.input = nil
	c.encoder = nil
	c.mu.Unlock()

	if err := input.Stop(); err != nil {
		c.logger.Warn("Failed to stop capture device", zap.Error(err))
	}
	encoder.Close()
	c.logger.Info("Capture stopped")
}

// fail releases a run whose device died so a later Start opens fresh
func (c *Capturer) fail(input repositories.AudioInput, encoder repositories.Encoder, stop chan struct{}) {
	c.mu.Lock()
	if c.stop == stop && c.running {
		c.running = false
		close(c.stop)
		c.input = nil
		c.encoder = nil
	}
	c.mu.Unlock()
	input.Stop()
	encoder.Close()
}

func (c *Capturer) loop(input repositories.AudioInput, encoder repositories.Encoder, stop chan struct{}) {
	pcm := make([]int16, c.params.SamplesPerFrame()*c.params.Channels)
	buf := make([]byte, maxEncodedFrameBytes)

	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := input.ReadFrame(pcm); err != nil {
			select {
			case <-stop:
				// Device was torn down by Stop; not an error.
				return
			default:
			}
			c.logger.Error("Capture device read failed", zap.Error(err))
			c.fail(input, encoder, stop)
			c.onError(&entities.AudioDeviceError{Direction: "capture", Err: err})
			return
		}

		n, err := encoder.Encode(pcm, buf)
		if err != nil {
			// Per-frame codec failures drop the frame, never the stream.
			c.logger.Warn("Dropping frame, encode failed", zap.Error(err))
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		c.sink(frame)
	}
}
