package portaudio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/kotori-ai/kotori/domain/repositories"
)

// DeviceFactory opens portaudio-backed input and output streams. Initialize
// must be called once before any device is opened and Terminate once after
// the last one is closed.
type DeviceFactory struct {
	logger *zap.Logger
}

var _ repositories.AudioDeviceFactory = (*DeviceFactory)(nil)

func NewDeviceFactory(logger *zap.Logger) *DeviceFactory {
	return &DeviceFactory{logger: logger}
}

// Initialize sets up the host audio subsystem
func Initialize() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}
	return nil
}

// Terminate tears down the host audio subsystem
func Terminate() {
	portaudio.Terminate()
}

// OpenInput opens the default capture device producing frameSize samples per
// read
func (f *DeviceFactory) OpenInput(sampleRate, channels, frameSize int) (repositories.AudioInput, error) {
	buf := make([]int16, frameSize*channels)
	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(sampleRate), frameSize, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to open input stream: %w", err)
	}
	f.logger.Info("Opened capture device",
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", channels),
		zap.Int("frameSize", frameSize))
	return &inputDevice{stream: stream, buf: buf}, nil
}

// OpenOutput opens the default playback device consuming frameSize samples
// per write
func (f *DeviceFactory) OpenOutput(sampleRate, channels, frameSize int) (repositories.AudioOutput, error) {
	buf := make([]int16, frameSize*channels)
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(sampleRate), frameSize, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to open output stream: %w", err)
	}
	f.logger.Info("Opened playback device",
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", channels),
		zap.Int("frameSize", frameSize))
	return &outputDevice{stream: stream, buf: buf}, nil
}

type inputDevice struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	buf     []int16
	started bool
	closed  bool
	readers sync.WaitGroup
}

func (d *inputDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("input stream is closed")
	}
	if d.started {
		return nil
	}
	if err := d.stream.Start(); err != nil {
		return fmt.Errorf("failed to start input stream: %w", err)
	}
	d.started = true
	return nil
}

// ReadFrame blocks in the host stream; Stop may run concurrently to abort it
func (d *inputDevice) ReadFrame(dst []int16) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("input stream is closed")
	}
	d.readers.Add(1)
	d.mu.Unlock()

	err := d.stream.Read()
	d.readers.Done()
	if err != nil {
		return fmt.Errorf("failed to read input frame: %w", err)
	}
	copy(dst, d.buf)
	return nil
}

// Stop aborts a pending read by stopping the stream, then closes it only
// after the reader has left the host library.
func (d *inputDevice) Stop() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	d.started = false
	d.mu.Unlock()

	var stopErr error
	if started {
		stopErr = d.stream.Stop()
	}
	d.readers.Wait()
	if err := d.stream.Close(); err != nil && stopErr == nil {
		stopErr = err
	}
	if stopErr != nil {
		return fmt.Errorf("failed to stop input stream: %w", stopErr)
	}
	return nil
}

type outputDevice struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	buf     []int16
	started bool
}

func (d *outputDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	if err := d.stream.Start(); err != nil {
		return fmt.Errorf("failed to start output stream: %w", err)
	}
	d.started = true
	return nil
}

func (d *outputDevice) WriteFrame(pcm []int16) error {
	copy(d.buf, pcm)
	if err := d.stream.Write(); err != nil {
		return fmt.Errorf("failed to write output frame: %w", err)
	}
	return nil
}

func (d *outputDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	d.started = false
	if err := d.stream.Stop(); err != nil {
		d.stream.Close()
		return fmt.Errorf("failed to stop output stream: %w", err)
	}
	return d.stream.Close()
}
