package audio

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kotori-ai/kotori/domain/entities"
	"github.com/kotori-ai/kotori/domain/repositories"
)

// playbackQueueSize bounds buffered compressed frames. At 60ms per frame this
// holds well over ten seconds of speech.
const playbackQueueSize = 256

// Player decodes queued compressed frames and writes the PCM to the output
// device in arrival order. The device and decoder are acquired lazily on the
// first frame, so an assistant turn with no audio never touches the hardware.
type Player struct {
	factory    repositories.AudioDeviceFactory
	codec      repositories.Codec
	capability repositories.AudioCapability
	params     entities.AudioParams
	logger     *zap.Logger

	// onError receives playback failures that end the run.
	onError func(err error)

	mu      sync.Mutex
	running bool
	frames  chan []byte
	stop    chan struct{}
}

func NewPlayer(
	factory repositories.AudioDeviceFactory,
	codec repositories.Codec,
	capability repositories.AudioCapability,
	params entities.AudioParams,
	onError func(err error),
	logger *zap.Logger,
) *Player {
	return &Player{
		factory:    factory,
		codec:      codec,
		capability: capability,
		params:     params,
		onError:    onError,
		logger:     logger,
	}
}

// Running reports whether the playback loop is active
func (p *Player) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start brings up the playback loop. Starting while already started is a
// no-op. The loop waits for frames; hardware is not touched until one
// arrives.
func (p *Player) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.frames = make(chan []byte, playbackQueueSize)
	p.stop = make(chan struct{})
	go p.loop(p.frames, p.stop)
}

// Stop tears down the playback loop, discarding any frames still queued.
// Stopping while already stopped is a no-op.
func (p *Player) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	p.mu.Unlock()
}

// Enqueue queues one compressed frame for playback, starting the loop if
// needed. A full queue drops the frame with a logged diagnostic.
func (p *Player) Enqueue(frame []byte) {
	p.Start()

	p.mu.Lock()
	frames := p.frames
	stop := p.stop
	p.mu.Unlock()

	select {
	case frames <- frame:
	case <-stop:
	default:
		p.logger.Warn("Dropping playback frame, queue full", zap.Int("size", len(frame)))
	}
}

func (p *Player) loop(frames chan []byte, stop chan struct{}) {
	var (
		output   repositories.AudioOutput
		decoder  repositories.Decoder
		acquired bool
	)
	defer func() {
		if output != nil {
			if err := output.Stop(); err != nil {
				p.logger.Warn("Failed to stop playback device", zap.Error(err))
			}
		}
		if decoder != nil {
			decoder.Close()
		}
		if acquired {
			p.capability.ReleaseExclusiveAccess()
		}
		p.logger.Info("Playback stopped")
	}()

	pcm := make([]int16, p.params.SamplesPerFrame()*p.params.Channels)

	for {
		select {
		case <-stop:
			return
		case frame := <-frames:
			if output == nil {
				var err error
				output, decoder, acquired, err = p.open()
				if err != nil {
					p.fail(stop, err)
					return
				}
			}

			n, err := decoder.Decode(frame, pcm)
			if err != nil {
				// Per-frame codec failures drop the frame, never the stream.
				p.logger.Warn("Dropping frame, decode failed", zap.Error(err))
				continue
			}
			if err := output.WriteFrame(pcm[:n*p.params.Channels]); err != nil {
				p.logger.Error("Playback device write failed", zap.Error(err))
				p.fail(stop, &entities.AudioDeviceError{Direction: "playback", Err: err})
				return
			}
		}
	}
}

// open acquires exclusive device access, the output stream, and a decoder
func (p *Player) open() (repositories.AudioOutput, repositories.Decoder, bool, error) {
	if err := p.capability.AcquireExclusiveAccess(); err != nil {
		return nil, nil, false, &entities.AudioDeviceError{Direction: "playback", Err: err}
	}
	output, err := p.factory.OpenOutput(p.params.SampleRate, p.params.Channels, p.params.SamplesPerFrame())
	if err != nil {
		p.capability.ReleaseExclusiveAccess()
		return nil, nil, false, &entities.AudioDeviceError{Direction: "playback", Err: err}
	}
	decoder, err := p.codec.NewDecoder(p.params.SampleRate, p.params.Channels)
	if err != nil {
		output.Stop()
		p.capability.ReleaseExclusiveAccess()
		return nil, nil, false, &entities.CodecError{Op: "decode", Err: err}
	}
	if err := output.Start(); err != nil {
		decoder.Close()
		output.Stop()
		p.capability.ReleaseExclusiveAccess()
		return nil, nil, false, &entities.AudioDeviceError{Direction: "playback", Err: err}
	}
	p.logger.Info("Playback started", zap.Int("sampleRate", p.params.SampleRate))
	return output, decoder, true, nil
}

// fail marks the player stopped and reports the terminal error. A failure
// from a run that is no longer current (a newer Start already took over, or
// Stop already tore this run down) is discarded.
func (p *Player) fail(stop chan struct{}, err error) {
	p.mu.Lock()
	current := p.stop == stop && p.running
	if current {
		p.running = false
		close(p.stop)
	}
	p.mu.Unlock()
	if current {
		p.onError(err)
	}
}
