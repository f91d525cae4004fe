package repositories

// AudioInput abstracts the microphone. Read blocks until a full fixed-duration
// PCM frame is available or the device fails.
type AudioInput interface {
	Start() error
	// ReadFrame fills dst with one frame of PCM samples. len(dst) is the
	// frame size negotiated at construction.
	ReadFrame(dst []int16) error
	Stop() error
}

// AudioOutput abstracts the speaker. WriteFrame blocks until the device has
// accepted the frame.
type AudioOutput interface {
	Start() error
	WriteFrame(pcm []int16) error
	Stop() error
}

// AudioCapability exposes host audio facilities the pipeline can only probe,
// not implement: exclusive device access (audio focus) and hardware echo
// cancellation.
type AudioCapability interface {
	AcquireExclusiveAccess() error
	ReleaseExclusiveAccess()
	HasEchoCancellation() bool
}

// AudioDeviceFactory opens input and output devices for a given PCM frame
// size. Opening is separate from starting so playback can acquire its device
// lazily.
type AudioDeviceFactory interface {
	OpenInput(sampleRate, channels, frameSize int) (AudioInput, error)
	OpenOutput(sampleRate, channels, frameSize int) (AudioOutput, error)
}
