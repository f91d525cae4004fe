package repositories

// Encoder converts one fixed-size PCM frame into a compressed frame. Stateful
// per direction; one instance per session.
type Encoder interface {
	// Encode compresses pcm into buf and returns the number of bytes written.
	Encode(pcm []int16, buf []byte) (int, error)
	Close() error
}

// Decoder converts one compressed frame back into PCM samples
type Decoder interface {
	// Decode decompresses data into pcm and returns the number of samples
	// written per channel.
	Decode(data []byte, pcm []int16) (int, error)
	Close() error
}

// Codec creates the per-session encoder/decoder pair
type Codec interface {
	NewEncoder(sampleRate, channels int) (Encoder, error)
	NewDecoder(sampleRate, channels int) (Decoder, error)
}
