package services

import "context"

// ---------------------------------------------------------------------------
// TTSService is the common interface for text-to-speech providers
// Both the Wyoming (Piper) client and the OpenAI speech provider implement
// this so the pipeline never knows which engine produced the audio.
// ---------------------------------------------------------------------------

// Default sample format of Piper voices: 16 kHz, signed 16-bit, mono.
const (
	DefaultSampleRate  = 16000
	DefaultSampleWidth = 2
	DefaultChannels    = 1
)

// RawAudio is headerless little-endian signed PCM plus the format needed to
// describe it to sox. PCM holds the chunks in arrival order.
type RawAudio struct {
	PCM      []byte
	Rate     int // samples per second
	Width    int // bytes per sample
	Channels int
}

// Bits returns the sample size in bits, as sox's -b flag expects.
func (a *RawAudio) Bits() int {
	return a.Width * 8
}

// TTSService is the interface that any TTS provider must implement.
type TTSService interface {
	// Synthesize converts text to raw PCM. An empty voice lets the provider
	// use its own default.
	Synthesize(ctx context.Context, text, voice string) (*RawAudio, error)
}
