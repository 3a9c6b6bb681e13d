// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g. a local Piper
// instance) and presents a uniform streaming interface. The primary entry
// point is SynthesizeStream, which accepts a channel of text fragments and
// returns a channel of raw PCM audio bytes as they become available, enabling
// low-latency pipelining between streaming LLM output and device playback.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// VoiceProfile identifies a synthesis voice offered by a provider.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is a human-readable voice name.
	Name string

	// Language is the BCP-47 language code of the voice, if known.
	Language string

	// Provider names the backend that offers this voice.
	Provider string
}

// Provider is the abstraction over any TTS backend.
//
// Multiple synthesis requests may run in parallel (e.g. several rooms
// speaking at once).
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits raw 16-bit signed little-endian PCM audio as
	// it is synthesised. The audio channel is closed when all text has been
	// synthesised or when ctx is cancelled. The caller must drain the audio
	// channel to avoid blocking the provider's internal goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// during synthesis are signalled by closing the audio channel early;
	// callers should check ctx.Err() to distinguish cancellation from provider
	// errors.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns all voice profiles currently available from this
	// provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
