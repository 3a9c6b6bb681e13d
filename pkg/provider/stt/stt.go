// Package stt defines the Provider interface for speech-to-text backends.
//
// The hub collects a complete utterance from a device (raw PCM frames between
// voice start and voice end) before asking the provider for a transcription,
// so the interface is batch oriented rather than streaming. Implementations
// must be safe for concurrent use.
package stt

import "context"

// Transcript is the result of transcribing one utterance.
type Transcript struct {
	// Text is the transcribed text, trimmed of leading and trailing whitespace.
	Text string

	// Confidence is the backend's confidence in the transcript in [0, 1], or 0
	// if the backend does not report one.
	Confidence float64

	// Language is the detected or configured language code (e.g. "en"), if the
	// backend reports one.
	Language string
}

// Request describes one utterance to transcribe.
type Request struct {
	// PCM is raw 16-bit signed little-endian PCM audio.
	PCM []byte

	// SampleRate is the sample rate of PCM in Hz (e.g. 16000).
	SampleRate int

	// Channels is the channel count of PCM. Zero means mono.
	Channels int

	// Language optionally constrains or hints the transcription language.
	Language string
}

// Provider is the abstraction over any speech-to-text backend.
type Provider interface {
	// Transcribe converts one complete utterance of PCM audio to text. An empty
	// Transcript.Text with a nil error means the audio contained no
	// recognisable speech.
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}
