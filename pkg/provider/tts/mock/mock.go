// Package mock provides a deterministic tts.Provider for tests.
//
// The mock emits one fixed PCM chunk per text fragment it receives, so tests
// can correlate synthesised audio with the text that produced it.
package mock

import (
	"context"
	"sync"

	"github.com/renfield-hub/renfield/pkg/provider/tts"
)

// Compile-time interface check.
var _ tts.Provider = (*Provider)(nil)

// Provider is a scripted tts.Provider. Safe for concurrent use.
type Provider struct {
	// Chunk is the PCM payload emitted per text fragment. Defaults to four
	// zero bytes (two silent 16-bit samples).
	Chunk []byte

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	mu        sync.Mutex
	Fragments []string
}

// New creates a mock provider.
func New() *Provider {
	return &Provider{
		Chunk:  []byte{0, 0, 0, 0},
		Voices: []tts.VoiceProfile{{ID: "mock", Name: "Mock Voice", Provider: "mock"}},
	}
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, _ tts.VoiceProfile) (<-chan []byte, error) {
	audioCh := make(chan []byte, 16)
	go func() {
		defer close(audioCh)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				p.Fragments = append(p.Fragments, fragment)
				p.mu.Unlock()
				select {
				case audioCh <- p.Chunk:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioCh, nil
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	return p.Voices, nil
}
