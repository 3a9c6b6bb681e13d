// Package piper provides a tts.Provider backed by a Piper HTTP server.
//
// Piper operates in batch mode (one HTTP call per utterance rather than a
// streaming socket), so SynthesizeStream accumulates incoming text fragments
// into complete sentences and then dispatches concurrent HTTP requests with a
// small lookahead buffer to minimise perceived latency.
//
// Synthesis is performed via POST / with a JSON body {"text": ...}; the voice
// catalogue is retrieved from GET /voices.
package piper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/renfield-hub/renfield/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultTimeout  = 30 * time.Second
	synthesizePath  = "/"
	voicesPath      = "/voices"

	// sentenceLookaheadBuf controls how many concurrent HTTP synthesis requests
	// may be in-flight simultaneously. Higher values reduce perceived latency
	// at the cost of additional server load.
	sentenceLookaheadBuf = 4

	// audioChanBuf is the buffer depth of the returned audio channel.
	audioChanBuf = 256

	// pcmChunkSize is the size of each PCM chunk emitted on the audio channel.
	pcmChunkSize = 4096
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout for calls to the server.
// Defaults to 30 s if not set.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithOutputSampleRate configures the provider to resample synthesised PCM to
// the given sample rate (e.g. 48000). When set to 0 (default), no resampling
// is performed and PCM is emitted at the model's native rate.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) { p.outputRate = rate }
}

// Provider implements tts.Provider against a Piper HTTP server.
type Provider struct {
	serverURL  string
	outputRate int
	httpClient *http.Client
}

// New creates a Provider talking to the given Piper server base URL
// (e.g. "http://localhost:5000").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("piper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// audioResult carries one sentence's synthesised PCM or error through the
// ordered result queue.
type audioResult struct {
	pcm []byte
	err error
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	audioCh := make(chan []byte, audioChanBuf)

	go func() {
		defer close(audioCh)

		// sentences carries complete sentences from the accumulator to the
		// dispatcher.
		sentences := make(chan string, sentenceLookaheadBuf)

		// resultQueue carries ordered future channels so the collector can
		// drain in order.
		resultQueue := make(chan chan audioResult, sentenceLookaheadBuf)

		// --- Accumulator goroutine ---
		// Reads text fragments, buffers them, and emits complete sentences.
		go func() {
			defer close(sentences)
			var buf strings.Builder
			for {
				select {
				case fragment, ok := <-text:
					if !ok {
						// Text channel closed: flush any remaining partial sentence.
						if remaining := strings.TrimSpace(buf.String()); remaining != "" {
							select {
							case sentences <- remaining:
							case <-ctx.Done():
							}
						}
						return
					}
					buf.WriteString(fragment)
					// Drain all complete sentences from the buffer.
					for {
						s := buf.String()
						idx := findSentenceBoundary(s)
						if idx < 0 {
							break
						}
						sentence := strings.TrimSpace(s[:idx+1])
						buf.Reset()
						buf.WriteString(s[idx+1:])
						if sentence == "" {
							continue
						}
						select {
						case sentences <- sentence:
						case <-ctx.Done():
							return
						}
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		// --- Dispatcher goroutine ---
		// Launches a concurrent HTTP request per sentence, placing an ordered
		// result channel into resultQueue so the collector can drain in order.
		go func() {
			defer close(resultQueue)
			for {
				select {
				case sentence, ok := <-sentences:
					if !ok {
						return
					}
					ch := make(chan audioResult, 1)
					select {
					case resultQueue <- ch:
					case <-ctx.Done():
						return
					}
					go func(s string, out chan<- audioResult) {
						pcm, err := p.synthesize(ctx, s, voice)
						out <- audioResult{pcm: pcm, err: err}
					}(sentence, ch)
				case <-ctx.Done():
					return
				}
			}
		}()

		// --- Collector ---
		// Drains resultQueue in-order and emits PCM chunks to the audio channel.
		for {
			select {
			case ch, ok := <-resultQueue:
				if !ok {
					return
				}
				select {
				case result := <-ch:
					if result.err != nil {
						// On synthesis error we stop the stream. The caller can
						// inspect ctx.Err() to distinguish cancellation from
						// provider errors.
						return
					}
					pcm := result.pcm
					for len(pcm) > 0 {
						end := min(pcmChunkSize, len(pcm))
						select {
						case audioCh <- pcm[:end]:
						case <-ctx.Done():
							return
						}
						pcm = pcm[end:]
					}
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

// synthesizeRequest is the JSON body of a Piper synthesis call.
type synthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// synthesize performs a single POST / call and returns the raw PCM with the
// WAV header stripped.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice tts.VoiceProfile) ([]byte, error) {
	data, err := json.Marshal(synthesizeRequest{Text: sentence, Voice: voice.ID})
	if err != nil {
		return nil, fmt.Errorf("piper: marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+synthesizePath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("piper: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("piper: POST %s: %w", synthesizePath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("piper: POST %s returned status %d", synthesizePath, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("piper: read WAV response: %w", err)
	}

	info, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}

	pcm := wav[info.DataOffset:]
	if p.outputRate > 0 && info.SampleRate != p.outputRate && info.Channels == 1 {
		pcm = resampleMono16(pcm, info.SampleRate, p.outputRate)
	}
	return pcm, nil
}

// ListVoices retrieves the voice catalogue from GET /voices.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+voicesPath, nil)
	if err != nil {
		return nil, fmt.Errorf("piper: create voices request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("piper: GET %s: %w", voicesPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("piper: GET %s returned status %d", voicesPath, resp.StatusCode)
	}

	// Piper reports voices as a map keyed by voice ID.
	var raw map[string]struct {
		Name     string `json:"name"`
		Language struct {
			Code string `json:"code"`
		} `json:"language"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("piper: decode voices response: %w", err)
	}

	voices := make([]tts.VoiceProfile, 0, len(raw))
	for id, v := range raw {
		name := v.Name
		if name == "" {
			name = id
		}
		voices = append(voices, tts.VoiceProfile{
			ID:       id,
			Name:     name,
			Language: v.Language.Code,
			Provider: "piper",
		})
	}
	sort.Slice(voices, func(i, j int) bool { return voices[i].ID < voices[j].ID })
	return voices, nil
}

// ---- resampling ----

// resampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func resampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := 0; i < dstSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ---- helpers ----

// findSentenceBoundary returns the index of the first sentence-ending
// character ('.', '!', '?') that is either at the end of s or immediately
// followed by whitespace. Returns -1 if no sentence boundary is found.
//
// This ensures that abbreviations like "Dr." or decimal numbers like "3.14"
// are not incorrectly treated as sentence boundaries when followed by a
// non-space character.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}

// wavInfo holds the format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset int // byte offset of the first PCM sample
	SampleRate int // samples per second (e.g. 22050, 44100, 48000)
	Channels   int // 1 = mono, 2 = stereo
}

// parseWAV scans the RIFF/WAVE container in wav and returns the data offset
// and audio format from the "fmt " sub-chunk. This is more robust than
// hardcoding a fixed 44-byte offset because the fmt chunk size may vary.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("piper: WAV response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("piper: WAV response missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("piper: WAV response missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	// Walk RIFF chunks starting immediately after the 12-byte RIFF/WAVE header.
	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			if !foundFmt {
				// fmt chunk should appear before data, but be tolerant.
				info.SampleRate = 22050
				info.Channels = 1
			}
			return info, nil
		}

		// Advance past this chunk (chunks are word-aligned: pad by 1 if odd size).
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("piper: WAV response missing data chunk")
}
