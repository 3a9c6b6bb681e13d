// Package whisper provides an stt.Provider backed by a whisper.cpp server.
//
// The provider wraps a raw PCM utterance in a RIFF/WAV container and POSTs it
// to the server's /inference endpoint as multipart/form-data. It requires a
// running whisper.cpp "server" binary but no cgo bindings.
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/renfield-hub/renfield/pkg/provider/stt"
)

const bitsPerSample = 16

// Compile-time interface check.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider against a whisper.cpp HTTP server.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithLanguage sets the default transcription language (e.g. "en"). Requests
// that carry their own language override this.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithHTTPClient overrides the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a whisper Provider talking to the given server base URL
// (e.g. "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	if len(req.PCM) == 0 {
		return stt.Transcript{}, nil
	}
	sr := req.SampleRate
	if sr <= 0 {
		sr = 16000
	}
	ch := req.Channels
	if ch <= 0 {
		ch = 1
	}
	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	wav := encodeWAV(req.PCM, sr, ch)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: write wav data: %w", err)
	}
	if lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	endpoint := p.serverURL + "/inference"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stt.Transcript{}, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	return stt.Transcript{
		Text:     strings.TrimSpace(result.Text),
		Language: lang,
	}, nil
}

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container suitable for a multipart form upload.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
