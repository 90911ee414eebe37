// Package murf provides a Murf-backed TTS provider using the Murf HTTP
// generation API. It implements the tts.Provider interface.
//
// Murf has no streaming-input endpoint, so the provider batches incoming
// text at sentence boundaries (tts.BatchSentences) and synthesizes one
// sentence per request. The generate endpoint returns a URL to a WAV file;
// the provider downloads it, strips the container, and emits raw PCM. With
// 8 kHz mono output a sentence of speech downloads in well under its own
// playback time, so the paced media path hides the per-sentence latency
// after the first sentence.
package murf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ligvox/ligvox/pkg/audio"
	"github.com/ligvox/ligvox/pkg/provider/tts"
	"github.com/ligvox/ligvox/pkg/types"
)

const (
	generateEndpoint = "https://api.murf.ai/v1/speech/generate"
	voicesEndpoint   = "https://api.murf.ai/v1/speech/voices"

	defaultTimeout = 30 * time.Second
)

// Option is a functional option for configuring the Murf Provider.
type Option func(*Provider)

// WithHTTPClient replaces the HTTP client used for API calls and audio
// downloads. Tests use this to point the provider at a local server.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithEndpoints overrides the generate and voices endpoint URLs.
func WithEndpoints(generate, voices string) Option {
	return func(p *Provider) {
		p.generateURL = generate
		p.voicesURL = voices
	}
}

// WithMaxSentenceLen overrides the forced sentence flush length.
func WithMaxSentenceLen(n int) Option {
	return func(p *Provider) {
		p.maxSentenceLen = n
	}
}

// Provider implements tts.Provider backed by the Murf generation API.
type Provider struct {
	apiKey         string
	generateURL    string
	voicesURL      string
	maxSentenceLen int
	httpClient     *http.Client
}

// New creates a new Murf Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("murf: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:      apiKey,
		generateURL: generateEndpoint,
		voicesURL:   voicesEndpoint,
		httpClient:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- API message types ----

// generateRequest is the JSON body for POST /v1/speech/generate.
type generateRequest struct {
	VoiceID     string `json:"voiceId"`
	Text        string `json:"text"`
	Format      string `json:"format"`
	SampleRate  int    `json:"sampleRate"`
	ChannelType string `json:"channelType"`
}

// generateResponse is the JSON response from the generate endpoint.
type generateResponse struct {
	AudioFile          string  `json:"audioFile"`
	AudioLengthSeconds float64 `json:"audioLengthInSeconds"`
}

// SynthesizeStream batches text into sentences and synthesizes them
// sequentially, emitting the PCM of each sentence as soon as it downloads.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("murf: voice.ID must not be empty")
	}

	sentences := tts.BatchSentences(text, p.maxSentenceLen)
	audioCh := make(chan []byte, 8)

	go func() {
		defer close(audioCh)
		// Always drain the sentence channel so BatchSentences' goroutine and
		// the upstream text producer are released even after an error.
		defer func() {
			for range sentences {
			}
		}()

		for {
			select {
			case sentence, ok := <-sentences:
				if !ok {
					return
				}
				pcm, err := p.generate(ctx, voice.ID, sentence)
				if err != nil {
					// ctx cancellation or provider failure: close early and
					// let the caller check ctx.Err().
					return
				}
				select {
				case audioCh <- pcm:
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

// generate synthesizes one sentence and returns its raw PCM payload.
func (p *Provider) generate(ctx context.Context, voiceID, text string) ([]byte, error) {
	body, err := json.Marshal(generateRequest{
		VoiceID:     voiceID,
		Text:        text,
		Format:      "WAV",
		SampleRate:  audio.SampleRate,
		ChannelType: "MONO",
	})
	if err != nil {
		return nil, fmt.Errorf("murf: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.generateURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("murf: build request: %w", err)
	}
	req.Header.Set("api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("murf: generate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("murf: generate: unexpected status %d", resp.StatusCode)
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("murf: generate decode: %w", err)
	}
	if gr.AudioFile == "" {
		return nil, errors.New("murf: generate response has no audio file URL")
	}

	return p.download(ctx, gr.AudioFile)
}

// download fetches the synthesized WAV file and strips the container.
func (p *Provider) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("murf: build download request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("murf: download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("murf: download: unexpected status %d", resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("murf: download read: %w", err)
	}

	pcm, err := audio.ExtractWAVData(wav)
	if err != nil {
		return nil, fmt.Errorf("murf: %w", err)
	}
	return pcm, nil
}

// ---- ListVoices ----

// murfVoice is a single voice entry from GET /v1/speech/voices.
type murfVoice struct {
	VoiceID     string `json:"voiceId"`
	DisplayName string `json:"displayName"`
	Locale      string `json:"locale"`
	Gender      string `json:"gender"`
}

// ListVoices returns all voices available from Murf for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.voicesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("murf: list voices: %w", err)
	}
	req.Header.Set("api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("murf: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("murf: list voices: unexpected status %d", resp.StatusCode)
	}

	var voices []murfVoice
	if err := json.NewDecoder(resp.Body).Decode(&voices); err != nil {
		return nil, fmt.Errorf("murf: list voices decode: %w", err)
	}

	profiles := make([]types.VoiceProfile, 0, len(voices))
	for _, v := range voices {
		meta := map[string]string{}
		if v.Gender != "" {
			meta["gender"] = v.Gender
		}
		profiles = append(profiles, types.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.DisplayName,
			Provider: "murf",
			Language: v.Locale,
			Metadata: meta,
		})
	}
	return profiles, nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
