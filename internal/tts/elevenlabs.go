package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

const elevenLabsBaseURL = "https://api.elevenlabs.io"

// ElevenLabsClient streams PCM_48000 speech from the ElevenLabs HTTP streaming endpoint.
type ElevenLabsClient struct {
	APIKey  string
	VoiceID string
	BaseURL string
	HTTP    *http.Client
}

func NewElevenLabsClient(apiKey, voiceID string) *ElevenLabsClient {
	return &ElevenLabsClient{APIKey: apiKey, VoiceID: voiceID, BaseURL: elevenLabsBaseURL, HTTP: &http.Client{Timeout: 0}}
}

// voiceFor prefers a companion voice that looks like an ElevenLabs voice id
// (20 alphanumerics) over the configured one.
func (e *ElevenLabsClient) voiceFor(v Voice) string {
	if len(v.Name) == 20 && isAlnum(v.Name) {
		return v.Name
	}
	return e.VoiceID
}

func isAlnum(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// StreamPCM48k posts text and forwards the streamed body as PCM chunks.
func (e *ElevenLabsClient) StreamPCM48k(ctx context.Context, text string, v Voice) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		voiceID := e.voiceFor(v)
		if e.APIKey == "" || voiceID == "" {
			errCh <- fmt.Errorf("elevenlabs: api key or voice id missing")
			return
		}
		if err := e.httpStream(ctx, voiceID, text, v, pcmCh); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	return pcmCh, errCh
}

func (e *ElevenLabsClient) httpStream(ctx context.Context, voiceID, text string, v Voice, pcmCh chan<- []byte) error {
	base := e.BaseURL
	if base == "" {
		base = elevenLabsBaseURL
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream")
	if err != nil {
		return fmt.Errorf("elevenlabs: base url: %w", err)
	}
	q := u.Query()
	q.Set("model_id", "eleven_flash_v2_5")
	q.Set("output_format", "pcm_48000")
	// lower streaming latency target (0..4 where lower is lower latency, may trade quality)
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id": "eleven_flash_v2_5",
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
			// ElevenLabs accepts a narrower speed range than the controller.
			"speed": math.Max(0.7, math.Min(1.2, v.Speed)),
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{80, 120, 160, 200},
		},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("elevenlabs: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := e.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs: http stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("elevenlabs: status=%d body=%s", resp.StatusCode, string(b))
	}

	bufChunk := make([]byte, 4096)
	logged := false
	for {
		n, rerr := resp.Body.Read(bufChunk)
		if n > 0 {
			if !logged {
				log.Debug().Int("bytes", n).Str("voice", voiceID).Msg("elevenlabs: receiving audio stream")
				logged = true
			}
			out := make([]byte, n)
			copy(out, bufChunk[:n])
			select {
			case pcmCh <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return fmt.Errorf("elevenlabs: read stream: %w", rerr)
		}
	}
}
