// Package transport is the only channel to the companion backend. Every
// failure is normalized to ErrUnauthorized, ErrUnreachable or ErrRejected.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chadiek/companion-client/internal/companion"
	"github.com/chadiek/companion-client/internal/credential"
)

// Client talks to the chat backend. It never retries.
type Client struct {
	BaseURL     string
	HTTPClient  *http.Client
	Credentials credential.Source
	now         func() time.Time
}

func NewClient(baseURL string, creds credential.Source, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		HTTPClient:  &http.Client{Timeout: timeout},
		Credentials: creds,
		now:         time.Now,
	}
}

// Identity resolves the current credential's user id without a network call
// beyond what the credential source itself needs.
func (c *Client) Identity(ctx context.Context) (string, error) {
	cred, err := c.credential(ctx, "identity")
	if err != nil {
		return "", err
	}
	return cred.UserID, nil
}

type chatRequest struct {
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`
	Message     string `json:"message,omitempty"`
	AudioData   string `json:"audio_data,omitempty"`
	Format      string `json:"format,omitempty"`
}

type chatResponse struct {
	Reply     string `json:"reply"`
	ImageURL  string `json:"image_url"`
	AudioData string `json:"audio_data"`
}

func (r chatResponse) envelope() companion.Envelope {
	return companion.Envelope{ReplyText: strings.TrimSpace(r.Reply), ImageRef: r.ImageURL, AudioRef: r.AudioData}
}

// SendText posts a typed message.
func (c *Client) SendText(ctx context.Context, userID, companionID, text string) (companion.Envelope, error) {
	var out chatResponse
	err := c.do(ctx, "send_text", http.MethodPost, "/chat", chatRequest{UserID: userID, CharacterID: companionID, Message: text}, &out)
	if err != nil {
		return companion.Envelope{}, err
	}
	return out.envelope(), nil
}

// SendAudio posts an encoded recording. The backend transcribes it.
func (c *Client) SendAudio(ctx context.Context, userID, companionID string, audio companion.AudioPayload) (companion.Envelope, error) {
	var out chatResponse
	req := chatRequest{UserID: userID, CharacterID: companionID, AudioData: audio.Data, Format: audio.Format}
	if err := c.do(ctx, "send_audio", http.MethodPost, "/chat", req, &out); err != nil {
		return companion.Envelope{}, err
	}
	return out.envelope(), nil
}

type memoryRequest struct {
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`
}

type memoryRow struct {
	Message   string    `json:"message"`
	Response  string    `json:"response"`
	ImageURL  string    `json:"image_url"`
	CreatedAt time.Time `json:"created_at"`
}

// UnmarshalJSON tolerates missing or unparseable timestamps, which history
// ordering never relies on.
func (m *memoryRow) UnmarshalJSON(data []byte) error {
	var raw struct {
		Message   *string `json:"message"`
		Response  *string `json:"response"`
		ImageURL  *string `json:"image_url"`
		CreatedAt string  `json:"created_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = memoryRow{Message: deref(raw.Message), Response: deref(raw.Response), ImageURL: deref(raw.ImageURL)}
	if raw.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw.CreatedAt); err == nil {
			m.CreatedAt = t
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// FetchHistory returns persisted rows in backend order. Both a bare array and
// a {"memories": [...]} object are accepted.
func (c *Client) FetchHistory(ctx context.Context, userID, companionID string) ([]companion.HistoryRow, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "fetch_history", http.MethodPost, "/memories", memoryRequest{UserID: userID, CharacterID: companionID}, &raw); err != nil {
		return nil, err
	}
	var rows []memoryRow
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
	case trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, rejected("fetch_history", http.StatusOK, "malformed history", err)
		}
	default:
		var wrapped struct {
			Memories []memoryRow `json:"memories"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, rejected("fetch_history", http.StatusOK, "malformed history", err)
		}
		rows = wrapped.Memories
	}
	out := make([]companion.HistoryRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, companion.HistoryRow{Message: r.Message, Response: r.Response, ImageRef: r.ImageURL, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

type characterRecord struct {
	ID         json.RawMessage       `json:"id"`
	Name       string                `json:"name"`
	Persona    companion.Persona     `json:"persona"`
	Appearance *companion.Appearance `json:"appearance"`
	AvatarURL  string                `json:"avatar_url"`
}

// id accepts both string and numeric ids.
func (r characterRecord) id() string {
	s := strings.TrimSpace(string(r.ID))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(r.ID, &str); err == nil {
		return str
	}
	return s
}

func (r characterRecord) companion() companion.Companion {
	return companion.Companion{
		ID:         r.id(),
		Name:       strings.TrimSpace(r.Name),
		Persona:    r.Persona,
		Appearance: r.Appearance,
		Avatar:     companion.AvatarFromURL(r.AvatarURL),
	}
}

// ListCompanions returns the user's companions. Records that fail validation are dropped.
func (c *Client) ListCompanions(ctx context.Context, userID string) ([]companion.Companion, error) {
	var out struct {
		Characters []json.RawMessage `json:"characters"`
	}
	if err := c.do(ctx, "list_companions", http.MethodGet, "/characters/user/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	list := make([]companion.Companion, 0, len(out.Characters))
	for i, raw := range out.Characters {
		var rec characterRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Warn().Err(err).Int("index", i).Msg("transport: dropping malformed companion record")
			continue
		}
		comp := rec.companion()
		if err := comp.Validate(); err != nil {
			log.Warn().Err(err).Int("index", i).Msg("transport: dropping invalid companion record")
			continue
		}
		list = append(list, comp)
	}
	return list, nil
}

// GenerateAvatar asks the backend to render an avatar and returns the updated record.
func (c *Client) GenerateAvatar(ctx context.Context, userID, companionID string) (companion.Companion, error) {
	var rec characterRecord
	body := struct {
		UserID string `json:"user_id"`
	}{userID}
	if err := c.do(ctx, "generate_avatar", http.MethodPost, "/characters/"+url.PathEscape(companionID)+"/generate-avatar", body, &rec); err != nil {
		return companion.Companion{}, err
	}
	comp := rec.companion()
	if comp.ID == "" {
		comp.ID = companionID
	}
	return comp, nil
}

// PreviewVoice asks the backend to render text in voice and returns the
// base64 audio it produced.
func (c *Client) PreviewVoice(ctx context.Context, voice, text string) (string, error) {
	q := url.Values{"text": {text}, "voice": {voice}}
	var out struct {
		AudioData string `json:"audio_data"`
	}
	if err := c.do(ctx, "preview_voice", http.MethodPost, "/voice/test-tts?"+q.Encode(), nil, &out); err != nil {
		return "", err
	}
	return out.AudioData, nil
}

func (c *Client) credential(ctx context.Context, op string) (credential.Credential, error) {
	if c.Credentials == nil {
		return credential.Credential{}, &Error{Op: op, Kind: ErrUnauthorized, Reason: "no credential source", Err: credential.ErrMissing}
	}
	cred, err := c.Credentials.Credential(ctx)
	if err != nil {
		return credential.Credential{}, &Error{Op: op, Kind: ErrUnauthorized, Reason: "credential unavailable", Err: err}
	}
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	if err := cred.Check(now()); err != nil {
		return credential.Credential{}, &Error{Op: op, Kind: ErrUnauthorized, Reason: err.Error(), Err: err}
	}
	return cred, nil
}

// do performs one request with the bearer credential and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	cred, err := c.credential(ctx, op)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return rejected(op, 0, "encode request", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return &Error{Op: op, Kind: ErrUnreachable, Reason: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		log.Error().Err(err).Str("op", op).Msg("transport: request failed")
		return &Error{Op: op, Kind: ErrUnreachable, Reason: "network error", Err: err}
	}
	defer resp.Body.Close()
	log.Debug().Str("op", op).Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("transport: response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		reason := detail(b, resp.StatusCode)
		kind := ErrRejected
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = ErrUnauthorized
		}
		return &Error{Op: op, Kind: kind, Status: resp.StatusCode, Reason: reason}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) {
			return &Error{Op: op, Kind: ErrUnreachable, Reason: "reading response", Err: err}
		}
		return rejected(op, resp.StatusCode, "malformed response", err)
	}
	return nil
}

// detail extracts the backend's structured reason, falling back to the status line.
func detail(body []byte, status int) string {
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if len(payload.Detail) > 0 {
			var s string
			if json.Unmarshal(payload.Detail, &s) == nil && s != "" {
				return s
			}
			if d := strings.TrimSpace(string(payload.Detail)); d != "" && d != "null" {
				return d
			}
		}
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return fmt.Sprintf("HTTP %d", status)
}

func rejected(op string, status int, reason string, err error) *Error {
	return &Error{Op: op, Kind: ErrRejected, Status: status, Reason: reason, Err: err}
}
