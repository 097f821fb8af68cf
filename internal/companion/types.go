// Package companion holds the data model shared by the session components:
// the persona a user talks to and the shapes exchanged with the chat backend.
package companion

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Defaults applied when a persona carries no voice configuration.
const (
	DefaultVoice = "alloy"
	DefaultSpeed = 1.0
	DefaultPitch = 1.0
)

// ErrInvalidCompanion is returned by Validate for records the session cannot use.
var ErrInvalidCompanion = errors.New("invalid companion")

// Companion is the persona entity the user converses with.
type Companion struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Persona    Persona     `json:"persona"`
	Appearance *Appearance `json:"appearance,omitempty"`
	Avatar     Avatar      `json:"avatar"`
}

// Persona is the free-text style and biography plus optional voice settings.
type Persona struct {
	Name  string       `json:"name,omitempty"`
	Style string       `json:"style,omitempty"`
	Bio   string       `json:"bio,omitempty"`
	Voice *VoiceConfig `json:"voice_config,omitempty"`
}

// Summary joins style and bio the way the chat header shows them.
func (p Persona) Summary() string {
	var parts []string
	if s := strings.TrimSpace(p.Style); s != "" {
		parts = append(parts, s)
	}
	if b := strings.TrimSpace(p.Bio); b != "" {
		parts = append(parts, b)
	}
	return strings.Join(parts, " • ")
}

// UnmarshalJSON accepts both the structured persona object and the legacy
// plain-string persona, which is kept as the biography.
func (p *Persona) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*p = Persona{}
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = Persona{Bio: s}
		return nil
	}
	type plain Persona
	var out plain
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*p = Persona(out)
	return nil
}

// Appearance is the optional visual descriptor used for avatar generation.
type Appearance struct {
	Description string `json:"description,omitempty"`
	HairColor   string `json:"hair_color,omitempty"`
	EyeColor    string `json:"eye_color,omitempty"`
	Style       string `json:"style,omitempty"`
}

// VoiceConfig controls speech playback of a companion's replies.
type VoiceConfig struct {
	Voice    string  `json:"voice,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
	Pitch    float64 `json:"pitch,omitempty"`
	AutoPlay *bool   `json:"auto_play,omitempty"`
}

// VoiceOrDefault returns the companion's voice configuration with the
// web client's defaults filled in.
func (c Companion) VoiceOrDefault() VoiceConfig {
	vc := VoiceConfig{}
	if c.Persona.Voice != nil {
		vc = *c.Persona.Voice
	}
	if vc.Voice == "" {
		vc.Voice = DefaultVoice
	}
	if vc.Speed == 0 {
		vc.Speed = DefaultSpeed
	}
	if vc.Pitch == 0 {
		vc.Pitch = DefaultPitch
	}
	if vc.AutoPlay == nil {
		on := true
		vc.AutoPlay = &on
	}
	return vc
}

// AutoPlayEnabled reports whether replies should be spoken automatically.
func (v VoiceConfig) AutoPlayEnabled() bool { return v.AutoPlay == nil || *v.AutoPlay }

// Validate checks the fields the session manager depends on.
func (c Companion) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.Join(ErrInvalidCompanion, errors.New("missing id"))
	}
	if strings.TrimSpace(c.Name) == "" {
		return errors.Join(ErrInvalidCompanion, errors.New("missing name"))
	}
	return nil
}

// AvatarState is absent, pending or present.
type AvatarState string

const (
	AvatarAbsent  AvatarState = "absent"
	AvatarPending AvatarState = "pending"
	AvatarPresent AvatarState = "present"
)

// Avatar is the optional avatar reference of a companion.
type Avatar struct {
	State AvatarState `json:"state"`
	URL   string      `json:"url,omitempty"`
}

// AvatarFromURL builds an Avatar from the backend's avatar_url field.
func AvatarFromURL(url string) Avatar {
	if strings.TrimSpace(url) == "" {
		return Avatar{State: AvatarAbsent}
	}
	return Avatar{State: AvatarPresent, URL: url}
}

// Envelope is the normalized reply returned by a send operation.
type Envelope struct {
	ReplyText string
	ImageRef  string
	AudioRef  string
}

// HistoryRow is one persisted exchange. Either side may be missing.
type HistoryRow struct {
	Message   string
	Response  string
	ImageRef  string
	CreatedAt time.Time
}

// AudioPayload is a finished recording encoded for transport.
type AudioPayload struct {
	// Data is base64 (standard alphabet) encoded audio.
	Data     string
	Format   string
	Duration time.Duration
}
