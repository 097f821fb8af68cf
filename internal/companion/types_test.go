package companion

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPersona_UnmarshalStringAndObject(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Persona
	}{
		{"string", `"a cheerful gardener"`, Persona{Bio: "a cheerful gardener"}},
		{"object", `{"name":"Ivy","style":"warm","bio":"gardener"}`, Persona{Name: "Ivy", Style: "warm", Bio: "gardener"}},
		{"null", `null`, Persona{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var p Persona
			if err := json.Unmarshal([]byte(tc.in), &p); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if p.Name != tc.want.Name || p.Style != tc.want.Style || p.Bio != tc.want.Bio {
				t.Fatalf("got %+v want %+v", p, tc.want)
			}
		})
	}
}

func TestPersona_VoiceConfigParsed(t *testing.T) {
	var p Persona
	in := `{"style":"calm","voice_config":{"voice":"nova","speed":1.3,"pitch":0.9,"auto_play":false}}`
	if err := json.Unmarshal([]byte(in), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Voice == nil || p.Voice.Voice != "nova" || p.Voice.Speed != 1.3 {
		t.Fatalf("unexpected voice config: %+v", p.Voice)
	}
	if p.Voice.AutoPlayEnabled() {
		t.Fatalf("expected auto play disabled")
	}
}

func TestVoiceOrDefault(t *testing.T) {
	c := Companion{ID: "c1", Name: "Ivy"}
	vc := c.VoiceOrDefault()
	if vc.Voice != DefaultVoice || vc.Speed != DefaultSpeed || vc.Pitch != DefaultPitch {
		t.Fatalf("unexpected defaults: %+v", vc)
	}
	if !vc.AutoPlayEnabled() {
		t.Fatalf("auto play should default to on")
	}

	c.Persona.Voice = &VoiceConfig{Voice: "echo", Speed: 1.5}
	vc = c.VoiceOrDefault()
	if vc.Voice != "echo" || vc.Speed != 1.5 || vc.Pitch != DefaultPitch {
		t.Fatalf("unexpected merged config: %+v", vc)
	}
}

func TestPersonaSummary(t *testing.T) {
	if got := (Persona{Style: "witty", Bio: "poet"}).Summary(); got != "witty • poet" {
		t.Fatalf("summary: %q", got)
	}
	if got := (Persona{Bio: "poet"}).Summary(); got != "poet" {
		t.Fatalf("summary: %q", got)
	}
}

func TestValidate(t *testing.T) {
	if err := (Companion{Name: "x"}).Validate(); !errors.Is(err, ErrInvalidCompanion) {
		t.Fatalf("expected invalid for missing id, got %v", err)
	}
	if err := (Companion{ID: "1"}).Validate(); !errors.Is(err, ErrInvalidCompanion) {
		t.Fatalf("expected invalid for missing name, got %v", err)
	}
	if err := (Companion{ID: "1", Name: "x"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAvatarFromURL(t *testing.T) {
	if a := AvatarFromURL(""); a.State != AvatarAbsent {
		t.Fatalf("expected absent, got %s", a.State)
	}
	if a := AvatarFromURL("https://img/x.png"); a.State != AvatarPresent || a.URL == "" {
		t.Fatalf("expected present, got %+v", a)
	}
}
