package tts

import (
	"context"
	"testing"
	"time"
)

// Without an API key the stream should fail fast and close both channels.
func TestDeepgram_StreamPCM48k_NoKey(t *testing.T) {
	d := NewDeepgramClient("", "")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	pcmCh, errCh := d.StreamPCM48k(ctx, "hello", Voice{Name: "alloy", Speed: 1, Pitch: 1})
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected error when api key missing")
		}
	case <-pcmCh:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("timeout waiting for error")
	}
}

func TestDeepgram_ModelFor(t *testing.T) {
	d := NewDeepgramClient("k", "")
	if got := d.modelFor(Voice{Name: "alloy"}); got != "aura-2-thalia-en" {
		t.Fatalf("non-aura voice should keep default model, got %q", got)
	}
	if got := d.modelFor(Voice{Name: "aura-2-orion-en"}); got != "aura-2-orion-en" {
		t.Fatalf("aura voice should select model, got %q", got)
	}
}
