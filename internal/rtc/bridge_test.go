package rtc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/chadiek/companion-client/internal/capture"
)

func TestParseICEServers(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty", "", []string{"stun:stun.l.google.com:19302"}},
		{"json", `[{"urls":["turn:turn.example.com:3478"],"username":"u","credential":"p"}]`, []string{"turn:turn.example.com:3478"}},
		{"list", "stun:a.example.com:3478, turn:b.example.com:3478 ,junk", []string{"stun:a.example.com:3478", "turn:b.example.com:3478"}},
		{"garbage", "[not json", []string{"stun:stun.l.google.com:19302"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseICEServers(tc.raw)
			if len(got) != 1 || len(got[0].URLs) != len(tc.want) {
				t.Fatalf("unexpected servers %+v", got)
			}
			for i, u := range tc.want {
				if got[0].URLs[i] != u {
					t.Fatalf("url %d: got %q want %q", i, got[0].URLs[i], u)
				}
			}
		})
	}
}

func TestOpen_NoCall(t *testing.T) {
	b := NewBridge(nil, nil)
	_, err := b.Open(context.Background(), capture.Constraints{})
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestMicStream_DeliversWhileOpen(t *testing.T) {
	b := NewBridge(nil, nil)
	c := &call{id: "t1"}
	b.attach(c)

	b.deliver(c, []int16{9}) // nothing recording yet
	s, err := b.Open(context.Background(), capture.Constraints{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := b.Open(context.Background(), capture.Constraints{}); !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("second open should report busy, got %v", err)
	}
	b.deliver(c, []int16{1, 2, 3})
	b.deliver(&call{id: "other"}, []int16{7})

	select {
	case chunk := <-s.Chunks():
		if len(chunk) != 3 || chunk[0] != 1 {
			t.Fatalf("unexpected chunk %v", chunk)
		}
	case <-time.After(time.Second):
		t.Fatalf("no chunk delivered")
	}
	select {
	case chunk := <-s.Chunks():
		t.Fatalf("unexpected extra chunk %v", chunk)
	default:
	}
	if s.SampleRate() != 48000 || s.Channels() != 1 {
		t.Fatalf("unexpected format %d/%d", s.SampleRate(), s.Channels())
	}

	_ = s.Close()
	_ = s.Close()
	b.deliver(c, []int16{4})
	if _, ok := <-s.Chunks(); ok {
		t.Fatalf("expected closed stream")
	}
	if _, err := b.Open(context.Background(), capture.Constraints{}); err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
}

func TestHangupEndsRecording(t *testing.T) {
	b := NewBridge(nil, nil)
	c := &call{id: "t2"}
	b.attach(c)
	s, err := b.Open(context.Background(), capture.Constraints{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b.Hangup()
	if b.Connected() {
		t.Fatalf("call should be detached")
	}
	if _, ok := <-s.Chunks(); ok {
		t.Fatalf("expected stream closed on hangup")
	}
	_ = s.Close()
}

func TestAttachReplacesPreviousCall(t *testing.T) {
	b := NewBridge(nil, nil)
	first, second := &call{id: "a"}, &call{id: "b"}
	b.attach(first)
	b.attach(second)
	s, err := b.Open(context.Background(), capture.Constraints{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b.deliver(first, []int16{1})
	b.deliver(second, []int16{2})
	if chunk := <-s.Chunks(); chunk[0] != 2 {
		t.Fatalf("audio from replaced call leaked: %v", chunk)
	}
}

func TestSinkWithoutCallIsNoop(t *testing.T) {
	b := NewBridge(nil, nil)
	b.WritePCM([]byte{1, 0, 2, 0})
	b.FlushTail()
	b.Reset()
}

func TestNormalizeCommand(t *testing.T) {
	cases := map[string]string{
		" Stop ":   CommandStopSpeaking,
		"barge-in": CommandStopSpeaking,
		"talk":     CommandRecord,
		"SUBMIT":   CommandSend,
		"discard":  CommandDiscard,
		"dance":    "",
	}
	for in, want := range cases {
		if got := normalizeCommand(in); got != want {
			t.Fatalf("normalizeCommand(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHandleOffer_InvalidSDP(t *testing.T) {
	b := NewBridge(nil, nil)
	_, err := b.HandleOffer(context.Background(), webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not sdp"})
	if err == nil {
		t.Fatalf("expected error for invalid offer")
	}
	if b.Connected() {
		t.Fatalf("failed negotiation must not attach a call")
	}
}
