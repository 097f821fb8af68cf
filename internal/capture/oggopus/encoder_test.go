package oggopus

import (
	"bytes"
	"math"
	"testing"
)

func sine(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/48000))
	}
	return out
}

func TestEncodeProducesOggStream(t *testing.T) {
	e := New()
	// 50ms of audio: two full frames and one padded frame.
	data, err := e.Encode([][]int16{sine(1200), sine(1200)}, 48000, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("OggS")) {
		t.Fatalf("missing Ogg capture pattern")
	}
	if !bytes.Contains(data, []byte("OpusHead")) {
		t.Fatalf("missing OpusHead page")
	}
	if e.Format() != "ogg" {
		t.Fatalf("format %q", e.Format())
	}
}

func TestEncodeRejectsUnsupportedRate(t *testing.T) {
	if _, err := New().Encode([][]int16{sine(441)}, 44100, 1); err == nil {
		t.Fatalf("expected error for 44.1kHz input")
	}
}

func TestFlatten(t *testing.T) {
	got := flatten([][]int16{{1, 2}, nil, {3}})
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("flatten: %v", got)
	}
}
