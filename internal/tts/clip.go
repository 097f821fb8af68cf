package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/hajimehoshi/go-mp3"
)

const (
	clipRate = 48000
	// clipChunk is 100ms of 48kHz mono s16le.
	clipChunk = clipRate / 10 * 2
)

// DecodeClip turns backend reply audio (base64 MP3, optionally as a data URL)
// into 48kHz mono s16le PCM ready for a Sink.
func DecodeClip(ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	if i := strings.Index(ref, ";base64,"); strings.HasPrefix(ref, "data:") && i > 0 {
		ref = ref[i+len(";base64,"):]
	}
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reply audio", ErrPlaybackFailed)
	}
	raw, err := base64.StdEncoding.DecodeString(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: reply audio is not base64: %v", ErrPlaybackFailed, err)
	}
	dec, err := mp3.NewDecoder(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: decode reply audio: %v", ErrPlaybackFailed, err)
	}
	stereo, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: decode reply audio: %v", ErrPlaybackFailed, err)
	}
	pcm := monoResample(stereo, dec.SampleRate())
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: reply audio has no samples", ErrPlaybackFailed)
	}
	return pcm, nil
}

// monoResample downmixes interleaved s16le stereo and linearly resamples it to 48kHz.
func monoResample(stereo []byte, rate int) []byte {
	frames := len(stereo) / 4
	if frames == 0 || rate <= 0 {
		return nil
	}
	mono := make([]float64, frames)
	for i := range mono {
		l := int16(binary.LittleEndian.Uint16(stereo[4*i:]))
		r := int16(binary.LittleEndian.Uint16(stereo[4*i+2:]))
		mono[i] = (float64(l) + float64(r)) / 2
	}
	n := int(int64(frames) * clipRate / int64(rate))
	out := make([]byte, 2*n)
	step := float64(rate) / clipRate
	for i := 0; i < n; i++ {
		pos := float64(i) * step
		j := int(pos)
		s := mono[j]
		if j+1 < frames {
			s += (mono[j+1] - s) * (pos - float64(j))
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(math.Round(s))))
	}
	return out
}

// clipSource feeds decoded PCM to the controller in 100ms chunks.
func clipSource(pcm []byte) source {
	return func(ctx context.Context) (<-chan []byte, <-chan error) {
		out := make(chan []byte, 4)
		errc := make(chan error)
		go func() {
			defer close(out)
			defer close(errc)
			for rest := pcm; len(rest) > 0; {
				n := min(clipChunk, len(rest))
				select {
				case out <- rest[:n]:
				case <-ctx.Done():
					return
				}
				rest = rest[n:]
			}
		}()
		return out, errc
	}
}
