// Package oggopus packs captured PCM into an Ogg/Opus recording.
package oggopus

import (
	"bytes"
	"fmt"

	"github.com/hraban/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
)

const frameMillis = 20

// Encoder implements capture.Encoder.
type Encoder struct {
	// Bitrate in bits per second. Zero keeps the libopus default.
	Bitrate int
}

func New() *Encoder { return &Encoder{} }

func (e *Encoder) Format() string { return "ogg" }

// Encode concatenates chunks of interleaved PCM and encodes them as 20ms Opus
// frames in an Ogg container. The last partial frame is zero padded.
func (e *Encoder) Encode(chunks [][]int16, sampleRate, channels int) ([]byte, error) {
	if channels <= 0 {
		channels = 1
	}
	switch sampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("oggopus: unsupported sample rate %d", sampleRate)
	}
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("oggopus: new encoder: %w", err)
	}
	if e.Bitrate > 0 {
		if err := enc.SetBitrate(e.Bitrate); err != nil {
			return nil, fmt.Errorf("oggopus: set bitrate: %w", err)
		}
	}

	var buf bytes.Buffer
	ogg, err := oggwriter.NewWith(&buf, uint32(sampleRate), uint16(channels))
	if err != nil {
		return nil, fmt.Errorf("oggopus: ogg writer: %w", err)
	}

	perChannel := sampleRate * frameMillis / 1000
	frameLen := perChannel * channels
	pcm := flatten(chunks)
	if rem := len(pcm) % frameLen; rem != 0 {
		pcm = append(pcm, make([]int16, frameLen-rem)...)
	}

	out := make([]byte, 4000)
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111, SSRC: 1}}
	for off := 0; off < len(pcm); off += frameLen {
		n, err := enc.Encode(pcm[off:off+frameLen], out)
		if err != nil {
			return nil, fmt.Errorf("oggopus: encode frame: %w", err)
		}
		if n == 0 {
			continue
		}
		pkt.SequenceNumber++
		// Granule position in the Ogg page follows the RTP timestamp.
		pkt.Timestamp += uint32(perChannel)
		pkt.Payload = append(pkt.Payload[:0], out[:n]...)
		if err := ogg.WriteRTP(pkt); err != nil {
			return nil, fmt.Errorf("oggopus: write page: %w", err)
		}
	}
	if err := ogg.Close(); err != nil {
		return nil, fmt.Errorf("oggopus: close: %w", err)
	}
	return buf.Bytes(), nil
}

func flatten(chunks [][]int16) []int16 {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]int16, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
