package rtc

import (
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/rs/zerolog/log"
)

const (
	sampleRate   = 48000
	frameSamples = 960 // 20ms at 48kHz
	frameDur     = 20 * time.Millisecond
)

// sampleWriter is the part of *webrtc.TrackLocalStaticSample the writer needs.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// OpusPacedWriter encodes 48kHz PCM mono to Opus frames and writes them to a
// track at real-time pace. It implements tts.Sink.
type OpusPacedWriter struct {
	enc          *opus.Encoder
	track        sampleWriter
	pcmBuf       []int16
	frameSamples int
	// odd holds a trailing byte split from its sample by a chunk boundary.
	odd     byte
	hasOdd  bool
	frames  chan []byte
	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex
}

// NewOpusPacedWriter constructs a paced writer with 20ms frames at 48kHz mono.
func NewOpusPacedWriter(track sampleWriter) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &OpusPacedWriter{
		enc:          enc,
		track:        track,
		frameSamples: frameSamples,
		frames:       make(chan []byte, 512),
		stopCh:       make(chan struct{}),
	}
	go w.pacer()
	return w, nil
}

// WritePCM buffers s16le PCM and queues every full frame. Chunks may split a
// sample; the dangling byte is carried into the next call.
func (w *OpusPacedWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hasOdd {
		pcmBytes = append([]byte{w.odd}, pcmBytes...)
		w.hasOdd = false
	}
	if len(pcmBytes)%2 == 1 {
		w.odd, w.hasOdd = pcmBytes[len(pcmBytes)-1], true
		pcmBytes = pcmBytes[:len(pcmBytes)-1]
	}
	w.pcmBuf = appendLE16(w.pcmBuf, pcmBytes)
	opusBuf := make([]byte, 4000)
	for len(w.pcmBuf) >= w.frameSamples {
		w.encodeFrame(w.pcmBuf[:w.frameSamples], opusBuf)
		copy(w.pcmBuf, w.pcmBuf[w.frameSamples:])
		w.pcmBuf = w.pcmBuf[:len(w.pcmBuf)-w.frameSamples]
	}
}

// encodeFrame encodes one frame and queues it. Caller holds mu.
func (w *OpusPacedWriter) encodeFrame(frame []int16, opusBuf []byte) {
	n, err := w.enc.Encode(frame, opusBuf)
	if err != nil {
		log.Debug().Err(err).Msg("rtc: opus encode")
		return
	}
	if n > 0 {
		pkt := make([]byte, n)
		copy(pkt, opusBuf[:n])
		w.pushFrame(pkt)
	}
}

// FlushTail pads the remaining PCM to a full frame and adds ~200ms of silence so the end of a reply is not clipped.
func (w *OpusPacedWriter) FlushTail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	opusBuf := make([]byte, 4000)
	w.hasOdd = false
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, w.frameSamples)
		copy(pad, w.pcmBuf)
		w.encodeFrame(pad, opusBuf)
		w.pcmBuf = w.pcmBuf[:0]
	}
	silence := make([]int16, w.frameSamples)
	for i := 0; i < 10; i++ {
		w.encodeFrame(silence, opusBuf)
	}
}

// Close stops the pacer.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(frameDur)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: frameDur})
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available or stopped.
func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	select {
	case <-w.stopCh:
	case w.frames <- pkt:
	}
}

// Reset drops queued frames and buffered PCM so cancelled speech stops at once.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			w.hasOdd = false
			return
		}
	}
}

func appendLE16(dst []int16, b []byte) []int16 {
	n := len(b) / 2
	for i := 0; i < n; i++ {
		dst = append(dst, int16(uint16(b[2*i])|uint16(b[2*i+1])<<8))
	}
	return dst
}
