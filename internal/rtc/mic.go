package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/chadiek/companion-client/internal/capture"
)

// Open implements capture.Device over the current call's microphone track.
// Only one stream may be open at a time.
func (b *Bridge) Open(ctx context.Context, _ capture.Constraints) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.call == nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, ErrNoCall)
	}
	if b.stream != nil {
		return nil, fmt.Errorf("%w: microphone already in use", capture.ErrDeviceUnavailable)
	}
	s := &micStream{bridge: b, ch: make(chan []int16, 256)}
	b.stream = s
	return s, nil
}

// micStream is the recording handle handed to the capture controller. The
// browser applies echo cancellation and the other input constraints itself.
type micStream struct {
	bridge *Bridge
	ch     chan []int16
	once   sync.Once
}

func (s *micStream) Chunks() <-chan []int16 { return s.ch }
func (s *micStream) SampleRate() int        { return sampleRate }
func (s *micStream) Channels() int          { return 1 }

func (s *micStream) Close() error {
	b := s.bridge
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stream == s {
		b.stream = nil
	}
	s.closeLocked()
	return nil
}

// closeLocked closes the chunk channel once. Caller holds the bridge lock,
// which is also held while sending, so no send races the close.
func (s *micStream) closeLocked() {
	s.once.Do(func() { close(s.ch) })
}
