// Package capture owns microphone acquisition and turns a recording into an
// encoded payload ready for transport.
package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chadiek/companion-client/internal/companion"
)

var (
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrEncodingFailed    = errors.New("audio encoding failed")
	ErrInvalidState      = errors.New("invalid capture state")
)

type State string

const (
	StateIdle State = "idle"
	// StateAcquiring is held while the device opens. No stream exists yet.
	StateAcquiring  State = "acquiring"
	StateRecording  State = "recording"
	StateEncoding   State = "encoding"
	StateReady      State = "ready"
	StateSubmitting State = "submitting"
)

// Constraints mirror the browser's getUserMedia audio options.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultConstraints matches what the chat client requests.
func DefaultConstraints() Constraints {
	return Constraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}
}

// Device hands out an exclusive input stream.
type Device interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is an open input handle. Chunks is closed when the stream ends.
type Stream interface {
	Chunks() <-chan []int16
	SampleRate() int
	Channels() int
	Close() error
}

// Encoder packs raw PCM chunks into a single binary recording.
type Encoder interface {
	Encode(chunks [][]int16, sampleRate, channels int) ([]byte, error)
	Format() string
}

// Controller is the capture state machine. It is safe for concurrent use.
type Controller struct {
	device  Device
	encoder Encoder

	mu      sync.Mutex
	state   State
	stream  Stream
	chunks  [][]int16
	samples int
	done    chan struct{}
	payload *companion.AudioPayload
	// gen invalidates in-flight encodes after a discard.
	gen uint64
}

func NewController(device Device, encoder Encoder) *Controller {
	if device == nil {
		device = Unavailable{}
	}
	return &Controller{device: device, encoder: encoder, state: StateIdle}
}

// State returns the current capture state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Holding reports whether the input device handle is currently held.
func (c *Controller) Holding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// Start acquires the device and begins buffering. Acquisition failures are
// reported once as ErrDeviceUnavailable and are not retried.
func (c *Controller) Start(ctx context.Context, cons Constraints) error {
	c.mu.Lock()
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidState, st)
	}
	// Reserve the session while the device opens so a concurrent Start fails.
	c.state = StateAcquiring
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	stream, err := c.device.Open(ctx, cons)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.gen == gen {
			c.state = StateIdle
		}
		log.Warn().Err(err).Msg("capture: device acquisition failed")
		if errors.Is(err, ErrDeviceUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if c.gen != gen {
		// Discarded while opening.
		_ = stream.Close()
		return fmt.Errorf("%w: discarded during acquisition", ErrInvalidState)
	}
	c.state = StateRecording
	c.stream = stream
	c.chunks = nil
	c.samples = 0
	c.payload = nil
	c.done = make(chan struct{})
	go c.collect(stream, c.done, gen)
	log.Debug().Int("sample_rate", stream.SampleRate()).Msg("capture: recording")
	return nil
}

func (c *Controller) collect(s Stream, done chan struct{}, gen uint64) {
	defer close(done)
	for chunk := range s.Chunks() {
		if len(chunk) == 0 {
			continue
		}
		cp := make([]int16, len(chunk))
		copy(cp, chunk)
		c.mu.Lock()
		// Chunks still buffered when Stop closes the stream belong to the recording.
		if c.gen == gen {
			c.chunks = append(c.chunks, cp)
			c.samples += len(cp)
		}
		c.mu.Unlock()
	}
}

// Stop finalizes the recording into an encoded payload. The device handle is
// released before encoding starts, whatever the outcome.
func (c *Controller) Stop(ctx context.Context) (companion.AudioPayload, error) {
	c.mu.Lock()
	if c.state != StateRecording || c.stream == nil {
		st := c.state
		c.mu.Unlock()
		return companion.AudioPayload{}, fmt.Errorf("%w: stop from %s", ErrInvalidState, st)
	}
	stream, done, gen := c.stream, c.done, c.gen
	c.stream = nil
	c.state = StateEncoding
	c.mu.Unlock()

	if err := stream.Close(); err != nil {
		log.Warn().Err(err).Msg("capture: closing input stream")
	}
	select {
	case <-done:
	case <-ctx.Done():
	}

	c.mu.Lock()
	chunks, samples := c.chunks, c.samples
	c.chunks = nil
	c.samples = 0
	// A collector that outlived ctx must not append into the finished session.
	c.gen++
	gen = c.gen
	c.mu.Unlock()

	rate, channels := stream.SampleRate(), stream.Channels()
	if channels <= 0 {
		channels = 1
	}
	data, err := c.encode(chunks, rate, channels)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state != StateEncoding {
		return companion.AudioPayload{}, fmt.Errorf("%w: discarded during encoding", ErrInvalidState)
	}
	if err != nil {
		c.state = StateIdle
		log.Error().Err(err).Msg("capture: encoding failed")
		return companion.AudioPayload{}, err
	}
	var dur time.Duration
	if rate > 0 {
		dur = time.Duration(samples/channels) * time.Second / time.Duration(rate)
	}
	p := companion.AudioPayload{
		Data:     base64.StdEncoding.EncodeToString(data),
		Format:   c.encoder.Format(),
		Duration: dur,
	}
	c.payload = &p
	c.state = StateReady
	log.Debug().Dur("duration", dur).Int("bytes", len(data)).Msg("capture: payload ready")
	return p, nil
}

func (c *Controller) encode(chunks [][]int16, rate, channels int) ([]byte, error) {
	if c.encoder == nil {
		return nil, fmt.Errorf("%w: no encoder configured", ErrEncodingFailed)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: empty recording", ErrEncodingFailed)
	}
	data, err := c.encoder.Encode(chunks, rate, channels)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: encoder produced no data", ErrEncodingFailed)
	}
	return data, nil
}

// Payload returns the ready payload, if any.
func (c *Controller) Payload() (companion.AudioPayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.payload == nil {
		return companion.AudioPayload{}, false
	}
	return *c.payload, true
}

// Claim moves a ready session to submitting and hands over its payload.
func (c *Controller) Claim() (companion.AudioPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.payload == nil {
		return companion.AudioPayload{}, fmt.Errorf("%w: claim from %s", ErrInvalidState, c.state)
	}
	c.state = StateSubmitting
	return *c.payload, nil
}

// Complete ends a submitting session once the payload is dispatched.
func (c *Controller) Complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateSubmitting {
		c.reset()
	}
}

// Discard abandons the session from any state, releasing the device. It emits
// no payload and is a no-op when idle.
func (c *Controller) Discard() {
	c.mu.Lock()
	stream := c.stream
	wasIdle := c.state == StateIdle
	c.gen++
	c.reset()
	c.mu.Unlock()
	if stream != nil {
		if err := stream.Close(); err != nil {
			log.Warn().Err(err).Msg("capture: closing input stream on discard")
		}
	}
	if !wasIdle {
		log.Debug().Msg("capture: discarded")
	}
}

// reset returns to idle. Caller holds mu and closes any stream itself.
func (c *Controller) reset() {
	c.state = StateIdle
	c.stream = nil
	c.chunks = nil
	c.samples = 0
	c.payload = nil
}

// Unavailable is a Device for hosts without audio input.
type Unavailable struct{}

func (Unavailable) Open(context.Context, Constraints) (Stream, error) {
	return nil, fmt.Errorf("%w: no input device", ErrDeviceUnavailable)
}
