package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/chadiek/companion-client/internal/capture"
	"github.com/chadiek/companion-client/internal/tts"
)

var ErrNoCall = errors.New("no call attached")

// Control commands accepted on the "control" data channel.
const (
	CommandStopSpeaking = "stop"
	CommandRecord       = "record"
	CommandSend         = "send"
	CommandDiscard      = "discard"
)

// Bridge carries companion audio over one browser WebRTC call at a time. The
// remote microphone is exposed as a capture.Device and the outgoing track as
// a tts.Sink, so the rest of the client does not know a call is involved.
type Bridge struct {
	iceServers []webrtc.ICEServer
	onControl  func(cmd string)

	mu     sync.Mutex
	call   *call
	stream *micStream
}

type call struct {
	id    string
	pc    *webrtc.PeerConnection
	out   *webrtc.TrackLocalStaticSample
	paced *OpusPacedWriter
}

// NewBridge returns a bridge. onControl receives normalized control channel
// commands and may be nil.
func NewBridge(iceServers []webrtc.ICEServer, onControl func(cmd string)) *Bridge {
	if len(iceServers) == 0 {
		iceServers = ParseICEServers("")
	}
	return &Bridge{iceServers: iceServers, onControl: onControl}
}

// ParseICEServers accepts a JSON array of RTCIceServer objects or a comma
// separated list of URLs. Anything else falls back to Google STUN.
func ParseICEServers(raw string) []webrtc.ICEServer {
	raw = strings.TrimSpace(raw)
	var servers []webrtc.ICEServer
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &servers); err == nil && len(servers) > 0 {
			return servers
		}
	}
	var urls []string
	for _, u := range strings.Split(raw, ",") {
		if u = strings.TrimSpace(u); strings.HasPrefix(u, "stun:") || strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			urls = append(urls, u)
		}
	}
	if len(urls) > 0 {
		return []webrtc.ICEServer{{URLs: urls}}
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

// Connected reports whether a call is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.call != nil
}

// HandleOffer answers a browser offer without trickle ICE. The returned
// answer already carries every gathered candidate. A new call replaces the
// previous one.
func (b *Bridge) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c, err := b.newCall()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		b.hangup(c)
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		b.hangup(c)
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		b.hangup(c)
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		b.hangup(c)
		return webrtc.SessionDescription{}, ctx.Err()
	}
	b.attach(c)
	return *c.pc.LocalDescription(), nil
}

// Hangup closes the current call, if any.
func (b *Bridge) Hangup() {
	b.mu.Lock()
	c := b.call
	b.mu.Unlock()
	if c != nil {
		b.hangup(c)
	}
}

// newCall prepares a PeerConnection with codecs, interceptors and the
// outgoing audio track. Handlers are bound before negotiation starts.
func (b *Bridge) newCall() (*call, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: b.iceServers})
	if err != nil {
		return nil, err
	}
	out, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: sampleRate, Channels: 1},
		"companion-audio", "companion",
	)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if _, err := pc.AddTrack(out); err != nil {
		_ = pc.Close()
		return nil, err
	}
	paced, err := NewOpusPacedWriter(out)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	c := &call{id: uuid.NewString()[:8], pc: pc, out: out, paced: paced}
	b.bind(c)
	return c, nil
}

func (b *Bridge) bind(c *call) {
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("call", c.id).Str("state", state.String()).Msg("rtc: peer connection state")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			b.hangup(c)
		}
	})
	c.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Debug().Str("call", c.id).Str("state", state.String()).Msg("rtc: ice state")
	})
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		log.Info().Str("call", c.id).Msg("rtc: control channel opened")
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if cmd := normalizeCommand(string(msg.Data)); cmd != "" && b.onControl != nil {
				b.onControl(cmd)
			}
		})
	})
	c.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Info().Str("call", c.id).Str("codec", remote.Codec().MimeType).Msg("rtc: remote audio track")
		dec, err := opus.NewDecoder(sampleRate, 1)
		if err != nil {
			log.Error().Err(err).Str("call", c.id).Msg("rtc: opus decoder")
			return
		}
		go b.readMic(c, remote, dec)
	})
}

func (b *Bridge) readMic(c *call, remote *webrtc.TrackRemote, dec *opus.Decoder) {
	pcm := make([]int16, frameSamples*6) // up to 120ms per packet
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("call", c.id).Msg("rtc: mic track ended")
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			log.Debug().Err(err).Str("call", c.id).Msg("rtc: opus decode")
			continue
		}
		if n > 0 {
			chunk := make([]int16, n)
			copy(chunk, pcm[:n])
			b.deliver(c, chunk)
		}
	}
}

// attach makes c the current call, replacing and closing any previous one.
func (b *Bridge) attach(c *call) {
	b.mu.Lock()
	prev := b.call
	b.call = c
	b.mu.Unlock()
	if prev != nil && prev != c {
		b.hangup(prev)
	}
	log.Info().Str("call", c.id).Msg("rtc: call attached")
}

func (b *Bridge) hangup(c *call) {
	b.mu.Lock()
	if b.call == c {
		b.call = nil
		if b.stream != nil {
			b.stream.closeLocked()
			b.stream = nil
		}
	}
	b.mu.Unlock()
	if c.paced != nil {
		c.paced.Close()
	}
	if c.pc != nil {
		_ = c.pc.Close()
	}
}

// deliver forwards decoded mic audio to the open stream. Audio from a call
// that is no longer current, or arriving while nothing records, is dropped.
func (b *Bridge) deliver(c *call, chunk []int16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.call != c || b.stream == nil {
		return
	}
	select {
	case b.stream.ch <- chunk:
	default:
		log.Warn().Str("call", c.id).Msg("rtc: mic buffer full, dropping audio")
	}
}

func (b *Bridge) currentPaced() *OpusPacedWriter {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.call == nil {
		return nil
	}
	return b.call.paced
}

// WritePCM implements tts.Sink. Without a call the audio is discarded.
func (b *Bridge) WritePCM(pcm []byte) {
	if p := b.currentPaced(); p != nil {
		p.WritePCM(pcm)
	}
}

func (b *Bridge) FlushTail() {
	if p := b.currentPaced(); p != nil {
		p.FlushTail()
	}
}

func (b *Bridge) Reset() {
	if p := b.currentPaced(); p != nil {
		p.Reset()
	}
}

var _ tts.Sink = (*Bridge)(nil)
var _ capture.Device = (*Bridge)(nil)

func normalizeCommand(raw string) string {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "stop", "stop-speaking", "cancel", "barge-in":
		return CommandStopSpeaking
	case "record", "start", "talk":
		return CommandRecord
	case "send", "submit", "done":
		return CommandSend
	case "discard":
		return CommandDiscard
	}
	return ""
}
