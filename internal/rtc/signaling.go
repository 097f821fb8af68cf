package rtc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
)

// signalMessage is the trickle signaling frame.
// Types: "offer", "answer", "candidate", "ice-complete", "bye", "error".
type signalMessage struct {
	Type          string  `json:"type"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Error         string  `json:"error,omitempty"`
}

var signalUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeSignaling upgrades to a WebSocket and runs offer/answer with trickle
// ICE. Authentication is the caller's job. It returns when the peer says bye,
// the socket drops or the call is replaced.
func (b *Bridge) ServeSignaling(w http.ResponseWriter, r *http.Request) {
	conn, err := signalUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("rtc: signaling upgrade")
		return
	}
	defer func() { _ = conn.Close() }()

	offerSDP, ok := readOffer(conn)
	if !ok {
		return
	}

	c, err := b.newCall()
	if err != nil {
		writeSignalError(conn, err)
		return
	}
	// gorilla connections allow one concurrent writer; candidates arrive on
	// pion goroutines and may outlive this handler.
	var (
		wmu    sync.Mutex
		closed bool
	)
	send := func(m signalMessage) {
		wmu.Lock()
		defer wmu.Unlock()
		if closed {
			return
		}
		if err := conn.WriteJSON(m); err != nil {
			log.Debug().Err(err).Str("call", c.id).Msg("rtc: signaling write")
		}
	}
	defer func() {
		wmu.Lock()
		closed = true
		wmu.Unlock()
	}()

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			send(signalMessage{Type: "ice-complete"})
			return
		}
		init := cand.ToJSON()
		send(signalMessage{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})

	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		b.hangup(c)
		send(signalMessage{Type: "error", Error: err.Error()})
		return
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err == nil {
		err = c.pc.SetLocalDescription(answer)
	}
	local := c.pc.LocalDescription()
	if err == nil && local == nil {
		err = errors.New("no local description")
	}
	if err != nil {
		b.hangup(c)
		send(signalMessage{Type: "error", Error: err.Error()})
		return
	}
	send(signalMessage{Type: "answer", SDP: local.SDP})
	b.attach(c)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var m signalMessage
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		switch strings.ToLower(m.Type) {
		case "candidate":
			if m.Candidate == "" {
				continue
			}
			if err := c.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex}); err != nil {
				log.Debug().Err(err).Str("call", c.id).Msg("rtc: add candidate")
			}
		case "bye":
			b.hangup(c)
			return
		}
	}
}

// readOffer reads frames until an offer arrives. Other frames are ignored.
func readOffer(conn *websocket.Conn) (string, bool) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("rtc: signaling read before offer")
			return "", false
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m signalMessage
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		switch strings.ToLower(m.Type) {
		case "offer":
			if m.SDP != "" {
				return m.SDP, true
			}
		case "bye":
			return "", false
		}
	}
}

func writeSignalError(conn *websocket.Conn, err error) {
	_ = conn.WriteJSON(signalMessage{Type: "error", Error: err.Error()})
}
