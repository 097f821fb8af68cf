package httpserver

import (
	"sync"
	"time"

	"github.com/chadiek/companion-client/internal/agent"
	"github.com/chadiek/companion-client/internal/companion"
	"github.com/chadiek/companion-client/internal/timeline"
	"github.com/chadiek/companion-client/internal/tts"
)

// Event names pushed to /events subscribers.
const (
	EventTimeline   = "timeline"
	EventState      = "state"
	EventPlayback   = "playback"
	EventCompanions = "companions"
)

// WSMessage is the JSON frame sent over the event websocket.
type WSMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	TS    int64  `json:"ts"` // Unix ms
}

// Hub fans coordinator events out to websocket subscribers.
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[int]func(WSMessage)
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(WSMessage))}
}

// Subscribe registers fn for every published message. fn must not block.
func (h *Hub) Subscribe(fn func(WSMessage)) (unsubscribe func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *Hub) Publish(event string, data any) {
	msg := WSMessage{Event: event, Data: data, TS: time.Now().UnixMilli()}
	h.mu.Lock()
	fns := make([]func(WSMessage), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// Events adapts the hub to the coordinator's callbacks.
func (h *Hub) Events() agent.Events {
	return agent.Events{
		OnTimeline: func(companionID string, entries []timeline.Entry) {
			h.Publish(EventTimeline, map[string]any{"companion_id": companionID, "entries": entries})
		},
		OnState: func(s agent.State) {
			h.Publish(EventState, map[string]any{"state": s})
		},
		OnPlayback: func(ev tts.Event) {
			data := map[string]any{"id": ev.ID, "state": ev.State, "interrupted": ev.Interrupted}
			if ev.Err != nil {
				data["error"] = ev.Err.Error()
			}
			h.Publish(EventPlayback, data)
		},
		OnCompanions: func(list []companion.Companion) {
			h.Publish(EventCompanions, map[string]any{"companions": list})
		},
	}
}
