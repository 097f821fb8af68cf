package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/chadiek/companion-client/internal/agent"
	"github.com/chadiek/companion-client/internal/companion"
	"github.com/chadiek/companion-client/internal/timeline"
	"github.com/chadiek/companion-client/internal/tts"
)

// CallBridge is the WebRTC side of the bridge. *rtc.Bridge implements it.
type CallBridge interface {
	HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ServeSignaling(w http.ResponseWriter, r *http.Request)
	Hangup()
}

// Handlers exposes the coordinator's intent API to a browser UI.
type Handlers struct {
	Coord  *agent.Coordinator
	Hub    *Hub
	Bridge CallBridge // nil disables /call
}

func (h Handlers) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/companions", h.listCompanions)
	e.POST("/companions/:id/select", h.selectCompanion)
	e.POST("/companions/:id/avatar", h.generateAvatar)
	e.GET("/timeline", h.timeline)
	e.POST("/timeline/reload", h.reloadHistory)
	e.POST("/timeline/entries/:id/play", h.replayEntry)
	e.POST("/messages", h.submitText)
	e.POST("/capture/start", h.startCapture)
	e.POST("/capture/stop", h.stopCapture)
	e.POST("/capture/discard", h.discardCapture)
	e.POST("/capture/submit", h.submitCapture)
	e.POST("/speech", h.speak)
	e.POST("/speech/cancel", h.cancelSpeech)
	e.POST("/voice/preview", h.previewVoice)
	e.POST("/logout", h.logout)
	e.GET("/events", h.serveEvents)
	e.POST("/call", h.call)
	e.GET("/call/ws", h.callSignaling)
	e.DELETE("/call", h.hangup)
}

type timelineView struct {
	CompanionID string           `json:"companion_id,omitempty"`
	State       agent.State      `json:"state"`
	Status      timeline.Status  `json:"status,omitempty"`
	Entries     []timeline.Entry `json:"entries"`
}

func (h Handlers) view() timelineView {
	v := timelineView{State: h.Coord.State(), Entries: []timeline.Entry{}}
	if tl := h.Coord.Timeline(); tl != nil {
		v.CompanionID = tl.CompanionID()
		v.Status = tl.Status()
		v.Entries = tl.Entries()
	}
	return v
}

func (h Handlers) listCompanions(c echo.Context) error {
	list, err := h.Coord.Companions(c.Request().Context())
	if err != nil {
		return fail(c, err, nil)
	}
	if list == nil {
		list = []companion.Companion{}
	}
	return c.JSON(http.StatusOK, map[string]any{"companions": list})
}

// lookup finds a companion in the cached directory, refreshing it once on a miss.
func (h Handlers) lookup(ctx context.Context, id string) (companion.Companion, error) {
	find := func(list []companion.Companion) (companion.Companion, bool) {
		for _, comp := range list {
			if comp.ID == id {
				return comp, true
			}
		}
		return companion.Companion{}, false
	}
	if comp, ok := find(h.Coord.CachedCompanions()); ok {
		return comp, nil
	}
	list, err := h.Coord.Companions(ctx)
	if err != nil {
		return companion.Companion{}, err
	}
	if comp, ok := find(list); ok {
		return comp, nil
	}
	return companion.Companion{}, errUnknownCompanion
}

func (h Handlers) selectCompanion(c echo.Context) error {
	ctx := c.Request().Context()
	comp, err := h.lookup(ctx, c.Param("id"))
	if err != nil {
		return fail(c, err, nil)
	}
	if err := h.Coord.SelectCompanion(ctx, comp); err != nil {
		return fail(c, err, nil)
	}
	return c.JSON(http.StatusOK, h.view())
}

func (h Handlers) generateAvatar(c echo.Context) error {
	comp, err := h.Coord.GenerateAvatar(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err, nil)
	}
	return c.JSON(http.StatusOK, comp)
}

func (h Handlers) timeline(c echo.Context) error {
	return c.JSON(http.StatusOK, h.view())
}

func (h Handlers) reloadHistory(c echo.Context) error {
	if err := h.Coord.ReloadHistory(c.Request().Context()); err != nil {
		return fail(c, err, nil)
	}
	return c.JSON(http.StatusOK, h.view())
}

type textRequest struct {
	Text string `json:"text"`
}

func (h Handlers) submitText(c echo.Context) error {
	var req textRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body", Kind: "bad_request"})
	}
	entry, err := h.Coord.SubmitText(c.Request().Context(), req.Text)
	return h.sent(c, entry, err)
}

// sent reports a send result. A failed send still carries the entry it left behind.
func (h Handlers) sent(c echo.Context, entry timeline.Entry, err error) error {
	if err != nil {
		var body any
		if entry.ID != "" {
			body = entry
		}
		return fail(c, err, body)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h Handlers) startCapture(c echo.Context) error {
	if err := h.Coord.StartCapture(c.Request().Context()); err != nil {
		return fail(c, err, nil)
	}
	return c.JSON(http.StatusOK, map[string]any{"state": h.Coord.State()})
}

func (h Handlers) stopCapture(c echo.Context) error {
	p, err := h.Coord.StopCapture(c.Request().Context())
	if err != nil {
		return fail(c, err, nil)
	}
	return c.JSON(http.StatusOK, map[string]any{"format": p.Format, "duration_ms": p.Duration.Milliseconds(), "bytes": len(p.Data)})
}

func (h Handlers) discardCapture(c echo.Context) error {
	h.Coord.DiscardCapture()
	return c.NoContent(http.StatusNoContent)
}

func (h Handlers) submitCapture(c echo.Context) error {
	entry, err := h.Coord.SubmitCapturedAudio(c.Request().Context())
	return h.sent(c, entry, err)
}

func (h Handlers) speak(c echo.Context) error {
	var req textRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "text required", Kind: "bad_request"})
	}
	p, err := h.Coord.Speak(req.Text)
	return playing(c, p, err)
}

func (h Handlers) replayEntry(c echo.Context) error {
	p, err := h.Coord.ReplayEntry(c.Param("id"))
	return playing(c, p, err)
}

func (h Handlers) previewVoice(c echo.Context) error {
	var req struct {
		Voice string `json:"voice"`
	}
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Voice) == "" {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "voice required", Kind: "bad_request"})
	}
	p, err := h.Coord.PreviewVoice(c.Request().Context(), req.Voice)
	return playing(c, p, err)
}

// playing reports a playback request. A nil handle means nothing was queued.
func playing(c echo.Context, p *tts.Playback, err error) error {
	if err != nil {
		return fail(c, err, nil)
	}
	if p == nil {
		return c.JSON(http.StatusOK, map[string]any{"speaking": false})
	}
	return c.JSON(http.StatusAccepted, map[string]any{"speaking": true, "id": p.Result().ID})
}

func (h Handlers) cancelSpeech(c echo.Context) error {
	h.Coord.StopSpeaking()
	return c.NoContent(http.StatusNoContent)
}

func (h Handlers) logout(c echo.Context) error {
	h.Coord.Logout()
	if h.Bridge != nil {
		h.Bridge.Hangup()
	}
	return c.NoContent(http.StatusNoContent)
}

func (h Handlers) call(c echo.Context) error {
	if h.Bridge == nil {
		return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "call bridge disabled", Kind: "no_bridge"})
	}
	var offer webrtc.SessionDescription
	if err := c.Bind(&offer); err != nil || offer.SDP == "" {
		log.Debug().Err(err).Msg("httpserver: invalid offer")
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid offer", Kind: "bad_request"})
	}
	answer, err := h.Bridge.HandleOffer(c.Request().Context(), offer)
	if err != nil {
		log.Error().Err(err).Msg("httpserver: webrtc handle offer failed")
		if errors.Is(err, context.Canceled) {
			return c.NoContent(http.StatusRequestTimeout)
		}
		return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error(), Kind: "webrtc"})
	}
	return c.JSON(http.StatusOK, answer)
}

func (h Handlers) callSignaling(c echo.Context) error {
	if h.Bridge == nil {
		return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "call bridge disabled", Kind: "no_bridge"})
	}
	h.Bridge.ServeSignaling(c.Response(), c.Request())
	return nil
}

func (h Handlers) hangup(c echo.Context) error {
	if h.Bridge != nil {
		h.Bridge.Hangup()
	}
	return c.NoContent(http.StatusNoContent)
}
