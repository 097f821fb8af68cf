package httpserver

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/chadiek/companion-client/internal/agent"
	"github.com/chadiek/companion-client/internal/capture"
	"github.com/chadiek/companion-client/internal/companion"
	"github.com/chadiek/companion-client/internal/timeline"
	"github.com/chadiek/companion-client/internal/transport"
	"github.com/chadiek/companion-client/internal/tts"
)

var errUnknownCompanion = errors.New("unknown companion")

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Entry any    `json:"entry,omitempty"`
}

var statusTable = []struct {
	err    error
	status int
	kind   string
}{
	{agent.ErrClosed, http.StatusGone, "closed"},
	{agent.ErrEmptyMessage, http.StatusBadRequest, "empty_message"},
	{companion.ErrInvalidCompanion, http.StatusBadRequest, "invalid_companion"},
	{errUnknownCompanion, http.StatusNotFound, "unknown_companion"},
	{agent.ErrNoCompanion, http.StatusConflict, "no_companion"},
	{timeline.ErrSendInProgress, http.StatusConflict, "send_in_progress"},
	{timeline.ErrStaleTimeline, http.StatusConflict, "stale"},
	{agent.ErrBusy, http.StatusConflict, "busy"},
	{agent.ErrNoCapture, http.StatusConflict, "no_capture"},
	{agent.ErrUnknownEntry, http.StatusNotFound, "unknown_entry"},
	{agent.ErrNoPreview, http.StatusNotImplemented, "no_preview"},
	{capture.ErrInvalidState, http.StatusConflict, "capture_state"},
	{capture.ErrDeviceUnavailable, http.StatusServiceUnavailable, "device_unavailable"},
	{capture.ErrEncodingFailed, http.StatusUnprocessableEntity, "encoding_failed"},
	{transport.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{transport.ErrUnreachable, http.StatusBadGateway, "unreachable"},
	{transport.ErrRejected, http.StatusBadGateway, "rejected"},
	{tts.ErrPlaybackFailed, http.StatusBadGateway, "playback_failed"},
}

// statusFor maps a domain error to an HTTP status and a stable kind string.
func statusFor(err error) (int, string) {
	for _, row := range statusTable {
		if errors.Is(err, row.err) {
			return row.status, row.kind
		}
	}
	return http.StatusInternalServerError, "internal"
}

func fail(c echo.Context, err error, entry any) error {
	status, kind := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Msg("httpserver: request failed")
	}
	return c.JSON(status, errorBody{Error: err.Error(), Kind: kind, Entry: entry})
}
