package httpserver

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chadiek/companion-client/internal/agent"
	"github.com/chadiek/companion-client/internal/rtc"
)

// Control maps call control channel commands onto coordinator intents.
// Sends run in the background so the data channel callback returns at once.
type Control struct {
	Coord   *agent.Coordinator
	Timeout time.Duration
}

func (ctl Control) Handle(cmd string) {
	switch cmd {
	case rtc.CommandStopSpeaking:
		ctl.Coord.StopSpeaking()
	case rtc.CommandDiscard:
		ctl.Coord.DiscardCapture()
	case rtc.CommandRecord:
		go ctl.run(cmd, func(ctx context.Context) error { return ctl.Coord.StartCapture(ctx) })
	case rtc.CommandSend:
		go ctl.run(cmd, func(ctx context.Context) error {
			if _, err := ctl.Coord.StopCapture(ctx); err != nil {
				return err
			}
			_, err := ctl.Coord.SubmitCapturedAudio(ctx)
			return err
		})
	default:
		log.Debug().Str("cmd", cmd).Msg("httpserver: ignoring control command")
	}
}

func (ctl Control) run(cmd string, fn func(ctx context.Context) error) {
	timeout := ctl.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Warn().Err(err).Str("cmd", cmd).Msg("httpserver: control command failed")
	}
}
