package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chadiek/companion-client/internal/agent"
	"github.com/chadiek/companion-client/internal/capture"
	"github.com/chadiek/companion-client/internal/capture/oggopus"
	"github.com/chadiek/companion-client/internal/httpserver"
	"github.com/chadiek/companion-client/internal/logging"
	"github.com/chadiek/companion-client/internal/rtc"
	"github.com/chadiek/companion-client/internal/tts"
)

func newServeCmd() *cobra.Command {
	var (
		addr     string
		password string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebRTC bridge for the browser UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logging.Setup(cfg.LogLevel, os.Stderr, isatty.IsTerminal(os.Stderr.Fd()))
			if addr != "" {
				cfg.BridgeAddress = addr
			}
			if password != "" {
				cfg.BridgePassword = password
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			return serve(ctx, a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides BRIDGE_ADDRESS)")
	cmd.Flags().StringVar(&password, "password", "", "bridge password (overrides BRIDGE_PASSWORD)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	hub := httpserver.NewHub()
	var ctl httpserver.Control
	bridge := rtc.NewBridge(rtc.ParseICEServers(a.cfg.ICEServers), func(cmd string) { ctl.Handle(cmd) })

	var (
		coord  *agent.Coordinator
		speech agent.Speech
	)
	if eng := engine(a.cfg); eng != nil {
		speech = tts.NewController(eng, bridge, func(ev tts.Event) { coord.ObservePlayback(ev) })
	} else {
		log.Warn().Msg("companion: speech disabled")
	}
	recorder := capture.NewController(bridge, oggopus.New())
	coord = agent.New(agent.Config{
		UserID:      a.userID,
		Constraints: capture.DefaultConstraints(),
		Events:      hub.Events(),
		OnLogout:    a.forget,
	}, a.client, recorder, speech)
	ctl = httpserver.Control{Coord: coord, Timeout: a.cfg.RequestTimeout}

	srv := httpserver.New(a.cfg.BridgeAddress, httpserver.Handlers{Coord: coord, Hub: hub, Bridge: bridge}, a.cfg.BridgePassword)
	if a.cfg.BridgePassword == "" {
		log.Warn().Msg("companion: BRIDGE_PASSWORD not set - bridge is open to anyone who can reach it")
	}

	serverErrors := make(chan error, 1)
	go func() { serverErrors <- srv.ListenAndServe() }()

	select {
	case err := <-serverErrors:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("companion: shutdown signal received")
	}

	coord.Logout()
	bridge.Hangup()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
