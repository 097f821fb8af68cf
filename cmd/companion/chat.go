package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chadiek/companion-client/internal/agent"
	"github.com/chadiek/companion-client/internal/logging"
	"github.com/chadiek/companion-client/internal/tui"
)

func newChatCmd() *cobra.Command {
	var (
		logDir string
		use    string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a companion in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			fd := os.Stdout.Fd()
			if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
				return errors.New("chat needs an interactive terminal")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if logDir == "" {
				home, _ := os.UserHomeDir()
				logDir = filepath.Join(home, ".companion", "logs")
			}
			f, err := logging.ToFile(logDir, cfg.LogLevel)
			if err != nil {
				return err
			}
			defer f.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}

			// The terminal has no audio path: capture and speech stay disabled.
			inbound := make(chan tea.Msg, 256)
			coord := agent.New(agent.Config{
				UserID:   a.userID,
				Events:   tui.Events(inbound),
				OnLogout: a.forget,
			}, a.client, nil, nil)
			defer coord.Logout()

			if use != "" {
				list, err := coord.Companions(ctx)
				if err != nil {
					return err
				}
				for _, c := range list {
					if c.ID == use || c.Name == use {
						if err := coord.SelectCompanion(ctx, c); err != nil {
							log.Warn().Err(err).Msg("companion: initial selection")
						}
						break
					}
				}
			}

			p := tea.NewProgram(tui.New(coord, inbound, cfg.RequestTimeout), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&logDir, "log-dir", "", "directory for log files (default ~/.companion/logs)")
	cmd.Flags().StringVar(&use, "use", "", "companion id or name to open on start")
	return cmd
}
