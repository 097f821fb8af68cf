package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chadiek/companion-client/internal/config"
	"github.com/chadiek/companion-client/internal/credential"
	"github.com/chadiek/companion-client/internal/transport"
	"github.com/chadiek/companion-client/internal/tts"
)

// app holds what both commands share: configuration, the credential source
// and the backend client.
type app struct {
	cfg    config.Config
	creds  credential.Source
	client *transport.Client
	userID string
	forget func()
}

// loadConfig reads configuration and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if v, _ := flags.GetString("api"); v != "" {
		cfg.APIBase = v
	}
	if v, _ := flags.GetString("user"); v != "" {
		cfg.UserID = v
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}

func credentials(cfg config.Config) (credential.Source, func(), error) {
	if cfg.UseSupabase() {
		sb, err := credential.NewSupabase(credential.SupabaseConfig{
			URL:      cfg.SupabaseURL,
			AnonKey:  cfg.SupabaseAnonKey,
			Email:    cfg.SupabaseEmail,
			Password: cfg.SupabasePassword,
		})
		if err != nil {
			return nil, nil, err
		}
		return sb, sb.Forget, nil
	}
	return credential.Static{Token: cfg.APIToken, UserID: cfg.UserID}, func() {}, nil
}

// newApp signs in and resolves the user id. An explicit user id wins over the
// one carried by the credential.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	creds, forget, err := credentials(cfg)
	if err != nil {
		return nil, err
	}
	client := transport.NewClient(cfg.APIBase, creds, cfg.RequestTimeout)
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		id, err := client.Identity(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve user: %w", err)
		}
		userID = id
	}
	if userID == "" {
		return nil, errors.New("no user id: set COMPANION_USER_ID or use a credential that carries one")
	}
	log.Info().Str("user", userID).Str("api", cfg.APIBase).Msg("companion: signed in")
	return &app{cfg: cfg, creds: creds, client: client, userID: userID, forget: forget}, nil
}

// engine picks the speech engine. nil means speech is disabled.
func engine(cfg config.Config) tts.Engine {
	switch cfg.TTSProvider {
	case "deepgram":
		if cfg.DeepgramKey == "" {
			return nil
		}
		log.Info().Str("model", cfg.DeepgramModel).Str("key", credential.Preview(cfg.DeepgramKey)).Msg("companion: deepgram speech")
		return tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModel)
	case "elevenlabs":
		if cfg.ElevenLabsKey == "" || cfg.ElevenLabsVoiceID == "" {
			return nil
		}
		log.Info().Str("voice", cfg.ElevenLabsVoiceID).Str("key", credential.Preview(cfg.ElevenLabsKey)).Msg("companion: elevenlabs speech")
		return tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
	}
	return nil
}
