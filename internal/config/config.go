package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
//
// Values come from, in increasing priority: defaults, the YAML file named by
// COMPANION_CONFIG, a .env file, then the process environment.
//
// Example file:
//
//	bridge:
//	  address: ":8080"
//	backend:
//	  base_url: http://localhost:8000
//	  user_id: 6f1c...
//	tts:
//	  provider: deepgram
type Config struct {
	BridgeAddress  string
	BridgePassword string
	APIBase        string
	UserID         string
	APIToken       string
	RequestTimeout time.Duration

	SupabaseURL      string
	SupabaseAnonKey  string
	SupabaseEmail    string
	SupabasePassword string

	TTSProvider       string
	DeepgramKey       string
	DeepgramModel     string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	ICEServers string
	LogLevel   string
}

// fileConfig mirrors the YAML layout. Pointers distinguish unset from empty.
type fileConfig struct {
	Bridge struct {
		Address  *string `yaml:"address"`
		Password *string `yaml:"password"`
	} `yaml:"bridge"`
	Backend struct {
		BaseURL *string `yaml:"base_url"`
		UserID  *string `yaml:"user_id"`
		Token   *string `yaml:"token"`
		Timeout *string `yaml:"timeout"`
	} `yaml:"backend"`
	Supabase struct {
		URL      *string `yaml:"url"`
		AnonKey  *string `yaml:"anon_key"`
		Email    *string `yaml:"email"`
		Password *string `yaml:"password"`
	} `yaml:"supabase"`
	TTS struct {
		Provider          *string `yaml:"provider"`
		DeepgramKey       *string `yaml:"deepgram_api_key"`
		DeepgramModel     *string `yaml:"deepgram_model"`
		ElevenLabsKey     *string `yaml:"elevenlabs_api_key"`
		ElevenLabsVoiceID *string `yaml:"elevenlabs_voice_id"`
	} `yaml:"tts"`
	ICEServers *string `yaml:"ice_servers"`
	LogLevel   *string `yaml:"log_level"`
}

const (
	DefaultBridgeAddress  = ":8080"
	DefaultAPIBase        = "http://localhost:8000"
	DefaultRequestTimeout = 60 * time.Second
	DefaultTTSProvider    = "deepgram"
	DefaultLogLevel       = "info"
)

func defaults() Config {
	return Config{
		BridgeAddress:  DefaultBridgeAddress,
		APIBase:        DefaultAPIBase,
		RequestTimeout: DefaultRequestTimeout,
		TTSProvider:    DefaultTTSProvider,
		DeepgramModel:  "aura-2-thalia-en",
		LogLevel:       DefaultLogLevel,
	}
}

// Load reads configuration. A missing .env or config file is not an error;
// an unreadable or malformed config file is.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("config: error loading .env file")
	}
	cfg := defaults()
	if path := os.Getenv("COMPANION_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.mergeEnv(); err != nil {
		return Config{}, err
	}
	cfg.warn()
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn().Str("path", path).Msg("config: file not found, using defaults")
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parse yaml config %s: %w", path, err)
	}
	set(&c.BridgeAddress, f.Bridge.Address)
	set(&c.BridgePassword, f.Bridge.Password)
	set(&c.APIBase, f.Backend.BaseURL)
	set(&c.UserID, f.Backend.UserID)
	set(&c.APIToken, f.Backend.Token)
	set(&c.SupabaseURL, f.Supabase.URL)
	set(&c.SupabaseAnonKey, f.Supabase.AnonKey)
	set(&c.SupabaseEmail, f.Supabase.Email)
	set(&c.SupabasePassword, f.Supabase.Password)
	set(&c.TTSProvider, f.TTS.Provider)
	set(&c.DeepgramKey, f.TTS.DeepgramKey)
	set(&c.DeepgramModel, f.TTS.DeepgramModel)
	set(&c.ElevenLabsKey, f.TTS.ElevenLabsKey)
	set(&c.ElevenLabsVoiceID, f.TTS.ElevenLabsVoiceID)
	set(&c.ICEServers, f.ICEServers)
	set(&c.LogLevel, f.LogLevel)
	if f.Backend.Timeout != nil {
		d, err := time.ParseDuration(*f.Backend.Timeout)
		if err != nil {
			return fmt.Errorf("invalid backend.timeout %q in %s: %w", *f.Backend.Timeout, path, err)
		}
		c.RequestTimeout = d
	}
	return nil
}

func (c *Config) mergeEnv() error {
	env := map[string]*string{
		"BRIDGE_ADDRESS":      &c.BridgeAddress,
		"BRIDGE_PASSWORD":     &c.BridgePassword,
		"COMPANION_API_BASE":  &c.APIBase,
		"COMPANION_USER_ID":   &c.UserID,
		"COMPANION_API_TOKEN": &c.APIToken,
		"SUPABASE_URL":        &c.SupabaseURL,
		"SUPABASE_ANON_KEY":   &c.SupabaseAnonKey,
		"SUPABASE_EMAIL":      &c.SupabaseEmail,
		"SUPABASE_PASSWORD":   &c.SupabasePassword,
		"TTS_PROVIDER":        &c.TTSProvider,
		"DEEPGRAM_API_KEY":    &c.DeepgramKey,
		"DEEPGRAM_MODEL":      &c.DeepgramModel,
		"ELEVENLABS_API_KEY":  &c.ElevenLabsKey,
		"ELEVENLABS_VOICE_ID": &c.ElevenLabsVoiceID,
		"ICE_SERVERS":         &c.ICEServers,
		"LOG_LEVEL":           &c.LogLevel,
	}
	for key, dst := range env {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("COMPANION_REQUEST_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid COMPANION_REQUEST_TIMEOUT %q: %w", v, err)
		}
		c.RequestTimeout = d
	}
	c.TTSProvider = strings.ToLower(c.TTSProvider)
	return nil
}

// UseSupabase reports whether credentials come from Supabase sign-in rather
// than a static token.
func (c Config) UseSupabase() bool {
	return c.APIToken == "" && c.SupabaseURL != "" && c.SupabaseEmail != ""
}

func (c Config) warn() {
	if c.APIToken == "" && !c.UseSupabase() {
		log.Warn().Msg("config: neither COMPANION_API_TOKEN nor SUPABASE_URL/SUPABASE_EMAIL set - backend calls will be unauthorized")
	}
	switch c.TTSProvider {
	case "deepgram":
		if c.DeepgramKey == "" {
			log.Warn().Msg("config: DEEPGRAM_API_KEY not set - speech will not work")
		}
	case "elevenlabs":
		if c.ElevenLabsKey == "" {
			log.Warn().Msg("config: ELEVENLABS_API_KEY not set - speech will not work")
		}
		if c.ElevenLabsVoiceID == "" {
			log.Warn().Msg("config: ELEVENLABS_VOICE_ID not set - set a concrete voice ID from your ElevenLabs dashboard")
		}
	case "none":
	default:
		log.Warn().Str("provider", c.TTSProvider).Msg("config: unknown TTS_PROVIDER - speech disabled")
	}
	log.Debug().Str("api_base", c.APIBase).Str("bridge", c.BridgeAddress).Str("tts", c.TTSProvider).Msg("config: loaded")
}

func set(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}
