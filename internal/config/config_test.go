package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"COMPANION_CONFIG", "BRIDGE_ADDRESS", "BRIDGE_PASSWORD", "COMPANION_API_BASE", "COMPANION_USER_ID",
		"COMPANION_API_TOKEN", "SUPABASE_URL", "SUPABASE_ANON_KEY", "SUPABASE_EMAIL", "SUPABASE_PASSWORD",
		"TTS_PROVIDER", "DEEPGRAM_API_KEY", "DEEPGRAM_MODEL", "ELEVENLABS_API_KEY", "ELEVENLABS_VOICE_ID",
		"ICE_SERVERS", "LOG_LEVEL", "COMPANION_REQUEST_TIMEOUT",
	} {
		t.Setenv(k, "")
	}
	// godotenv reads .env from the working directory; run from an empty one.
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BridgeAddress != DefaultBridgeAddress || cfg.APIBase != DefaultAPIBase {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.RequestTimeout != DefaultRequestTimeout || cfg.TTSProvider != "deepgram" || cfg.LogLevel != "info" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.UseSupabase() {
		t.Fatalf("supabase should be off without settings")
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "companion.yaml")
	data := []byte(`
bridge:
  address: ":9090"
backend:
  base_url: https://api.example.com
  user_id: u-file
  timeout: 15s
supabase:
  url: https://proj.supabase.co
  email: a@example.com
tts:
  provider: ElevenLabs
ice_servers: stun:stun.example.com:3478
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("COMPANION_CONFIG", path)
	t.Setenv("COMPANION_USER_ID", "u-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BridgeAddress != ":9090" || cfg.APIBase != "https://api.example.com" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.UserID != "u-env" {
		t.Fatalf("env should win over file, got %q", cfg.UserID)
	}
	if cfg.RequestTimeout != 15*time.Second || cfg.TTSProvider != "elevenlabs" {
		t.Fatalf("unexpected %+v", cfg)
	}
	if !cfg.UseSupabase() {
		t.Fatalf("expected supabase credentials")
	}
	if cfg.ICEServers != "stun:stun.example.com:3478" {
		t.Fatalf("ice servers %q", cfg.ICEServers)
	}
}

func TestLoad_StaticTokenBeatsSupabase(t *testing.T) {
	clearEnv(t)
	t.Setenv("SUPABASE_URL", "https://proj.supabase.co")
	t.Setenv("SUPABASE_EMAIL", "a@example.com")
	t.Setenv("COMPANION_API_TOKEN", "tok")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.UseSupabase() {
		t.Fatalf("static token should take precedence")
	}
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)
	t.Setenv("COMPANION_REQUEST_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for bad timeout")
	}

	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(path, []byte("bridge: [unclosed"), 0o600)
	t.Setenv("COMPANION_CONFIG", path)
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for malformed yaml")
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	clearEnv(t)
	t.Setenv("COMPANION_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(); err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
}
