package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup points the global zerolog logger at out with a console writer and
// the given level. Unknown levels fall back to info.
func Setup(level string, out io.Writer, color bool) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	w := zerolog.ConsoleWriter{Out: out, NoColor: !color, TimeFormat: time.Kitchen}
	logger := zerolog.New(w).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &logger
	log.Logger = logger
	return lvl
}

// ToFile redirects logging to a timestamped file under dir so a terminal UI
// owns the screen. The caller closes the returned file.
func ToFile(dir, level string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("companion_%s.log", time.Now().Format("2006-01-02_15-04-05")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	Setup(level, f, false)
	log.Debug().Str("path", path).Msg("logging: redirected to file")
	return f, nil
}
