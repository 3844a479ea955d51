package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	log  zerolog.Logger
	once sync.Once
)

// Init builds the process logger. format "console" gives human-readable
// output; anything else writes JSON lines. Only the first call has effect.
func Init(level, format string) zerolog.Logger {
	once.Do(func() {
		log = New(os.Stderr, level, format)
	})
	return log
}

// New builds a logger writing to w.
func New(w io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Get returns the process logger, or a disabled one before Init.
func Get() *zerolog.Logger {
	return &log
}
