// Package logging builds the process loggers, including the dedicated
// security channel that receives sandbox violation events.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New creates the root logger writing JSON to stderr at the given level.
// Unknown levels fall back to info.
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

// Security derives the security event sink from a parent logger. Every event
// carries channel=security plus a structured event_type field set at the
// call site.
func Security(parent zerolog.Logger) zerolog.Logger {
	return parent.With().Str("channel", "security").Logger()
}
