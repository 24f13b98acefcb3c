// Package logging configures the process logger and the trade audit log.
//
// The process log goes to stderr. The audit log is a separate JSON-lines
// file under the configured log directory, one event per line, size-rotated
// so it can be tailed by external renderers and kept for compliance review.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the process logger at the requested level. DEBUG gets a
// human-readable console writer; everything else emits JSON.
func Setup(level string) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}

	var w io.Writer = os.Stderr
	if lvl == zerolog.DebugLevel {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return logger, nil
}

// ParseLevel maps the CLI log-level names onto zerolog levels.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "INFO", "":
		return zerolog.InfoLevel, nil
	case "WARNING", "WARN":
		return zerolog.WarnLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}
