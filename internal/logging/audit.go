package logging

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	auditFileName   = "trading_audit.log"
	auditMaxSizeMB  = 10
	auditMaxBackups = 30
)

// AuditLogger writes trade events as JSON lines to a rotating file.
// Every order, fill, rejection and cycle summary passes through here with a
// stable schema: "event" plus event-specific fields.
type AuditLogger struct {
	log    zerolog.Logger
	closer *lumberjack.Logger
}

// NewAuditLogger opens (creating if needed) the audit log under dir.
func NewAuditLogger(dir string) (*AuditLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lj := &lumberjack.Logger{
		Filename:   filepath.Join(dir, auditFileName),
		MaxSize:    auditMaxSizeMB,
		MaxBackups: auditMaxBackups,
	}
	logger := zerolog.New(lj).With().Timestamp().Logger()
	return &AuditLogger{log: logger, closer: lj}, nil
}

// Event starts an audit line. Callers attach fields and call Send.
//
//	audit.Event("entry_filled").Str("symbol", sym).Send()
func (a *AuditLogger) Event(name string) *zerolog.Event {
	return a.log.Info().Str("event", name)
}

// Close flushes and closes the underlying file.
func (a *AuditLogger) Close() error {
	return a.closer.Close()
}
