package peer

import (
	"strings"

	"github.com/pion/logging"
)

// NewLoggerFactory returns a pion logger factory at the given level
// (disabled|error|warn|info|debug|trace). Unknown levels mean warn.
func NewLoggerFactory(level string) logging.LoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	f.DefaultLogLevel = pionLevel(level)
	return f
}

func pionLevel(level string) logging.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "disabled", "disable", "off":
		return logging.LogLevelDisabled
	case "error":
		return logging.LogLevelError
	case "info":
		return logging.LogLevelInfo
	case "debug":
		return logging.LogLevelDebug
	case "trace":
		return logging.LogLevelTrace
	default:
		return logging.LogLevelWarn
	}
}
