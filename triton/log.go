package triton

import (
	"strings"

	"go.uber.org/zap"
)

// NewLogger builds a production zap logger at the named level. "dev" gives
// the human readable development logger instead.
func NewLogger(level string) (*zap.Logger, error) {
	var config zap.Config
	if strings.ToLower(level) == "dev" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
		config.Level = parseLogLevel(level)
	}
	return config.Build()
}

func parseLogLevel(level string) zap.AtomicLevel {
	switch strings.ToLower(level) {
	case "debug":
		return zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn", "warning":
		return zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
}
