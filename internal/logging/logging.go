// Package logging builds the process logger: a logr.Logger backed by zap.
package logging

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger writing JSON (or console output when format is
// "console") at the given level, plus a flush func to call before exit.
func New(level, format string) (logr.Logger, func(), error) {
	var zc zap.Config
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	parsed, err := ParseLevel(level)
	if err != nil {
		return logr.Discard(), func() {}, err
	}
	zc.Level = zap.NewAtomicLevelAt(parsed)

	z, err := zc.Build()
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("build zap logger: %w", err)
	}
	return zapr.NewLogger(z), func() { _ = z.Sync() }, nil
}

// ParseLevel accepts the usual names plus "warning"; empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}
