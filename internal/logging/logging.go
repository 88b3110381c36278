// Package logging holds the logger factory shared by the capture packages.
// Levels are controlled with the PION_LOG_* environment variables understood
// by pion/logging, e.g. PION_LOG_DEBUG=capture,camera.
package logging

import (
	"github.com/pion/logging"
)

var loggerFactory logging.LoggerFactory = logging.NewDefaultLoggerFactory()

// Factory returns the package wide logger factory.
func Factory() logging.LoggerFactory {
	return loggerFactory
}

// NewLogger creates a leveled logger for scope.
func NewLogger(scope string) logging.LeveledLogger {
	return loggerFactory.NewLogger(scope)
}
