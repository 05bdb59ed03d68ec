package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"":        zapcore.InfoLevel,
		"WARNING": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
	}
	for level, expected := range cases {
		for _, format := range []string{"json", "console"} {
			logger, err := NewLogger(level, format)
			if err != nil {
				t.Fatalf("NewLogger(%q, %q) failed: %v", level, format, err)
			}
			if !logger.Core().Enabled(expected) {
				t.Fatalf("NewLogger(%q, %q) should enable %s", level, format, expected)
			}
			if expected > zapcore.DebugLevel && logger.Core().Enabled(expected-1) {
				t.Fatalf("NewLogger(%q, %q) should not enable %s", level, format, expected-1)
			}
		}
	}
}
