package logging

import "testing"

func TestNewLoggerAcceptsKnownLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "warning", "error", "", "  INFO  "} {
		logger, err := NewLogger(level)
		if err != nil {
			t.Fatalf("level %q rejected: %v", level, err)
		}
		if logger == nil {
			t.Fatalf("level %q produced a nil logger", level)
		}
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger("loud"); err == nil {
		t.Fatal("expected an unknown level to be rejected")
	}
}
