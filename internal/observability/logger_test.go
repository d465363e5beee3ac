package observability

import "testing"

func TestBuildLoggerAcceptsKnownLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if _, err := BuildLogger(level, "json"); err != nil {
			t.Fatalf("BuildLogger(%q, json) error = %v", level, err)
		}
		if _, err := BuildLogger(level, "console"); err != nil {
			t.Fatalf("BuildLogger(%q, console) error = %v", level, err)
		}
	}
}

func TestBuildLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := BuildLogger("not-a-level", "json"); err == nil {
		t.Fatal("BuildLogger() error = nil for an invalid level, want error")
	}
}
