package main

import (
	"strings"
	"testing"
)

func TestRun_RejectsUnknownFlag(t *testing.T) {
	if err := run([]string{"--no-such-flag"}); err == nil {
		t.Error("Unknown flag should fail")
	}
}

func TestRun_RejectsInvalidConfiguration(t *testing.T) {
	t.Setenv("ATTENDANCE_SCANNER_SOURCE", "none")
	t.Setenv("ATTENDANCE_HTTP_PORT", "70000")

	err := run(nil)
	if err == nil || !strings.Contains(err.Error(), "failed to create application") {
		t.Errorf("Expected a configuration error, got %v", err)
	}
}
