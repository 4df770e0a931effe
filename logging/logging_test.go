package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type failingWriter struct{}

func (fw *failingWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

func TestBufferedThenAdopted(t *testing.T) {
	if err := Init(true, "DEBUG", "text", ""); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	slog.Info("buffered record")

	var pane bytes.Buffer
	if err := SetOutput(&pane); err != nil {
		t.Fatalf("SetOutput failed: %v", err)
	}

	if !strings.Contains(pane.String(), "buffered record") {
		t.Errorf("Expected buffered record to be flushed, got: %s", pane.String())
	}

	slog.Info("live record")

	if !strings.Contains(pane.String(), "live record") {
		t.Errorf("Expected live record to be written, got: %s", pane.String())
	}
}

func TestSetOutputFailurePropagates(t *testing.T) {
	if err := Init(true, "INFO", "text", ""); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	slog.Info("some record")

	if err := SetOutput(&failingWriter{}); err == nil {
		t.Error("Expected SetOutput to report the flush failure")
	}
}

func TestLogToFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "gorotary.log")

	if err := Init(false, "INFO", "json", logFile); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	slog.Info("file record")

	if err := Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "file record") {
		t.Errorf("Expected record in log file, got: %s", string(data))
	}
}

func TestLevelFiltering(t *testing.T) {
	if err := Init(true, "WARN", "text", ""); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	slog.Info("below threshold")
	slog.Warn("at threshold")

	var pane bytes.Buffer
	if err := SetOutput(&pane); err != nil {
		t.Fatalf("SetOutput failed: %v", err)
	}

	if strings.Contains(pane.String(), "below threshold") {
		t.Error("INFO record should have been filtered at WARN level")
	}
	if !strings.Contains(pane.String(), "at threshold") {
		t.Error("WARN record should have been logged")
	}
}
