package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MichelMoriniaux/BigPowerBox/internal/infrastructure/config"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line %q is not JSON: %v", buf.String(), err)
	}
	return entry
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"Warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"trace":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFormatSelection(t *testing.T) {
	tests := []struct {
		format string
		json   bool
	}{
		{format: "json", json: true},
		{format: "", json: true},
		{format: "TEXT", json: false},
	}

	for _, tt := range tests {
		t.Run("format="+tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			newWithWriter(&buf, config.LoggingConfig{Format: tt.format}, "1.0.0").
				Info("port switched", "port", 3)

			isJSON := json.Valid(bytes.TrimSpace(buf.Bytes()))
			if isJSON != tt.json {
				t.Errorf("JSON output = %v, want %v: %q", isJSON, tt.json, buf.String())
			}
			if !strings.Contains(buf.String(), "port switched") {
				t.Errorf("message missing from %q", buf.String())
			}
		})
	}
}

func TestServiceAttributes(t *testing.T) {
	var buf bytes.Buffer
	newWithWriter(&buf, config.LoggingConfig{Level: "info"}, "0.4.2").
		Info("device connected", "serial_port", "/dev/ttyUSB0")

	entry := decodeEntry(t, &buf)
	want := map[string]any{
		"service":     serviceName,
		"version":     "0.4.2",
		"msg":         "device connected",
		"serial_port": "/dev/ttyUSB0",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %v", k, entry[k], v)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(&buf, config.LoggingConfig{Level: "warn", Format: "text"}, "test")

	logger.Debug("exchange", "command", ">S#")
	logger.Info("connected")
	if buf.Len() != 0 {
		t.Fatalf("debug and info should be filtered, got %q", buf.String())
	}

	logger.Warn("status refresh failed")
	logger.Error("serial write failed")
	out := buf.String()
	for _, msg := range []string{"status refresh failed", "serial write failed"} {
		if !strings.Contains(out, msg) {
			t.Errorf("missing %q in %q", msg, out)
		}
	}
}

func TestWithAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	parent := newWithWriter(&buf, config.LoggingConfig{}, "test")
	child := parent.With("component", "bridge")

	if child == parent {
		t.Fatal("With() should return a new logger")
	}

	child.Info("subscribed")
	if entry := decodeEntry(t, &buf); entry["component"] != "bridge" {
		t.Errorf("component = %v", entry["component"])
	}

	buf.Reset()
	parent.Info("untouched")
	if entry := decodeEntry(t, &buf); entry["component"] != nil {
		t.Errorf("parent gained component = %v", entry["component"])
	}
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "powerboxd.log")
	logger := New(config.LoggingConfig{
		Output: "file",
		File:   config.FileLoggingConfig{Path: path},
	}, "1.0.0")

	logger.Info("written to file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file = %q", data)
	}
}

func TestOpenOutputFallsBackToStderr(t *testing.T) {
	// a regular file where the log directory should be
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	w, err := openOutput(config.LoggingConfig{
		Output: "file",
		File:   config.FileLoggingConfig{Path: filepath.Join(blocker, "powerboxd.log")},
	})
	if err == nil {
		t.Fatal("openOutput() should fail")
	}
	if w != os.Stderr {
		t.Errorf("writer = %v, want stderr", w)
	}
}

func TestOpenOutputStreams(t *testing.T) {
	for output, want := range map[string]*os.File{"stdout": os.Stdout, "": os.Stdout, "stderr": os.Stderr} {
		w, err := openOutput(config.LoggingConfig{Output: output})
		if err != nil || w != want {
			t.Errorf("openOutput(%q) = %v, %v", output, w, err)
		}
	}
}

func TestDefault(t *testing.T) {
	if Default() == nil {
		t.Fatal("Default() returned nil")
	}
}
