package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"snooze/internal/config"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug":  slog.LevelDebug,
		" INFO ": slog.LevelInfo,
		"warn":   slog.LevelWarn,
		"error":  slog.LevelError,
	}
	for input, want := range cases {
		got, err := parseLevel(input)
		if err != nil || got != want {
			t.Fatalf("parseLevel(%q) = %v, %v; want %v", input, got, err, want)
		}
	}
	if _, err := parseLevel("panic"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}

func TestConsoleHandlerColorToggle(t *testing.T) {
	t.Parallel()

	opts := &slog.HandlerOptions{Level: slog.LevelDebug}

	var plain bytes.Buffer
	handler, err := consoleHandler(&plain, config.LogSinkConfig{Format: "line"}, opts)
	if err != nil {
		t.Fatalf("plain handler: %v", err)
	}
	slog.New(handler).Warn("record rejected", "stage", "aggregaterule")
	if strings.Contains(plain.String(), "\x1b[") {
		t.Fatalf("plain output must not contain ANSI codes: %q", plain.String())
	}

	var colored bytes.Buffer
	handler, err = consoleHandler(&colored, config.LogSinkConfig{Format: "line", Color: true}, opts)
	if err != nil {
		t.Fatalf("color handler: %v", err)
	}
	slog.New(handler).Warn("record rejected", "count", 3)
	if !strings.HasPrefix(colored.String(), ansiYellow) {
		t.Fatalf("expected warn color prefix, got %q", colored.String())
	}

	if _, err := consoleHandler(&plain, config.LogSinkConfig{Format: "xml"}, opts); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestNewFileSinkAndTee(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snooze.log")
	logger, closeFn, err := New(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "error", Format: "json", Stream: "stderr"},
		File:    config.LogSinkConfig{Enabled: true, Level: "info", Format: "json", Path: path},
	})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("aggregate created", "hash", "abc")
	closeFn()

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(body), `"hash":"abc"`) {
		t.Fatalf("file sink missing record: %s", body)
	}

	if _, _, err := New(config.LogConfig{}); err == nil {
		t.Fatalf("expected error without sinks")
	}
}

func TestHighlightIdentity(t *testing.T) {
	t.Parallel()

	line := `level=INFO msg="aggregate created" component=pipeline stage=aggregaterule hash=9f1c record_uid="a b" count=2`
	out := highlightIdentity(line, ansiBlue)
	for _, want := range []string{
		"component=" + ansiCyan + "pipeline" + ansiReset + ansiBlue,
		"stage=" + ansiCyan + "aggregaterule",
		"hash=" + ansiGreen + "9f1c",
		"record_uid=" + ansiGreen + `"a b"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
	if !strings.Contains(out, "count=2") {
		t.Fatalf("non-identity attrs must stay plain: %q", out)
	}
}

func TestComponentAddsAttr(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := Component(slog.New(slog.NewJSONHandler(&buf, nil)), "housekeeping")
	logger.Info("expired records deleted", "count", 4)
	if !strings.Contains(buf.String(), `"component":"housekeeping"`) {
		t.Fatalf("missing component attr: %s", buf.String())
	}
	if Component(nil, "x") == nil {
		t.Fatalf("expected default logger fallback")
	}
}
