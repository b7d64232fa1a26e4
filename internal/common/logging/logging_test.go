package logging

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewHandler(&buf, "json", slog.LevelInfo)).Info("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected JSON output, got %q", buf.String())
	}

	buf.Reset()
	slog.New(NewHandler(&buf, "text", slog.LevelInfo)).Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}

func TestNewWithFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "giftledger.log")
	logger, closer, err := New(Config{Level: "info", Format: "json", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Info("written")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
