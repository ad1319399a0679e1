package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerLevelAndService(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "warn"}, "gateway", &buf)

	logger.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}

	logger.Warn().Str("component", "caps").Msg("kept")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["service"] != "gateway" || line["component"] != "caps" || line["message"] != "kept" {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "nonsense"}, "", &buf)
	logger.Debug().Msg("dropped")
	logger.Info().Msg("kept")
	if !bytes.Contains(buf.Bytes(), []byte("kept")) || bytes.Contains(buf.Bytes(), []byte("dropped")) {
		t.Fatalf("got %q", buf.String())
	}
}
