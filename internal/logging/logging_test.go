package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "info", "traditional").With("model", "AIM")
	logger.Debug("hidden")
	logger.Info("run started", "id", "r1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record written at info level: %q", out)
	}
	if !strings.Contains(out, "[INFO] run started [model=AIM id=r1]") {
		t.Fatalf("unexpected line %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "debug", "json")
	LogImage(logger, "ERROR", "a/b.png", 12*time.Millisecond, errors.New("boom"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %v: %q", err, buf.String())
	}
	if rec["path"] != "a/b.png" || rec["error"] != "boom" || rec["duration_ms"] != float64(12) {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]string{"debug": "DEBUG", "WARNING": "WARN", "error": "ERROR", "bogus": "INFO"} {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
