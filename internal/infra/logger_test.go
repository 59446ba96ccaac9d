package infra

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/peterldowns/testy/check"
)

func TestParseLevel(t *testing.T) {
	check.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	check.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	check.Equal(t, slog.LevelError, ParseLevel("error"))
	check.Equal(t, slog.LevelInfo, ParseLevel("info"))
	check.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestJSONLogger_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf, "warn")

	logger.Info("hidden")
	logger.Warn("Listing frozen", slog.String("listing", "L1"))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	check.Equal(t, "Listing frozen", entry["msg"])
	check.Equal(t, "L1", entry["listing"])
}

func TestNewLogger_WritesFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Dir = t.TempDir()
	cfg.App.Name = "auction-test"

	NewLogger(cfg).Info("started")

	data, err := os.ReadFile(filepath.Join(cfg.Logging.Dir, "auction-test.log"))
	check.NoError(t, err)
	check.True(t, bytes.Contains(data, []byte(`"msg":"started"`)))
}
