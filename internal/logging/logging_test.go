package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
)

func TestNewWithWriter_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("coordinator", false, &buf)

	log.Debug("hidden")
	log.Info("chunk uploaded", zap.String("file_id", "f1"), zap.Int("index", 2))
	_ = log.Sync()

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected one line at info level, got %d: %s", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["component"] != "coordinator" || entry["level"] != "info" || entry["message"] != "chunk uploaded" {
		t.Errorf("unexpected entry %v", entry)
	}
	if entry["file_id"] != "f1" || entry["index"] != float64(2) {
		t.Errorf("missing structured fields: %v", entry)
	}
}

func TestNewWithWriter_Debug(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("x", true, &buf)
	log.Debug("visible")
	if !bytes.Contains(buf.Bytes(), []byte("visible")) {
		t.Error("debug entry not written")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("expected a logger")
	}
	l := zap.NewExample()
	if OrNop(l) != l {
		t.Error("expected the given logger back")
	}
}
