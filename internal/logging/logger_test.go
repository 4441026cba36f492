package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestNewWritesJSONWithProfileFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agentlinkd.log")
	logger, err := New(path, "work")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("hello")
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var line map[string]any
	if err := json.Unmarshal(raw, &line); err != nil {
		t.Fatalf("log line is not JSON: %q", raw)
	}
	if line["profile"] != "work" || line["msg"] != "hello" {
		t.Errorf("log line = %v", line)
	}
	if _, ok := line["ts"]; !ok {
		t.Error("log line has no ts field")
	}
}
