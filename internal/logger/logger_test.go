package logger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultLoggerIsUsableWithoutInit(t *testing.T) {
	LogInfo("info", map[string]interface{}{"k": 1})
	LogError("error", errors.New("boom"), nil)
	LogDebug("debug", nil)
}

func TestInitLoggerWritesJSONToFile(t *testing.T) {
	saved := Logger
	t.Cleanup(func() { Logger = saved })

	path := filepath.Join(t.TempDir(), "logs", "hfsalloc.log")
	if err := InitLogger(LoggerConfig{Debug: true, LogFormat: "json", LogFile: path}); err != nil {
		t.Fatalf("InitLogger failed: %v", err)
	}
	LogDebug("bitmap scanned", map[string]interface{}{"free_blocks": 42})
	_ = Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), `"free_blocks":42`) {
		t.Errorf("log file does not contain the structured field: %s", data)
	}
}
