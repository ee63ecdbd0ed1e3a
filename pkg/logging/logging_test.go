package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSetLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "splitmice.log")
	c := &LogConfig{Level: "debug", Logfile: path, MaxSize: 1, MaxAge: 1}
	closer := c.SetLogger()
	defer func() {
		closer.Close()
		(&LogConfig{}).SetLogger()
	}()

	if log.GetLevel() != log.DebugLevel {
		t.Errorf("Expected debug level, got %v", log.GetLevel())
	}
	log.WithField("scan", "hotel").Info("Split complete")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Log file not written: %v", err)
	}
	if !strings.Contains(string(data), "Split complete") || !strings.Contains(string(data), "scan=hotel") {
		t.Errorf("Unexpected log contents: %q", data)
	}
}

func TestSetLoggerDefaults(t *testing.T) {
	defer (&LogConfig{}).SetLogger()

	var c *LogConfig
	if err := c.SetLogger().Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if log.GetLevel() != log.InfoLevel {
		t.Errorf("Expected info level, got %v", log.GetLevel())
	}

	(&LogConfig{Level: "chatty"}).SetLogger()
	if log.GetLevel() != log.InfoLevel {
		t.Errorf("Unknown level should fall back to info, got %v", log.GetLevel())
	}
}
