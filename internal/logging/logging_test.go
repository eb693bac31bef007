package logging

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"livetraffic/internal/config"
)

func restoreLogger(t *testing.T) {
	t.Helper()
	flags, out := log.Flags(), log.Writer()
	t.Cleanup(func() {
		log.SetFlags(flags)
		log.SetOutput(out)
		debug.Store(false)
	})
}

func TestSetupWritesToFile(t *testing.T) {
	restoreLogger(t)
	path := filepath.Join(t.TempDir(), "livetraffic.log")
	closer := Setup(config.LogConfig{Level: "info", File: path, MaxSizeMB: 1})

	log.Printf("frames dropped: %d", 3)
	Debugf("frame detail %d", 1)
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "frames dropped: 3") {
		t.Fatalf("log file = %q", data)
	}
	if strings.Contains(string(data), "frame detail") {
		t.Fatal("debug line written at info level")
	}
}

func TestDebugf(t *testing.T) {
	restoreLogger(t)
	Setup(config.LogConfig{Level: "debug"})
	var buf bytes.Buffer
	log.SetOutput(&buf)

	Debugf("unrecognized frame shape %q", "heartbeat")
	if !DebugEnabled() || !strings.Contains(buf.String(), `unrecognized frame shape "heartbeat"`) {
		t.Fatalf("debug output = %q", buf.String())
	}
}
