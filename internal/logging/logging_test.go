package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/minhtuancn/server-monitor-sub002/internal/config"
)

func TestReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	content := "line1\nline2\nline3\nline4\nline5\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	orig := config.Cfg.LogPath
	config.Cfg.LogPath = path
	t.Cleanup(func() { config.Cfg.LogPath = orig })

	tail, err := ReadTail(2)
	if err != nil {
		t.Fatalf("read tail: %v", err)
	}
	if tail != "line4\nline5" {
		t.Errorf("tail = %q", tail)
	}

	all, err := ReadTail(100)
	if err != nil {
		t.Fatalf("read tail: %v", err)
	}
	if len(strings.Split(all, "\n")) != 5 {
		t.Errorf("expected all 5 lines, got %q", all)
	}
}

func TestReadTail_MissingFile(t *testing.T) {
	orig := config.Cfg.LogPath
	config.Cfg.LogPath = filepath.Join(t.TempDir(), "nope.log")
	t.Cleanup(func() { config.Cfg.LogPath = orig })

	tail, err := ReadTail(10)
	if err != nil {
		t.Fatalf("read tail: %v", err)
	}
	if tail != "" {
		t.Errorf("tail = %q, want empty", tail)
	}
}
