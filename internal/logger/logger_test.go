package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLoggerWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "snapfile.log")
	log, err := NewLogger(LoggerConfig{Level: "debug", FilePath: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	WithJob(log, "b1", "j1").Info("Job finished")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("log line is not JSON: %q", data)
	}
	if entry["message"] != "Job finished" || entry["batch_id"] != "b1" || entry["job_id"] != "j1" || entry["level"] != "info" {
		t.Errorf("entry = %v", entry)
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger(LoggerConfig{Level: "chatty"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestContextHelpersAddFields(t *testing.T) {
	var buf bytes.Buffer
	log := Discard()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})

	WithOperation(log, "sniff").Info("a")
	WithFile(log, "in/a.jpg").Info("b")
	WithFields(log, logrus.Fields{"kind": "pdf", "pages": 3}).Info("c")

	want := []map[string]any{
		{"operation": "sniff"},
		{"file": "in/a.jpg"},
		{"kind": "pdf", "pages": float64(3)},
	}
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != len(want) {
		t.Fatalf("got %d log lines, want %d", len(lines), len(want))
	}
	for i, line := range lines {
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("line %d is not JSON: %q", i, line)
		}
		for k, v := range want[i] {
			if entry[k] != v {
				t.Errorf("line %d: %s = %v, want %v", i, k, entry[k], v)
			}
		}
	}
}

func TestDefaultConfigBuildsLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FilePath = filepath.Join(t.TempDir(), "snapfile.log")
	cfg.Console = false
	log, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if log.GetLevel() != logrus.InfoLevel {
		t.Errorf("level = %s, want info", log.GetLevel())
	}
}
