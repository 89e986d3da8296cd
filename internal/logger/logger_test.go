package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestFileWriterDefaults(t *testing.T) {
	if w := (FileConfig{}).FileWriter(); w != nil {
		t.Fatalf("expected nil writer without a path")
	}
	w := FileConfig{Path: "x.log"}.FileWriter()
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger: %T", w)
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
}

func TestFileWriterOverrides(t *testing.T) {
	w := FileConfig{Path: "x2.log", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.FileWriter()
	l := w.(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
}

func TestNewWritesToOutputAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idlestop.log")
	var buf bytes.Buffer
	lg, closer, err := New(Config{Level: "debug", Format: "json", File: FileConfig{Path: path}}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lg.Debug("probe pending", "instance", "i-1")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("stdout line is not JSON: %v (%q)", err, buf.String())
	}
	if line["msg"] != "probe pending" || line["instance"] != "i-1" {
		t.Fatalf("unexpected line: %v", line)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if !strings.Contains(string(b), "probe pending") {
		t.Fatalf("log file missing line: %q", b)
	}
}

func TestNewLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	lg, _, err := New(Config{Level: "warn"}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lg.Info("hidden")
	lg.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	if _, _, err := New(Config{Level: "loud"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, _, err := New(Config{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestColorHandlerKeepsColorWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	lg := slog.New(NewColorTextHandler(&buf, nil)).With("run_id", "r1")
	lg.Error("stop failed")
	// the text handler quotes the escape sequence
	out := buf.String()
	if !strings.Contains(out, `\x1b[31mERROR`) || !strings.Contains(out, "run_id=r1") {
		t.Fatalf("unexpected output: %q", out)
	}
}
