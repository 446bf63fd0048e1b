package logsink

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestPadMessage(t *testing.T) {
	short := PadMessage("hello")
	if len(short) != messageWidth+1 || !strings.HasPrefix(short, "hello ") || !strings.HasSuffix(short, " |") {
		t.Fatalf("unexpected padding %q", short)
	}

	long := PadMessage(strings.Repeat("x", 200))
	if long != strings.Repeat("x", truncatedWidth)+"...|" {
		t.Fatalf("unexpected truncation %q", long)
	}

	exact := PadMessage(strings.Repeat("y", messageWidth))
	if !strings.HasSuffix(exact, "...|") {
		t.Fatalf("expected full-width message to be cut, got %q", exact)
	}
}

func TestFormatLine(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	line := FormatLine(ts, zapcore.WarnLevel, "disk almost full")
	want := "[2024-03-09 14:05:07] > WARNING:  | disk almost full"
	if !strings.HasPrefix(line, want) {
		t.Fatalf("got %q, want prefix %q", line, want)
	}
	if !strings.HasSuffix(line, "|\n") {
		t.Fatalf("expected closed column, got %q", line)
	}

	crit := FormatLine(ts, zapcore.DPanicLevel, "boom")
	if !strings.Contains(crit, "> CRITICAL: | boom") {
		t.Fatalf("unexpected critical line %q", crit)
	}
}

func TestSinkRoutesStreams(t *testing.T) {
	dir := t.TempDir()
	infoPath := filepath.Join(dir, "agent.log")
	errPath := filepath.Join(dir, "agent-errors.log")
	var console bytes.Buffer

	sink, err := New(Options{File: infoPath, ErrorFile: errPath, Console: &console})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	logger := sink.Logger()
	logger.Debug("hidden")
	logger.Info("ready", zap.String("user", "agent"))
	logger.Warn("wrong channel")
	logger.Error("denied")
	logger.Critical("upload failed")
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	info := readFile(t, infoPath)
	errs := readFile(t, errPath)

	if !strings.Contains(info, "LOG Messages") || !strings.Contains(errs, "LOG Messages") {
		t.Fatalf("expected header in both files")
	}
	if !strings.Contains(info, "> INFO:     | ready user=agent") {
		t.Fatalf("info entry missing:\n%s", info)
	}
	if !strings.Contains(info, "> WARNING:  | wrong channel") {
		t.Fatalf("warning entry missing:\n%s", info)
	}
	if strings.Contains(info, "denied") || strings.Contains(info, "upload failed") {
		t.Fatalf("error entries leaked into main stream:\n%s", info)
	}
	if !strings.Contains(errs, "> ERROR:    | denied") || !strings.Contains(errs, "> CRITICAL: | upload failed") {
		t.Fatalf("error stream incomplete:\n%s", errs)
	}
	if strings.Contains(info+errs, "hidden") {
		t.Fatalf("debug entries must not reach the files")
	}
	if strings.Contains(console.String(), "hidden") {
		t.Fatalf("debug disabled but printed to console")
	}
	if !strings.Contains(console.String(), "upload failed") {
		t.Fatalf("console mirror missing entries: %s", console.String())
	}
}

func TestSinkSharedFileKeepsSingleHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	for i := 0; i < 2; i++ {
		sink, err := New(Options{File: path, Console: &bytes.Buffer{}})
		if err != nil {
			t.Fatalf("new sink: %v", err)
		}
		sink.Logger().Info("start")
		sink.Logger().Error("oops")
		_ = sink.Close()
	}

	content := readFile(t, path)
	if count := strings.Count(content, "LOG Messages"); count != 1 {
		t.Fatalf("expected one header, got %d", count)
	}
	if count := strings.Count(content, "| oops"); count != 2 {
		t.Fatalf("expected errors in shared file, got %d", count)
	}
}

func TestSinkDebugConsole(t *testing.T) {
	var console bytes.Buffer
	sink, err := New(Options{File: filepath.Join(t.TempDir(), "agent.log"), Debug: true, Console: &console})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer sink.Close()
	sink.Logger().Debug("tick scheduled")
	if !strings.Contains(console.String(), "tick scheduled") {
		t.Fatalf("expected debug on console, got %q", console.String())
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestRotatedFileStartsWithHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.log")
	f, err := openStream(path, 1)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	f.max = int64(len(header())) + 400

	line := FormatLine(time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC), zapcore.InfoLevel, "tick")
	for i := 0; i < 5; i++ {
		if _, err := f.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected a rotated backup, got %d files", len(entries))
	}
	for _, entry := range entries {
		content := readFile(t, filepath.Join(dir, entry.Name()))
		if !strings.HasPrefix(content, header()) {
			t.Fatalf("%s does not start with the header", entry.Name())
		}
		if strings.Count(content, "LOG Messages") != 1 {
			t.Fatalf("%s carries more than one header", entry.Name())
		}
	}
}
