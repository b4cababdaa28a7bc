package socket

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestLogger_Interface(t *testing.T) {
	// Verify that *slog.Logger implements our Logger interface
	var _ Logger = slog.Default()
}

func TestDefaultLogger(t *testing.T) {
	logger := defaultLogger()

	if logger == nil {
		t.Fatal("defaultLogger returned nil")
	}

	if logger != slog.Default() {
		t.Error("defaultLogger did not return slog.Default()")
	}
}

// mockLogger records every call. It is safe for concurrent use because
// connections log from their read and write goroutines.
type mockLogger struct {
	mu      sync.Mutex
	records []logRecord
}

type logRecord struct {
	level string
	msg   string
	args  []any
}

func (l *mockLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, logRecord{level: level, msg: msg, args: args})
}

func (l *mockLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }
func (l *mockLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *mockLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *mockLogger) Error(msg string, args ...any) { l.add("error", msg, args) }

func (l *mockLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.level == level && r.msg == msg {
			return true
		}
	}
	return false
}

func TestZerologLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(zerolog.New(&buf).Level(zerolog.InfoLevel))

	logger.Debug("hidden", "key", "value")
	logger.Info("session connected", "identity", uint64(7), "title", "server")
	logger.Warn("odd", "dangling")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if first["message"] != "session connected" || first["level"] != "info" {
		t.Errorf("unexpected record %v", first)
	}
	if first["identity"] != float64(7) || first["title"] != "server" {
		t.Errorf("fields not forwarded: %v", first)
	}

	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if second["dangling"] != "!MISSING" {
		t.Errorf("odd argument list not padded: %v", second)
	}
}

func TestSessionLogger(t *testing.T) {
	base := &mockLogger{}
	logger := sessionLogger(base, 42, "client")

	logger.Warn("dropping message", "command", "Chat")

	if len(base.records) != 1 {
		t.Fatalf("got %d records, want 1", len(base.records))
	}
	got := base.records[0].args
	want := []any{"identity", uint64(42), "title", "client", "command", "Chat"}
	if len(got) != len(want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("args[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
