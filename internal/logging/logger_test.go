package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/encabox/encabox/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

func TestSetAndGetLogger(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	customLogger := slog.New(slog.NewJSONHandler(&buf, nil))

	SetLogger(customLogger)

	if got := Logger(); got != customLogger {
		t.Error("Logger() did not return the logger set by SetLogger()")
	}
}

func TestSetOutput(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetOutput(&buf)

	Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("expected output to contain 'test message', got: %s", output)
	}
	if !strings.Contains(output, `"key"`) {
		t.Errorf("expected output to contain key, got: %s", output)
	}
}

func TestSetLevelAffectsExistingLogger(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetOutput(&buf)

	Debug("hidden")
	if buf.Len() > 0 {
		t.Fatalf("debug output at info level: %s", buf.String())
	}

	SetLevel(slog.LevelDebug)
	defer SetLevel(slog.LevelInfo)

	Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("expected debug output after SetLevel, got: %s", buf.String())
	}
	if Level() != slog.LevelDebug {
		t.Errorf("Level() = %v, want debug", Level())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSetup(t *testing.T) {
	original := Logger()
	defer SetLogger(original)
	defer SetLevel(slog.LevelInfo)

	var buf bytes.Buffer
	if err := Setup(&buf, "text", "warn"); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	Info("dropped")
	Warn("kept", "password", "hunter2")

	output := buf.String()
	if strings.Contains(output, "dropped") {
		t.Errorf("info message should be filtered at warn level: %s", output)
	}
	if !strings.Contains(output, "kept") {
		t.Errorf("expected warn message, got: %s", output)
	}
	if strings.Contains(output, "hunter2") {
		t.Errorf("Setup logger should redact passwords: %s", output)
	}

	if err := Setup(&buf, "xml", "info"); err == nil {
		t.Error("expected error for unknown format")
	}
	if err := Setup(&buf, "json", "loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestLogLevels(t *testing.T) {
	original := Logger()
	defer SetLogger(original)
	defer SetLevel(slog.LevelInfo)

	var buf bytes.Buffer
	SetTextOutput(&buf)

	tests := []struct {
		name    string
		logFunc func(string, ...any)
		level   string
	}{
		{"Debug", Debug, "DEBUG"},
		{"Info", Info, "INFO"},
		{"Warn", Warn, "WARN"},
		{"Error", Error, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logFunc(tt.name+" test message", "key", "val")
			output := buf.String()
			if !strings.Contains(output, tt.name+" test message") {
				t.Errorf("expected output to contain message, got: %s", output)
			}
			if !strings.Contains(output, tt.level) {
				t.Errorf("expected output to contain level %s, got: %s", tt.level, output)
			}
		})
	}
}

func TestLogWithContext(t *testing.T) {
	original := Logger()
	defer SetLogger(original)
	defer SetLevel(slog.LevelInfo)

	var buf bytes.Buffer
	SetTextOutput(&buf)

	ctx := context.Background()

	tests := []struct {
		name    string
		logFunc func(context.Context, string, ...any)
	}{
		{"DebugContext", DebugContext},
		{"InfoContext", InfoContext},
		{"WarnContext", WarnContext},
		{"ErrorContext", ErrorContext},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logFunc(ctx, tt.name+" context message")
			if !strings.Contains(buf.String(), tt.name+" context message") {
				t.Errorf("expected output to contain message, got: %s", buf.String())
			}
		})
	}
}

func TestWith(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetOutput(&buf)

	With("request_id", "abc123").Info("with context")
	output := buf.String()
	if !strings.Contains(output, "request_id") || !strings.Contains(output, "abc123") {
		t.Errorf("expected request_id=abc123 in output, got: %s", output)
	}
}

func TestFieldHelpers(t *testing.T) {
	if attr := UnitID(types.UnitID(7)); attr.Key != "unit_id" || attr.Value.Uint64() != 7 {
		t.Errorf("UnitID attr = %v", attr)
	}

	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	if attr := Address("owner", addr); attr.Key != "owner" || attr.Value.String() != addr.Hex() {
		t.Errorf("Address attr = %v", attr)
	}

	if attr := Component("box"); attr.Key != "component" || attr.Value.String() != "box" {
		t.Errorf("Component attr = %v", attr)
	}

	if attr := Err(errors.New("something failed")); attr.Value.String() != "something failed" {
		t.Errorf("Err attr = %v", attr)
	}
	if attr := Err(nil); attr.Key != "error" || attr.Value.String() != "" {
		t.Errorf("Err(nil) attr = %v", attr)
	}
}

func TestAudit(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetOutput(&buf)

	Audit(AuditEvent{
		Operation: "unit_unpacked",
		Actor:     "0xabc",
		Target:    "1",
		Result:    "success",
	})

	output := buf.String()
	for _, want := range []string{`"audit":true`, `"operation":"unit_unpacked"`, `"target":"1"`} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %s in audit output: %s", want, output)
		}
	}
}

func TestConcurrentLogging(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf safeBuffer
	SetOutput(&buf)

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func(n int) {
			Info("concurrent message", "goroutine", n)
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	if buf.Len() == 0 {
		t.Error("expected some log output from concurrent logging")
	}
}
