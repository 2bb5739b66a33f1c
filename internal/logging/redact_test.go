package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// safeBuffer is a bytes.Buffer safe for concurrent writers.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func newTestRedactingLogger(buf *bytes.Buffer) *slog.Logger {
	inner := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewRedactingHandler(inner))
}

func TestRedact_NormalValuesPassThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestRedactingLogger(&buf)

	logger.Info("deposit",
		"unit_id", 3,
		"owner", "0x1111111111111111111111111111111111111111",
		"token_amount", "10000000000000000000",
		"status", "ok",
	)

	output := buf.String()
	for _, expected := range []string{"0x1111111111111111111111111111111111111111", "10000000000000000000", "ok"} {
		if !strings.Contains(output, expected) {
			t.Errorf("expected output to contain %q, got: %s", expected, output)
		}
	}
	if strings.Contains(output, "[REDACTED]") {
		t.Errorf("normal values should not be redacted, got: %s", output)
	}
}

func TestRedact_EthereumPrivateKeys(t *testing.T) {
	ethKey := "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

	var buf bytes.Buffer
	logger := newTestRedactingLogger(&buf)

	logger.Info("wallet loaded", "key_data", ethKey)

	output := buf.String()
	if strings.Contains(output, ethKey) {
		t.Errorf("full Ethereum private key should be redacted, got: %s", output)
	}
	if !strings.Contains(output, "0xac09") || !strings.Contains(output, "ff80") {
		t.Errorf("expected partial key in output, got: %s", output)
	}
}

func TestRedact_BareHexKey(t *testing.T) {
	bare := "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

	var buf bytes.Buffer
	logger := newTestRedactingLogger(&buf)

	logger.Info("loaded", "detail", "key="+bare)

	output := buf.String()
	if strings.Contains(output, bare) {
		t.Errorf("bare hex key should be redacted, got: %s", output)
	}
	if !strings.Contains(output, "ac09...[REDACTED]") {
		t.Errorf("expected masked prefix, got: %s", output)
	}
}

func TestRedact_TransactionHashesKept(t *testing.T) {
	hash := "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"

	var buf bytes.Buffer
	logger := newTestRedactingLogger(&buf)

	logger.Info("mined", "tx", hash, "block_hash", hash)

	if got := strings.Count(buf.String(), hash); got != 2 {
		t.Errorf("expected both hashes unredacted, found %d in: %s", got, buf.String())
	}
}

func TestRedact_SensitiveFieldNames(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"password", "hunter2"},
		{"wallet_password", "correct-horse"},
		{"keystore_passphrase", "battery-staple"},
		{"private_key", "deadbeef"},
		{"client_secret", "s3cr3t"},
		{"mnemonic", "test test test test test test test test test test test junk"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			var buf bytes.Buffer
			logger := newTestRedactingLogger(&buf)

			logger.Info("test", tt.key, tt.value)

			output := buf.String()
			if strings.Contains(output, tt.value) {
				t.Errorf("value for %q should be redacted, got: %s", tt.key, output)
			}
			if !strings.Contains(output, "[REDACTED]") {
				t.Errorf("expected [REDACTED] marker, got: %s", output)
			}
		})
	}
}

func TestRedact_Groups(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestRedactingLogger(&buf)

	logger.Info("cfg", slog.Group("wallet", slog.String("password", "hunter2"), slog.String("file", "key.json")))

	output := buf.String()
	if strings.Contains(output, "hunter2") {
		t.Errorf("password inside group should be redacted, got: %s", output)
	}
	if !strings.Contains(output, "key.json") {
		t.Errorf("non-sensitive group member should survive, got: %s", output)
	}
}

func TestRedact_EnableRedactionIdempotent(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var buf bytes.Buffer
	SetOutput(&buf)

	EnableRedaction()
	EnableRedaction()

	handler := Logger().Handler()
	rh, ok := handler.(*RedactingHandler)
	if !ok {
		t.Fatalf("expected RedactingHandler, got %T", handler)
	}
	if _, nested := rh.inner.(*RedactingHandler); nested {
		t.Error("EnableRedaction should not double-wrap")
	}

	Info("x", "password", "hunter2")
	if strings.Contains(buf.String(), "hunter2") {
		t.Errorf("global logger should redact after EnableRedaction: %s", buf.String())
	}
}

func TestRedact_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewRedactingLogger(slog.NewJSONHandler(&buf, nil)).With("password", "hunter2", "unit_id", 1)

	logger.Info("bound")

	output := buf.String()
	if strings.Contains(output, "hunter2") {
		t.Errorf("bound attrs should be redacted, got: %s", output)
	}
	if !strings.Contains(output, `"unit_id":1`) {
		t.Errorf("expected unit_id in output, got: %s", output)
	}
}
