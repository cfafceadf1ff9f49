package observability

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func captureOutput(f func()) string {
	var buf bytes.Buffer
	oldOutput := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(oldOutput)

	f()

	return buf.String()
}

func TestLogger_LogLevels(t *testing.T) {
	output := captureOutput(func() {
		logger := NewStandardLogger("test-service").(*StandardLogger).WithLevel(LogLevelDebug)

		logger.Debug("Debug message", map[string]interface{}{"key": "value"})
		logger.Info("Info message", map[string]interface{}{"key": "value"})
		logger.Warn("Warn message", map[string]interface{}{"key": "value"})
	})

	if !strings.Contains(output, "Debug message") {
		t.Error("expected debug message in output")
	}
	if !strings.Contains(output, "Info message") {
		t.Error("expected info message in output")
	}
	if !strings.Contains(output, "Warn message") {
		t.Error("expected warn message in output")
	}
}

func TestLogger_MinimumLevel(t *testing.T) {
	output := captureOutput(func() {
		logger := NewStandardLogger("test-service").(*StandardLogger).WithLevel(LogLevelInfo)

		logger.Debug("Debug message", nil)
		logger.Info("Info message", nil)
	})

	if strings.Contains(output, "Debug message") {
		t.Error("did not expect debug message when minimum level is info")
	}
	if !strings.Contains(output, "Info message") {
		t.Error("expected info message in output")
	}
}

func TestLogger_WithPrefix(t *testing.T) {
	output := captureOutput(func() {
		logger := NewStandardLogger("parent-service")
		prefixedLogger := logger.WithPrefix("child")

		prefixedLogger.Info("Prefixed message", nil)
	})

	if !strings.Contains(output, "Prefixed message") {
		t.Error("expected message in output")
	}
	if !strings.Contains(output, "child") {
		t.Error("expected prefix 'child' in output")
	}
}

func TestLogger_With(t *testing.T) {
	output := captureOutput(func() {
		logger := NewStandardLogger("test-service").With(map[string]interface{}{"request_id": "abc"})
		logger.Info("message with base fields", map[string]interface{}{"extra": 1})
	})

	if !strings.Contains(output, "request_id=abc") {
		t.Error("expected base field request_id=abc in output")
	}
	if !strings.Contains(output, "extra=1") {
		t.Error("expected call-site field extra=1 in output")
	}
}

func TestLogger_StructuredData(t *testing.T) {
	output := captureOutput(func() {
		logger := NewStandardLogger("test-service")
		data := map[string]interface{}{
			"string": "value",
			"number": 42,
			"bool":   true,
		}
		logger.Info("Message with data", data)
	})

	if !strings.Contains(output, "Message with data") {
		t.Error("expected message in output")
	}
	if !strings.Contains(output, "string=value") {
		t.Error("expected string=value in output")
	}
	if !strings.Contains(output, "number=42") {
		t.Error("expected number=42 in output")
	}
	if !strings.Contains(output, "bool=true") {
		t.Error("expected bool=true in output")
	}
}

func TestLogger_NoopLogger(t *testing.T) {
	var buf bytes.Buffer
	oldOutput := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(oldOutput)

	logger := NewNoopLogger()

	logger.Debug("Debug message", map[string]interface{}{"key": "value"})
	logger.Info("Info message", map[string]interface{}{"key": "value"})
	logger.Warn("Warn message", map[string]interface{}{"key": "value"})
	logger.Error("Error message", map[string]interface{}{"key": "value"})

	prefixedLogger := logger.WithPrefix("prefix")
	prefixedLogger.Info("Prefixed message", nil)

	if buf.String() != "" {
		t.Errorf("expected no output from NoopLogger, got: %s", buf.String())
	}
}
