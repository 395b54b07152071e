package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewHonoursLevel(t *testing.T) {
	log, err := New("WARN")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if log.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info must be disabled at warn level")
	}
	if !log.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("error must be enabled at warn level")
	}
	if _, err := New("loud"); err == nil {
		t.Fatalf("expected unknown level to fail")
	}
}
