package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestZapLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"INFO":  zapcore.InfoLevel,
		"Warn":  zapcore.WarnLevel,
		"ERROR": zapcore.ErrorLevel,
		"bogus": zapcore.InfoLevel,
		"":      zapcore.InfoLevel,
		"FATAL": zapcore.FatalLevel,
	}
	for in, want := range cases {
		if got := zapLevel(Level(in)); got != want {
			t.Fatalf("level %q: got %v want %v", in, got, want)
		}
	}
}

func TestNewAndFor(t *testing.T) {
	l := New("DEBUG", "JSON")
	if !l.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug enabled")
	}
	if New("ERROR", "CONSOLE").Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info disabled at error level")
	}
	if For(nil, ComponentSession) == nil || For(l, ComponentSession) == nil {
		t.Fatalf("expected component loggers")
	}
}
