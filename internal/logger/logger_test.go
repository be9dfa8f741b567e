package logger

import (
	"testing"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-tenantlock/internal/config"
)

func TestNewLevels(t *testing.T) {
	cases := map[string]bool{"debug": true, "info": false, "bogus": false}
	for level, debug := range cases {
		cfg := &config.Config{Logger: config.Logger{Level: level}}
		l, err := New(cfg)
		if err != nil {
			t.Fatalf("new %s: %v", level, err)
		}
		if got := l.Core().Enabled(zap.DebugLevel); got != debug {
			t.Fatalf("level %s: debug enabled = %v, want %v", level, got, debug)
		}
		if !l.Core().Enabled(zap.InfoLevel) {
			t.Fatalf("level %s: info should be enabled", level)
		}
	}
}
