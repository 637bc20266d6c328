package logx

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestConfigureLevels(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":  zerolog.DebugLevel,
		"INFO":   zerolog.InfoLevel,
		" warn ": zerolog.WarnLevel,
		"error":  zerolog.ErrorLevel,
		"bogus":  zerolog.InfoLevel,
		"":       zerolog.InfoLevel,
	}
	for in, want := range cases {
		Configure(in)
		if got := zerolog.GlobalLevel(); got != want {
			t.Fatalf("Configure(%q) = %v, want %v", in, got, want)
		}
	}
	Configure("info")
}
