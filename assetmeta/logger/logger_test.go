package logger

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LogLevelDebug, false},
		{"INFO", LogLevelInfo, false},
		{"warning", LogLevelWarn, false},
		{"", LogLevelError, false},
		{"off", LogLevelSilent, false},
		{"chatty", LogLevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	prev := GetLogLevel()
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLogLevel(prev)
	})

	SetLogLevel(LogLevelWarn)
	Debug("hidden debug %d", 1)
	Info("hidden info")
	Warn("visible warn %s", "w")
	Error("visible error")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible warn w")
	assert.Contains(t, out, "visible error")

	buf.Reset()
	SetLogLevel(LogLevelSilent)
	Error("nothing")
	require.Empty(t, buf.String())
}
