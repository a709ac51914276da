package logging

import (
	"bytes"
	"testing"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestStringToLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{in: "debug", want: zapcore.DebugLevel},
		{in: "INFO", want: zapcore.InfoLevel},
		{in: "error", want: zapcore.ErrorLevel},
		{in: "2", want: zapcore.Level(-2)},
		{in: "0", want: zapcore.InfoLevel, wantErr: true},
		{in: "loud", want: zapcore.InfoLevel, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := StringToLevel(tt.in, zapcore.InfoLevel)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevelFlagControlsVerbosity(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithWriter("test", FormatJSON, &buf)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	lfv := log.AddLevelFlag(fs)
	require.NoError(t, fs.Parse([]string{"-v=1"}))
	assert.True(t, lfv.Changed())

	log.V(1).Info("protocol traffic")
	log.V(2).Info("raw line")
	log.Flush()

	assert.Contains(t, buf.String(), "protocol traffic")
	assert.NotContains(t, buf.String(), "raw line")
}

func TestOrDiscard(t *testing.T) {
	t.Parallel()

	var zero logr.Logger
	assert.NotPanics(t, func() { OrDiscard(zero).Info("x") })
}
