// Package logging builds the logr.Logger used throughout dap-gdb.
//
// The logger is backed by zap through zapr. Console output is human readable
// with ISO8601 timestamps; JSON output is meant for log collectors. Both are
// written to stderr so that stdout stays free for the DAP and MCP stdio
// transports.
package logging

import (
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	verbosityFlagName      = "verbosity"
	verbosityFlagShortName = "v"

	FormatConsole = "console"
	FormatJSON    = "json"
)

type Logger struct {
	logr.Logger
	atomicLevel zap.AtomicLevel
	flush       func()
}

// New creates a logger writing to stderr in the given format.
func New(name, format string) *Logger {
	return NewWithWriter(name, format, os.Stderr)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(name, format string, w io.Writer) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if format == FormatJSON {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	atomicLevel := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	zapLogger := zap.New(zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(w)), atomicLevel))

	return &Logger{
		Logger:      zapr.NewLogger(zapLogger).WithName(name),
		atomicLevel: atomicLevel,
		flush: func() {
			_ = zapLogger.Sync()
		},
	}
}

func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

// SetLevelString applies a level given as "debug", "info", "error" or a
// positive verbosity.
func (l *Logger) SetLevelString(value string) error {
	level, err := StringToLevel(value, zapcore.InfoLevel)
	if err != nil {
		return err
	}
	l.SetLevel(level)
	return nil
}

func (l *Logger) Level() zapcore.Level {
	return l.atomicLevel.Level()
}

func (l *Logger) Flush() {
	l.flush()
}

// AddLevelFlag registers -v/--verbosity on fs.
func (l *Logger) AddLevelFlag(fs *pflag.FlagSet) *LevelFlagValue {
	levelVal := NewLevelFlagValue(l.SetLevel)
	fs.VarP(levelVal, verbosityFlagName, verbosityFlagShortName, "Logging verbosity level (e.g. -v=debug). Can be one of 'debug', 'info', or 'error', or any positive integer. -v=1 logs protocol traffic, -v=2 raw lines.")
	return levelVal
}

// OrDiscard returns log, or a discarding logger when log has no sink.
func OrDiscard(log logr.Logger) logr.Logger {
	if log.GetSink() == nil {
		return logr.Discard()
	}
	return log
}
