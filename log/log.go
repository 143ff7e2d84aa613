// Package log provides console logging to chatmesh modules on top of zap.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// mainLoggerName is the name of the global logger.
const mainLoggerName = "00000.defaultLogger"

// where logs go by default.
var logWriter io.Writer = os.Stdout

// AppLog is the local app singleton logger.
var AppLog Log

func init() {
	AppLog = NewWithLevel(mainLoggerName, zap.NewAtomicLevelAt(zapcore.InfoLevel))
}

// NewNop creates silent logger.
func NewNop() Log {
	return NewFromLog(zap.NewNop())
}

// NewDefault creates a console logger at info level with the given module name.
func NewDefault(module string) Log {
	return NewWithLevel(module, zap.NewAtomicLevelAt(zapcore.InfoLevel))
}

// NewWithLevel creates a logger with a fixed level and with a set of (optional) hooks.
func NewWithLevel(module string, level zap.AtomicLevel, hooks ...func(zapcore.Entry) error) Log {
	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	core := zapcore.NewCore(encoder, zapcore.AddSync(logWriter), level)
	log := zap.New(zapcore.RegisterHooks(core, hooks...)).Named(module)
	return NewFromLog(log)
}

// NewFromLog creates a Log from an existing zap-compatible log.
func NewFromLog(l *zap.Logger) Log {
	return Log{logger: l, sugar: l.Sugar()}
}
