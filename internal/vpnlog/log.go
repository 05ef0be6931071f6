// Package vpnlog is the process-wide structured logger, rotated to disk.
package vpnlog

import (
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// L is the process-wide logger. It is safe to read concurrently; it is only
// ever reassigned by Configure, which callers serialize themselves (config
// reload happens on the main loop thread, never from a signal handler).
var L = zap.NewNop()

var mu sync.Mutex

// Options controls where and how verbosely the logger writes.
type Options struct {
	Path    string // empty means stdout only
	Level   string // debug, info, warn, error
	MaxSize int    // megabytes, lumberjack MaxSize
	Console bool   // also mirror to stdout
}

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

// Configure (re)builds L from Options. The daemon calls it once at startup;
// a soft restart that rereads the config file does not call it again.
func Configure(o Options) {
	mu.Lock()
	defer mu.Unlock()

	lvl, ok := levelMap[o.Level]
	if !ok {
		lvl = zapcore.InfoLevel
	}
	enabler := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= lvl })

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var cores []zapcore.Core
	if o.Path != "" {
		hook := &lumberjack.Logger{
			Filename:   o.Path,
			MaxSize:    maxOr(o.MaxSize, 64),
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(hook), enabler))
	}
	if o.Console || o.Path == "" {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(zapcore.AddSync(stdoutSink{})), enabler))
	}

	L = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

func maxOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// Sync flushes buffered log entries. Errors are expected (and ignored) when
// the sink is a console that doesn't support fsync.
func Sync() { _ = L.Sync() }
