// Package logging is the structured logger used across the peering core.
// Every peering transition, reservation grant/release, and fatal-error path
// logs through the Fields builder so a PG's history can be reconstructed
// from log output alone.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var std = zap.NewNop()

// Init installs the process-wide logger built from cfg. Safe to call again
// after a config hot-reload (the onChange callback of config.NewLoader).
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Director != "" {
		if _, err := os.Stat(cfg.Director); os.IsNotExist(err) {
			if err := os.MkdirAll(cfg.Director, os.ModePerm); err != nil {
				return err
			}
		}
	}

	l := zap.New(zapcore.NewTee(cfg.cores()...))
	if cfg.ShowLine {
		l = l.WithOptions(zap.AddCaller())
	}
	std = l
	return nil
}

func Sync() { _ = std.Sync() }

func Debug(msg string) *Fields { return newFields(zapcore.DebugLevel, msg) }
func Info(msg string) *Fields  { return newFields(zapcore.InfoLevel, msg) }
func Warn(msg string) *Fields  { return newFields(zapcore.WarnLevel, msg) }
func Error(msg string) *Fields { return newFields(zapcore.ErrorLevel, msg) }
func Panic(msg string) *Fields { return newFields(zapcore.PanicLevel, msg) }
func Fatal(msg string) *Fields { return newFields(zapcore.FatalLevel, msg) }

// Fields is a chained builder over a single log line, mirroring the
// teacher's log.Fields (log/log.go) but wired to the standard zap.Logger
// rather than a package-global that is never assigned.
type Fields struct {
	level  zapcore.Level
	msg    string
	fields []zapcore.Field
	skip   bool
}

func newFields(level zapcore.Level, msg string) *Fields {
	return &Fields{level: level, msg: msg, skip: !std.Core().Enabled(level)}
}

func (f *Fields) Str(key, val string) *Fields {
	if f.skip {
		return f
	}
	f.fields = append(f.fields, zap.String(key, val))
	return f
}

func (f *Fields) Int(key string, val int) *Fields {
	if f.skip {
		return f
	}
	f.fields = append(f.fields, zap.Int(key, val))
	return f
}

func (f *Fields) Uint64(key string, val uint64) *Fields {
	if f.skip {
		return f
	}
	f.fields = append(f.fields, zap.Uint64(key, val))
	return f
}

func (f *Fields) Err(err error) *Fields {
	if err == nil || f.skip {
		return f
	}
	f.fields = append(f.fields, zap.Error(err))
	return f
}

func (f *Fields) Bool(key string, val bool) *Fields {
	if f.skip {
		return f
	}
	f.fields = append(f.fields, zap.Bool(key, val))
	return f
}

func (f *Fields) Any(key string, val interface{}) *Fields {
	if f.skip {
		return f
	}
	f.fields = append(f.fields, zap.Any(key, val))
	return f
}

func (f *Fields) Record() {
	if f.skip {
		return
	}
	switch f.level {
	case zapcore.DebugLevel:
		std.Debug(f.msg, f.fields...)
	case zapcore.InfoLevel:
		std.Info(f.msg, f.fields...)
	case zapcore.WarnLevel:
		std.Warn(f.msg, f.fields...)
	case zapcore.ErrorLevel:
		std.Error(f.msg, f.fields...)
	case zapcore.PanicLevel:
		std.Panic(f.msg, f.fields...)
	case zapcore.FatalLevel:
		std.Fatal(f.msg, f.fields...)
	}
}
