package logging

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the structured logger. Field names mirror the teacher's
// zap wiring so it can be loaded straight out of a viper config tree.
type Config struct {
	Level         string `mapstructure:"level" yaml:"level"`
	Prefix        string `mapstructure:"prefix" yaml:"prefix"`
	Format        string `mapstructure:"format" yaml:"format"`
	Director      string `mapstructure:"director" yaml:"director"`
	EncodeLevel   string `mapstructure:"encode-level" yaml:"encode-level"`
	StacktraceKey string `mapstructure:"stacktrace-key" yaml:"stacktrace-key"`

	MaxAgeDays   int  `mapstructure:"max-age-days" yaml:"max-age-days"`
	ShowLine     bool `mapstructure:"show-line" yaml:"show-line"`
	LogInConsole bool `mapstructure:"log-in-console" yaml:"log-in-console"`
}

func DefaultConfig() *Config {
	return &Config{
		Level:         "info",
		Format:        "console",
		Director:      "logs",
		EncodeLevel:   "LowercaseColorLevelEncoder",
		StacktraceKey: "stacktrace",
		MaxAgeDays:    7,
		ShowLine:      true,
		LogInConsole:  true,
	}
}

func (c *Config) zapEncodeLevel() zapcore.LevelEncoder {
	switch c.EncodeLevel {
	case "LowercaseColorLevelEncoder":
		return zapcore.LowercaseColorLevelEncoder
	case "CapitalLevelEncoder":
		return zapcore.CapitalLevelEncoder
	case "CapitalColorLevelEncoder":
		return zapcore.CapitalColorLevelEncoder
	default:
		return zapcore.LowercaseLevelEncoder
	}
}

func (c *Config) level() zapcore.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "dpanic":
		return zapcore.DPanicLevel
	case "panic":
		return zapcore.PanicLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func (c *Config) encoder() zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "ts",
		NameKey:        "logger",
		CallerKey:      "caller",
		StacktraceKey:  c.StacktraceKey,
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    c.zapEncodeLevel(),
		EncodeTime:     c.timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if c.Format == "json" {
		return zapcore.NewJSONEncoder(ec)
	}
	return zapcore.NewConsoleEncoder(ec)
}

func (c *Config) timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(c.Prefix + t.Format("2006-01-02T15:04:05.000Z0700"))
}

func (c *Config) writeSyncer(levelName string) (zapcore.WriteSyncer, error) {
	fileWriter, err := rotatelogs.New(
		path.Join(c.Director, "%Y-%m-%d", levelName+".log"),
		rotatelogs.WithClock(rotatelogs.Local),
		rotatelogs.WithMaxAge(time.Duration(c.MaxAgeDays)*24*time.Hour),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		return nil, fmt.Errorf("logging: open rotating log %s: %w", levelName, err)
	}
	if c.LogInConsole {
		return zapcore.NewMultiWriteSyncer(zapcore.AddSync(os.Stdout), zapcore.AddSync(fileWriter)), nil
	}
	return zapcore.AddSync(fileWriter), nil
}

func (c *Config) cores() []zapcore.Core {
	var cores []zapcore.Core
	for lvl := c.level(); lvl <= zapcore.FatalLevel; lvl++ {
		lvl := lvl
		ws, err := c.writeSyncer(lvl.String())
		if err != nil {
			fmt.Fprintf(os.Stderr, "logging: %v\n", err)
			continue
		}
		enabler := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l == lvl })
		cores = append(cores, zapcore.NewCore(c.encoder(), ws, enabler))
	}
	return cores
}
