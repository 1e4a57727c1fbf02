package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/streamvault/entitlements/internal/config"
)

type Options struct {
	Level  string
	Dev    bool
	File   string
	MaxAge time.Duration
}

// OptionsFromConfig picks the logging fields out of the service config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{Level: cfg.LogLevel, Dev: cfg.LogDev, File: cfg.LogFile, MaxAge: cfg.LogMaxAge}
}

func levelFromString(l string) zapcore.Level {
	switch l {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds the process logger. In dev mode it uses zap's console
// development config; otherwise JSON to stdout, teed to a daily-rotated
// file when opts.File is set.
func New(opts Options) (*zap.Logger, error) {
	lvl := levelFromString(opts.Level)
	if opts.Dev {
		c := zap.NewDevelopmentConfig()
		c.Level = zap.NewAtomicLevelAt(lvl)
		return c.Build()
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(encoderCfg)

	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), lvl)}
	if opts.File != "" {
		w, err := rotatingWriter(opts.File, opts.MaxAge)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(w), lvl))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func rotatingWriter(path string, maxAge time.Duration) (*rotatelogs.RotateLogs, error) {
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	ext := filepath.Ext(path)
	pattern := path[:len(path)-len(ext)] + ".%Y%m%d" + ext
	w, err := rotatelogs.New(pattern,
		rotatelogs.WithLinkName(path),
		rotatelogs.WithMaxAge(maxAge),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return w, nil
}

// Nop returns a logger that discards everything; handlers and services
// fall back to it when constructed with a nil logger.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
