// Package logging builds the process-wide zap logger: a console (or JSON,
// in production) encoder to stdout, tee'd with a daily-rotated file core
// per engine so the adapter's log.query command has something to read
// back.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	Level       string // debug, info, warn, error
	Development bool   // console encoder with color; false selects JSON
	EngineID    string // file core writes to <LogDir>/<EngineID>.log
	LogDir      string
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// New builds a *zap.Logger combining a console/JSON stdout core with a
// file core that appends to LogDir/EngineID.log, so log.query's
// today-file path resolution always has somewhere to read from.
func New(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	encCfg := consoleEncoderConfig()
	var consoleEncoder zapcore.Encoder
	if cfg.Development {
		consoleEncoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		jsonCfg := encCfg
		jsonCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		consoleEncoder = zapcore.NewJSONEncoder(jsonCfg)
	}
	consoleCore := zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), level)

	cores := []zapcore.Core{consoleCore}

	if cfg.LogDir != "" && cfg.EngineID != "" {
		fileCore, closeFn, err := newDailyFileCore(cfg.LogDir, cfg.EngineID, level)
		if err != nil {
			return nil, err
		}
		cores = append(cores, fileCore)
		_ = closeFn // file rotation below keeps the handle open for the process lifetime
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger, nil
}

// newDailyFileCore opens LogDir/EngineID.log for append, matching the
// path log.query's defaultLogPath resolves for "today". Renaming the file
// to EngineID.log.<date> is done by RotateIfNeeded; this core keeps writing
// through the handle it opens here and does not reopen the path after a
// rename.
func newDailyFileCore(logDir, engineID string, level zapcore.LevelEnabler) (zapcore.Core, func() error, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("logging: mkdir %s: %w", logDir, err)
	}
	path := filepath.Join(logDir, engineID+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: open %s: %w", path, err)
	}

	encCfg := consoleEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	fileEncoder := zapcore.NewConsoleEncoder(encCfg)
	core := zapcore.NewCore(fileEncoder, zapcore.AddSync(f), level)
	return core, f.Close, nil
}

// RotateIfNeeded renames LogDir/EngineID.log to
// LogDir/EngineID.log.<yesterday> when the calendar day has turned over,
// matching the file-per-day layout log.query expects for past dates.
// Intended to be called once at process start and from a daily timer.
func RotateIfNeeded(logDir, engineID string, now time.Time) error {
	current := filepath.Join(logDir, engineID+".log")
	info, err := os.Stat(current)
	if err != nil {
		return nil // nothing to rotate yet
	}
	if info.ModTime().Format("2006-01-02") == now.Format("2006-01-02") {
		return nil
	}
	rotated := current + "." + info.ModTime().Format("2006-01-02")
	return os.Rename(current, rotated)
}

// PruneOld deletes rotated LogDir/EngineID.log.<date> files older than
// keepDays. Called alongside RotateIfNeeded so the log directory holds a
// bounded window of history.
func PruneOld(logDir, engineID string, keepDays int, now time.Time) error {
	if keepDays <= 0 {
		return nil
	}
	cutoff := now.AddDate(0, 0, -keepDays)
	prefix := engineID + ".log."

	entries, err := os.ReadDir(logDir)
	if err != nil {
		return fmt.Errorf("logging: read dir %s: %w", logDir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		day, err := time.Parse("2006-01-02", name[len(prefix):])
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			if err := os.Remove(filepath.Join(logDir, name)); err != nil {
				return fmt.Errorf("logging: prune %s: %w", name, err)
			}
		}
	}
	return nil
}
