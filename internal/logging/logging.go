// Package logging provides the leveled logger used across tcpflow.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the small leveled interface every component logs through.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Options select the console level and an optional log file.
type Options struct {
	Level    string
	FilePath string
	// FileLevel defaults to Level.
	FileLevel string
}

// ParseLevel maps DEBUG/INFO/WARN/ERROR names onto zap levels.
func ParseLevel(s string, def zapcore.Level) zapcore.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zap.DebugLevel
	case "INFO":
		return zap.InfoLevel
	case "WARN", "WARNING":
		return zap.WarnLevel
	case "ERROR":
		return zap.ErrorLevel
	default:
		return def
	}
}

// LevelForDebug converts the numeric -d debug level into a level name.
func LevelForDebug(debug int, quiet bool) string {
	switch {
	case quiet:
		return "ERROR"
	case debug >= 10:
		return "DEBUG"
	case debug >= 1:
		return "INFO"
	default:
		return "WARN"
	}
}

// New builds a zap-backed Logger writing to stderr, plus the file from opts if set.
// The returned close function syncs and releases the file.
func New(opts Options) (*zap.SugaredLogger, func(), error) {
	consoleLevel := ParseLevel(opts.Level, zap.InfoLevel)

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encCfg.EncodeCaller = nil
	encCfg.CallerKey = ""

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), consoleLevel),
	}

	var f *os.File
	if strings.TrimSpace(opts.FilePath) != "" {
		var err error
		f, err = os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		fileLevel := ParseLevel(opts.FileLevel, consoleLevel)
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(f), fileLevel))
	}

	l := zap.New(zapcore.NewTee(cores...))
	closeFn := func() {
		_ = l.Sync()
		if f != nil {
			_ = f.Close()
		}
	}
	return l.Sugar(), closeFn, nil
}

// Nop returns a Logger that discards everything.
func Nop() Logger { return zap.NewNop().Sugar() }
