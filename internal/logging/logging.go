// Package logging builds the process logger. Console output always goes to
// stderr so the MCP stdio transport on stdout stays clean.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds a zap logger from level/format settings. When dir is non-empty
// a JSON core writing through a size-capped rotator is added alongside the
// stderr console core.
func New(level, format, dir string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.Set(strings.ToLower(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var consoleEnc zapcore.Encoder
	switch strings.ToLower(format) {
	case "json":
		consoleEnc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	default:
		consoleEnc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), zapLevel),
	}
	if dir != "" {
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(dir, "meshbridge.log"),
			MaxSize:    10, // megabytes
			MaxBackups: 5,
		}
		fileEnc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEnc, zapcore.AddSync(rotator), zapLevel))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}
