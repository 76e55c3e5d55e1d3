// Package log provides centralized logging functionality using zap logger.
package log

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"meterlink/internal/config"
)

var log *zap.SugaredLogger

// Init initializes the package-level logger. When cfg.File is set, entries
// are also written to a size-rotated file.
func Init(cfg config.Log) error {
	var zapLogger *zap.Logger
	var err error

	if cfg.File == "" {
		if cfg.Debug {
			zapLogger, err = zap.NewDevelopment()
		} else {
			zapLogger, err = zap.NewProduction()
		}
		if err != nil {
			return fmt.Errorf("can't initialize zap logger: %v", err)
		}
	} else {
		zapLogger = newTeeLogger(cfg)
	}

	log = zapLogger.Sugar()
	return nil
}

func newTeeLogger(cfg config.Log) *zap.Logger {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	encCfg := zap.NewProductionEncoderConfig()
	consoleEnc := zapcore.NewJSONEncoder(encCfg)
	if cfg.Debug {
		level.SetLevel(zap.DebugLevel)
		encCfg = zap.NewDevelopmentEncoderConfig()
		consoleEnc = zapcore.NewConsoleEncoder(encCfg)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
	core := zapcore.NewTee(
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stdout), level),
		zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(rotator), level),
	)
	return zap.New(core, zap.AddCaller())
}

// GetSugaredLogger returns the sugared logger instance
func GetSugaredLogger() *zap.SugaredLogger {
	if log == nil {
		// Fallback logger if not initialized
		l, _ := zap.NewProduction()
		log = l.Sugar()
	}
	return log
}

// Named returns a child logger for one component.
func Named(name string) *zap.SugaredLogger {
	return GetSugaredLogger().Named(name)
}

// Sync flushes any buffered log entries
func Sync() {
	if log != nil {
		_ = log.Sync()
	}
}

// Infof, Warnf, Errorf and Fatalf log through the package logger; the
// command-line tools use them in place of the standard log package.
func Infof(template string, args ...interface{}) {
	GetSugaredLogger().Infof(template, args...)
}

func Warnf(template string, args ...interface{}) {
	GetSugaredLogger().Warnf(template, args...)
}

func Errorf(template string, args ...interface{}) {
	GetSugaredLogger().Errorf(template, args...)
}

// Fatalf logs and exits with status 1.
func Fatalf(template string, args ...interface{}) {
	GetSugaredLogger().Fatalf(template, args...)
}
