// Package logger builds the broker's zap logger.
package logger

import (
	"log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	config "github.com/yeepay/aigc-broker/config/utils"
)

// atomicLevel is logger log level invariant
var atomicLevel = zap.NewAtomicLevel()

// Build sets up the base logger: info and below on stdout, errors on stderr
func Build(config *config.Logger) *zap.Logger {
	t, err := zap.ParseAtomicLevel(config.Level)
	if err != nil {
		log.Fatalf("Couldn't parse initial atomic level at logger build: %v", err)
	}
	atomicLevel.SetLevel(t.Level())

	encoder := zapcore.NewJSONEncoder(config.EncoderConfig)
	if config.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(config.EncoderConfig)
	}

	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})

	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return atomicLevel.Enabled(lvl) && lvl < zapcore.ErrorLevel
	})

	infoCore := zapcore.NewCore(encoder, os.Stdout, lowPriority)
	errorCore := zapcore.NewCore(encoder, os.Stderr, highPriority)

	opts := []zap.Option{zap.AddCaller()}
	if !config.DisableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if config.Development {
		opts = append(opts, zap.Development())
	}

	logger := zap.New(zapcore.NewTee(infoCore, errorCore), opts...)
	zap.ReplaceGlobals(logger)

	viper.OnConfigChange(func(in fsnotify.Event) {
		if in.Op&(fsnotify.Create) == 0 {
			SetLevel(viper.GetString("logger.level"))
		}
	})
	if viper.ConfigFileUsed() != "" {
		viper.WatchConfig()
	}
	return logger
}

// SetLevel changes logger level dynamically
func SetLevel(level string) {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		zap.L().Error("Couldn't parse level", zap.Error(err))
		return
	}
	if l == atomicLevel.Level() {
		return
	}
	zap.L().Info("Atomic level updated", zap.String("value", level))
	atomicLevel.SetLevel(l)
}
