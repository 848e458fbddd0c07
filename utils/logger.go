package utils

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerMu sync.RWMutex
	logger   = zap.NewNop().Sugar()
)

// InitLogger настраивает глобальный логгер приложения
func InitLogger(level string, development bool) error {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("неверный уровень логирования %q: %v", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	built, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("ошибка инициализации логгера: %v", err)
	}

	loggerMu.Lock()
	logger = built.Sugar()
	loggerMu.Unlock()
	return nil
}

// Logger возвращает текущий логгер (no-op до вызова InitLogger)
func Logger() *zap.SugaredLogger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// SyncLogger сбрасывает буферы логгера
func SyncLogger() {
	_ = Logger().Sync()
}

// LogInfo логирует информационное сообщение
func LogInfo(format string, v ...interface{}) {
	Logger().Infof(format, v...)
}

// LogError логирует сообщение об ошибке
func LogError(format string, v ...interface{}) {
	Logger().Errorf(format, v...)
}

// LogDebug логирует отладочное сообщение
func LogDebug(format string, v ...interface{}) {
	Logger().Debugf(format, v...)
}

// LogWarn логирует предупреждение
func LogWarn(format string, v ...interface{}) {
	Logger().Warnf(format, v...)
}

// LogOperation логирует операцию с длительностью
func LogOperation(operation string, startTime time.Time, err error) {
	duration := time.Since(startTime)
	if err != nil {
		Logger().Errorw("operation failed", "operation", operation, "duration", duration, "error", err)
		return
	}
	Logger().Infow("operation completed", "operation", operation, "duration", duration)
}
