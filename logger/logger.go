// Package logger owns the global structured logger for Loom.
//
// All components log through *zap.SugaredLogger instances derived from the
// global logger via Named(), so output shares one sink and one encoding.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global logger instance
	Logger *zap.SugaredLogger
	// JSONOutput tracks whether structured JSON output is enabled
	JSONOutput bool
)

func init() {
	// Safe no-op logger at package load time so early callers never panic
	// before Initialize() runs.
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger.
// jsonOutput selects machine-readable JSON; otherwise a human console encoder.
func Initialize(jsonOutput bool) error {
	JSONOutput = jsonOutput

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		zapLogger, err = config.Build()
		if err != nil {
			return err
		}
	} else {
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapLogger = zap.New(
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(encoderCfg),
				zapcore.AddSync(os.Stdout),
				zap.InfoLevel,
			),
		)
	}

	Logger = zapLogger.Sugar()
	return nil
}

// Named returns a child of the global logger with the given component name.
func Named(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// Sync flushes buffered log entries. Call during shutdown.
func Sync() {
	_ = Logger.Sync()
}
