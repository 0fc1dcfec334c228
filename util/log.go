// Package util holds process-wide setup shared by the commands.
package util

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevelEnv names the environment variable holding the log level
// ("debug", "info", ...). Unset means info.
const LogLevelEnv = "WGTREE_LOG_LEVEL"

// SetupLog replaces zap's global logger with a development logger writing
// to stderr at the level from LogLevelEnv.
func SetupLog() {
	level := zapcore.InfoLevel
	if s := os.Getenv(LogLevelEnv); s != "" {
		if err := level.Set(s); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", LogLevelEnv, err)
			os.Exit(2)
		}
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = level > zapcore.DebugLevel
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}
