package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the engine's logging surface. The default is a nop logger so
// embedding the engine stays silent unless the caller opts in.
type Logger = *zap.SugaredLogger

func Nop() Logger {
	return zap.NewNop().Sugar()
}

// Default builds a production console logger at info level, used by tools
// and tests that want visible output without wiring their own zap config.
func Default() Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg.Encoding = "console"
	l, err := cfg.Build()
	if err != nil {
		return Nop()
	}
	return l.Sugar()
}
