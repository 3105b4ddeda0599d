package orchestrator

import "go.uber.org/zap"

// ZapLogger adapts a *zap.SugaredLogger to the Logger interface. It is the
// default logger wired by cmd/voiceagentd; tests and embedders that don't
// care about log output can keep using NoOpLogger.
type ZapLogger struct {
	s *zap.SugaredLogger
}

func NewZapLogger(l *zap.Logger) *ZapLogger {
	return &ZapLogger{s: l.Sugar()}
}

// NewProductionLogger builds the zap logger used by the server entrypoint:
// JSON output, info level, with caller and stacktrace-on-error enabled.
func NewProductionLogger() (*ZapLogger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return NewZapLogger(l), nil
}

func (z *ZapLogger) Debug(msg string, args ...interface{}) { z.s.Debugw(msg, args...) }
func (z *ZapLogger) Info(msg string, args ...interface{})  { z.s.Infow(msg, args...) }
func (z *ZapLogger) Warn(msg string, args ...interface{})  { z.s.Warnw(msg, args...) }
func (z *ZapLogger) Error(msg string, args ...interface{}) { z.s.Errorw(msg, args...) }

func (z *ZapLogger) Sync() error { return z.s.Sync() }
