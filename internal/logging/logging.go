// Package logging builds the zap loggers used across the worker.
package logging

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON production logger tagged with the replica id.
func New(level, replica string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "log level %q", level)
	}
	return config(lvl, replica).Build()
}

func config(lvl zapcore.Level, replica string) zap.Config {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.InitialFields = map[string]any{"replica": replica}
	return cfg
}

// Leveled adapts a zap logger to the key/value LeveledLogger interface used
// by go-retryablehttp.
type Leveled struct{ s *zap.SugaredLogger }

func NewLeveled(l *zap.Logger) *Leveled { return &Leveled{l.Sugar()} }

func (l *Leveled) Error(msg string, keysAndValues ...interface{}) { l.s.Errorw(msg, keysAndValues...) }
func (l *Leveled) Warn(msg string, keysAndValues ...interface{})  { l.s.Warnw(msg, keysAndValues...) }
// Info is demoted to debug: retryablehttp logs every request at info.
func (l *Leveled) Info(msg string, keysAndValues ...interface{})  { l.s.Debugw(msg, keysAndValues...) }
func (l *Leveled) Debug(msg string, keysAndValues ...interface{}) { l.s.Debugw(msg, keysAndValues...) }
