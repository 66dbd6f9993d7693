// Package logging builds the process logger and adapts it for pion components.
package logging

import (
	"fmt"
	"strings"

	"github.com/pion/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the zap preset and level.
type Config struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
	Encoding    string `mapstructure:"encoding" yaml:"encoding"`
}

// New builds a logger from cfg and installs it as the zap global so
// components falling back to zap.L() share it.
func New(cfg Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	if cfg.Level != "" {
		lvl, err := zap.ParseAtomicLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = lvl
	}
	if cfg.Encoding != "" {
		zc.Encoding = cfg.Encoding
	}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// Or returns l, or the named global logger when l is nil.
func Or(l *zap.Logger, name string) *zap.Logger {
	if l != nil {
		return l.Named(name)
	}
	return zap.L().Named(name)
}

// PionFactory adapts a zap logger to pion's LoggerFactory.
func PionFactory(l *zap.Logger) logging.LoggerFactory {
	if l == nil {
		l = zap.L()
	}
	return &pionFactory{base: l.Named("pion")}
}

type pionFactory struct {
	base *zap.Logger
}

func (f *pionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{s: f.base.Named(scope).Sugar()}
}

// pionLogger maps pion's trace level onto zap debug.
type pionLogger struct {
	s *zap.SugaredLogger
}

func (p *pionLogger) Trace(msg string)                          { p.s.Debug(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) { p.s.Debugf(format, args...) }
func (p *pionLogger) Debug(msg string)                          { p.s.Debug(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) { p.s.Debugf(format, args...) }
func (p *pionLogger) Info(msg string)                           { p.s.Info(msg) }
func (p *pionLogger) Infof(format string, args ...interface{})  { p.s.Infof(format, args...) }
func (p *pionLogger) Warn(msg string)                           { p.s.Warn(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{})  { p.s.Warnf(format, args...) }
func (p *pionLogger) Error(msg string)                          { p.s.Error(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) { p.s.Errorf(format, args...) }
