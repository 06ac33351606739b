package log

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// PrefixLogger wraps a logrus logger and prepends a fixed subsystem
// prefix to every message so interleaved daemon logs stay attributable.
type PrefixLogger struct {
	logger *logrus.Logger
	prefix string
}

func NewPrefixLogger(prefix string) *PrefixLogger {
	return &PrefixLogger{
		logger: InitLogs(),
		prefix: prefix,
	}
}

// NewPrefixLoggerFrom shares an existing logger instead of creating one,
// so all subsystems honor the same level and output settings.
func NewPrefixLoggerFrom(logger *logrus.Logger, prefix string) *PrefixLogger {
	return &PrefixLogger{
		logger: logger,
		prefix: prefix,
	}
}

func (p *PrefixLogger) Prefix() string {
	return p.prefix
}

func (p *PrefixLogger) SetLevel(level logrus.Level) {
	p.logger.SetLevel(level)
}

func (p *PrefixLogger) Level() logrus.Level {
	return p.logger.GetLevel()
}

func (p *PrefixLogger) format(args ...interface{}) string {
	msg := fmt.Sprint(args...)
	if p.prefix == "" {
		return msg
	}
	return fmt.Sprintf("[%s] %s", p.prefix, msg)
}

func (p *PrefixLogger) formatf(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if p.prefix == "" {
		return msg
	}
	return fmt.Sprintf("[%s] %s", p.prefix, msg)
}

func (p *PrefixLogger) Debug(args ...interface{}) { p.logger.Debug(p.format(args...)) }
func (p *PrefixLogger) Info(args ...interface{})  { p.logger.Info(p.format(args...)) }
func (p *PrefixLogger) Warn(args ...interface{})  { p.logger.Warn(p.format(args...)) }
func (p *PrefixLogger) Error(args ...interface{}) { p.logger.Error(p.format(args...)) }
func (p *PrefixLogger) Fatal(args ...interface{}) { p.logger.Fatal(p.format(args...)) }

func (p *PrefixLogger) Debugf(format string, args ...interface{}) {
	p.logger.Debug(p.formatf(format, args...))
}

func (p *PrefixLogger) Infof(format string, args ...interface{}) {
	p.logger.Info(p.formatf(format, args...))
}

func (p *PrefixLogger) Warnf(format string, args ...interface{}) {
	p.logger.Warn(p.formatf(format, args...))
}

func (p *PrefixLogger) Errorf(format string, args ...interface{}) {
	p.logger.Error(p.formatf(format, args...))
}

func (p *PrefixLogger) Fatalf(format string, args ...interface{}) {
	p.logger.Fatal(p.formatf(format, args...))
}
