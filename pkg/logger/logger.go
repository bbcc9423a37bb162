// Package logger provides the leveled logger shared by the proxy packages.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Fields is an alias so callers do not need to import logrus directly.
type Fields = logrus.Fields

type Logger struct {
	base *logrus.Logger
}

var Default = New()

func New() *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
	})
	l.SetLevel(logrus.InfoLevel)
	return &Logger{base: l}
}

// SetLevel parses a level name ("debug", "info", ...) and applies it.
func (l *Logger) SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	l.base.SetLevel(lvl)
	return nil
}

// IsDebug reports whether debug lines are emitted.
func (l *Logger) IsDebug() bool {
	return l.base.IsLevelEnabled(logrus.DebugLevel)
}

func (l *Logger) Info(format string, v ...any) {
	l.base.Infof(format, v...)
}

func (l *Logger) Warn(format string, v ...any) {
	l.base.Warnf(format, v...)
}

func (l *Logger) Error(format string, v ...any) {
	l.base.Errorf(format, v...)
}

func (l *Logger) Debug(format string, v ...any) {
	l.base.Debugf(format, v...)
}

// WithField returns an entry that carries key=value on every line.
func (l *Logger) WithField(key string, value any) *logrus.Entry {
	return l.base.WithField(key, value)
}

func (l *Logger) WithFields(fields Fields) *logrus.Entry {
	return l.base.WithFields(fields)
}

func SetLevel(level string) error {
	return Default.SetLevel(level)
}

func Info(format string, v ...any) {
	Default.Info(format, v...)
}

func Warn(format string, v ...any) {
	Default.Warn(format, v...)
}

func Error(format string, v ...any) {
	Default.Error(format, v...)
}

func Debug(format string, v ...any) {
	Default.Debug(format, v...)
}

func WithField(key string, value any) *logrus.Entry {
	return Default.WithField(key, value)
}

func WithFields(fields Fields) *logrus.Entry {
	return Default.WithFields(fields)
}
