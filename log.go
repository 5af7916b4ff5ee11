package blehost

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the logging seam used by every package in this module.
// The default implementation is backed by logrus.
type Logger interface {
	Debug(...interface{})
	Info(...interface{})
	Warn(...interface{})
	Error(...interface{})

	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})

	ChildLogger(tags map[string]interface{}) Logger
}

var (
	logMu     sync.Mutex
	pkgLogger Logger
)

// SetLogger replaces the package logger.
func SetLogger(l Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	pkgLogger = l
}

// GetLogger returns the package logger, building the logrus-backed
// default on first use.
func GetLogger() Logger {
	logMu.Lock()
	defer logMu.Unlock()

	if pkgLogger == nil {
		pkgLogger = newDefaultLogger(logrus.InfoLevel)
	}
	return pkgLogger
}

// SetLogLevelMax turns the default logger all the way up. Handy when
// chasing notification routing problems.
func SetLogLevelMax() {
	if lg, ok := GetLogger().(*defaultLogger); ok {
		lg.Entry.Logger.SetLevel(logrus.TraceLevel)
		return
	}
	GetLogger().Warn("non-default logger, can't set level")
}

type defaultLogger struct {
	*logrus.Entry
}

func newDefaultLogger(level logrus.Level) Logger {
	l := &logrus.Logger{
		Out:       os.Stderr,
		Level:     level,
		Formatter: &logrus.TextFormatter{DisableTimestamp: true},
		Hooks:     make(logrus.LevelHooks),
	}
	return &defaultLogger{Entry: l.WithFields(map[string]interface{}{})}
}

func (d *defaultLogger) ChildLogger(tags map[string]interface{}) Logger {
	return &defaultLogger{d.Entry.WithFields(tags)}
}
