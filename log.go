package capture

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var packageLogger atomic.Value // logrus.FieldLogger

func init() {
	packageLogger.Store(logrus.FieldLogger(logrus.StandardLogger()))
}

// SetLogger replaces the logger used when a config carries none.
func SetLogger(l logrus.FieldLogger) {
	if l == nil {
		l = logrus.StandardLogger()
	}
	packageLogger.Store(l)
}

// Logger returns the package logger.
func Logger() logrus.FieldLogger {
	return packageLogger.Load().(logrus.FieldLogger)
}

func loggerOr(l logrus.FieldLogger) logrus.FieldLogger {
	if l != nil {
		return l
	}
	return Logger()
}
