// Package logging provides the shared structured logger used across the
// lock manager, the write-ahead log, and the recovery manager.
package logging

import "go.uber.org/zap"

var log = newDefault()

func newDefault() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}

// L returns the package-level logger.
func L() *zap.SugaredLogger {
	return log
}

// SetLogger overrides the package-level logger. Tests typically install
// zaptest or a no-op logger here.
func SetLogger(l *zap.SugaredLogger) {
	if l == nil {
		return
	}
	log = l
}
