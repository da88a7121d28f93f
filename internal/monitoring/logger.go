// Package monitoring holds the process-wide diagnostic logger.
package monitoring

import (
	"log"
	"sync/atomic"
)

// LogFunc is a printf-style logger.
type LogFunc func(format string, v ...interface{})

var logger atomic.Pointer[LogFunc]

func init() {
	f := LogFunc(log.Printf)
	logger.Store(&f)
}

// Logf writes through the current logger. It defaults to log.Printf.
func Logf(format string, v ...interface{}) {
	(*logger.Load())(format, v...)
}

// SetLogger replaces the logger and returns the previous one. Passing nil
// installs a no-op logger. Safe to call while other goroutines log.
func SetLogger(f LogFunc) LogFunc {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	return *logger.Swap(&f)
}

// Component returns a logger that prefixes every message with "[name] ".
func Component(name string) LogFunc {
	prefix := "[" + name + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
