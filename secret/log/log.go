// Package log provides debug-only logging for the secret package. Logging
// is a no-op until a logger is installed with SetLogger.
package log

var logger Interface = noopLogger{}

// Interface is implemented by any logger usable with SetLogger.
type Interface interface {
	Debugf(format string, v ...interface{})
}

// SetLogger installs l as the package logger and enables debug logging.
func SetLogger(l Interface) {
	logger = l
}

// Debugf writes a debug line using the installed logger, if any.
func Debugf(format string, v ...interface{}) {
	if logger != nil {
		logger.Debugf(format, v...)
	}
}

// DebugEnabled reports whether a non-default logger has been installed.
func DebugEnabled() bool {
	switch logger.(type) {
	case noopLogger, nil:
		return false
	default:
		return true
	}
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
