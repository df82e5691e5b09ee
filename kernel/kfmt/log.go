// Package kfmt provides the kernel logging facade and the panic routine used
// when an allocator detects a corrupted invariant.
package kfmt

import (
	"io"

	"github.com/sirupsen/logrus"
)

var (
	// earlyPrintBuffer is a ring buffer that stores log output until an
	// output sink is attached via SetOutputSink.
	earlyPrintBuffer ringBuffer

	logger = newLogger()
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(&earlyPrintBuffer)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	})
	return l
}

// SetOutputSink sets the default target for kernel log output to w and
// copies any data accumulated in the earlyPrintBuffer to it. Passing a nil
// writer redirects output back to an emptied early print buffer.
func SetOutputSink(w io.Writer) {
	if w == nil {
		earlyPrintBuffer.Reset()
		logger.SetOutput(&earlyPrintBuffer)
		return
	}

	_, _ = io.Copy(w, &earlyPrintBuffer)
	logger.SetOutput(w)
}

// SetLevel sets the minimum level of the messages that reach the sink.
func SetLevel(level logrus.Level) {
	logger.SetLevel(level)
}

// SetFormatter replaces the formatter used for kernel log entries.
func SetFormatter(formatter logrus.Formatter) {
	logger.SetFormatter(formatter)
}

// Logger returns a log entry tagged with the name of the kernel module that
// emits it.
func Logger(module string) *logrus.Entry {
	return logger.WithField("module", module)
}

// Printf logs an informational message that does not belong to a particular
// module.
func Printf(format string, args ...interface{}) {
	logger.Infof(format, args...)
}
