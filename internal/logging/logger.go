// Package logging provides the leveled logger used by the pipeline steps.
package logging

import (
	"io"
	"log"
	"os"
	"sync"
)

// Logger writes info/warning/error lines through separate log.Loggers
type Logger struct {
	infoLog    *log.Logger
	warningLog *log.Logger
	errorLog   *log.Logger
	mu         sync.Mutex
}

// New creates a Logger writing info and warnings to out and errors to errOut
func New(out, errOut io.Writer) *Logger {
	flags := log.Ldate | log.Ltime
	return &Logger{
		infoLog:    log.New(out, "INFO    ", flags),
		warningLog: log.New(out, "WARNING ", flags),
		errorLog:   log.New(errOut, "ERROR   ", flags),
	}
}

// Default logs to stdout/stderr
func Default() *Logger {
	return New(os.Stdout, os.Stderr)
}

// WithFile additionally appends every line to the file at path
func WithFile(path string) (*Logger, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return New(io.MultiWriter(os.Stdout, f), io.MultiWriter(os.Stderr, f)), f, nil
}

// Discard drops everything
func Discard() *Logger {
	return New(io.Discard, io.Discard)
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infoLog.Printf(format, v...)
}

func (l *Logger) Warning(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warningLog.Printf(format, v...)
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errorLog.Printf(format, v...)
}
