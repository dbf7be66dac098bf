// Package logw is the replicator's log: catalog messages written to a
// rotating file and mirrored to stderr.
package logw

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/p4dti/p4dti/internal/catalog"
)

// Logger writes catalog messages to its sinks. A failing file sink
// triggers the fallback at most once; subsequent failures are swallowed
// so a full disk cannot cause a mail storm.
type Logger struct {
	mu       sync.Mutex
	std      *log.Logger
	file     io.WriteCloser
	fallback func(err error)
	failed   bool
	min      catalog.Severity
}

// Options configures a Logger.
type Options struct {
	Path         string
	MaxMegabytes int
	MaxBackups   int
	Min          catalog.Severity // messages below this severity are dropped
	Fallback     func(err error)  // invoked once on the first file-sink failure
}

// New opens the rotating log file and returns a Logger mirroring to stderr.
func New(opts Options) *Logger {
	l := &Logger{
		min:      opts.Min,
		fallback: opts.Fallback,
	}
	if opts.Path != "" {
		l.file = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxMegabytes,
			MaxBackups: opts.MaxBackups,
		}
	}
	l.std = log.New(os.Stderr, "", log.LstdFlags)
	return l
}

// Log writes one catalog message to all sinks.
func (l *Logger) Log(m catalog.Message) {
	if m.Severity < l.min {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	line := m.String()
	l.std.Print(line)
	if l.file == nil {
		return
	}
	if _, err := fmt.Fprintln(l.file, line); err != nil {
		if !l.failed && l.fallback != nil {
			l.fallback(err)
		}
		l.failed = true
	}
}

// Infof is a convenience for free-form progress lines that have no
// catalog entry (command output, tallies).
func (l *Logger) Infof(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf(format, args...)
	l.std.Print(line)
	if l.file != nil {
		_, _ = fmt.Fprintln(l.file, line)
	}
}

// Close releases the file sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
