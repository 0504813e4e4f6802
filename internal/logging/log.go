// Package logging provides leveled logging for labelmerge, optionally
// written to a rotating log file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
)

type ModeFlag uint

const (
	DebugMode ModeFlag = iota
	InfoMode
	WarningMode
	ErrorMode
	CriticalMode
	SilentMode
)

// Logger provides a way for the application to log messages at different severities.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Criticalf(format string, args ...interface{})

	// Shutdown makes sure logs are closed.
	Shutdown()
}

var (
	mu     sync.RWMutex
	mode   = InfoMode
	logger = &stdLogger{out: log.New(os.Stderr, "", log.LstdFlags)}
)

// LogConfig selects a rotating log file. An empty Logfile keeps logging on stderr.
type LogConfig struct {
	Logfile string `yaml:"logfile" toml:"logfile"`
	MaxSize int    `yaml:"maxSize" toml:"maxSize"`
	MaxAge  int    `yaml:"maxAge" toml:"maxAge"`
}

// SetLogger creates a logger that saves to a rotating log file.
func (c *LogConfig) SetLogger() {
	if c == nil || c.Logfile == "" {
		Debugf("Sending log messages to stderr since no log file specified.")
		return
	}
	l := &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize, // megabytes
		MaxAge:   c.MaxAge,  // days
	}
	mu.Lock()
	defer mu.Unlock()
	if logger.closer == nil {
		logger.prev = logger.out
	} else {
		logger.closer.Close()
	}
	logger.out = log.New(l, "", log.LstdFlags)
	logger.closer = l
}

// SetOutput redirects log output, e.g. to a buffer in tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger.out = log.New(w, "", log.LstdFlags)
}

// SetLogMode sets the severity required for a log message to be printed.
// SetLogMode(WarningMode) will log any calls using Warningf, Errorf, or Criticalf.
func SetLogMode(newMode ModeFlag) {
	mu.Lock()
	mode = newMode
	mu.Unlock()
}

// SetVerbose switches between debug and info logging.
func SetVerbose(verbose bool) {
	if verbose {
		SetLogMode(DebugMode)
	} else {
		SetLogMode(InfoMode)
	}
}

func enabled(m ModeFlag) bool {
	mu.RLock()
	defer mu.RUnlock()
	return mode <= m
}

func Debugf(format string, args ...interface{}) {
	if enabled(DebugMode) {
		logger.Debugf(format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if enabled(InfoMode) {
		logger.Infof(format, args...)
	}
}

func Warningf(format string, args ...interface{}) {
	if enabled(WarningMode) {
		logger.Warningf(format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if enabled(ErrorMode) {
		logger.Errorf(format, args...)
	}
}

func Criticalf(format string, args ...interface{}) {
	if enabled(CriticalMode) {
		logger.Criticalf(format, args...)
	}
}

// Shutdown closes the log file, if one is open, and sends later messages to
// where they went before the file was set.
func Shutdown() {
	logger.Shutdown()
}

// Default returns the package-level logger with level gating applied.
func Default() Logger {
	return gated{}
}

type gated struct{}

func (gated) Debugf(format string, args ...interface{})    { Debugf(format, args...) }
func (gated) Infof(format string, args ...interface{})     { Infof(format, args...) }
func (gated) Warningf(format string, args ...interface{})  { Warningf(format, args...) }
func (gated) Errorf(format string, args ...interface{})    { Errorf(format, args...) }
func (gated) Criticalf(format string, args ...interface{}) { Criticalf(format, args...) }
func (gated) Shutdown()                                    { Shutdown() }

// TimeLog adds elapsed time to logging.
//
//	mylog := NewTimeLog()
//	...
//	mylog.Debugf("stuff happened")  // Appends elapsed time from NewTimeLog() to message.
type TimeLog struct {
	start time.Time
}

func NewTimeLog() TimeLog {
	return TimeLog{time.Now()}
}

func (t TimeLog) Debugf(format string, args ...interface{}) {
	Debugf(format+": %s", append(args, time.Since(t.start))...)
}

func (t TimeLog) Infof(format string, args ...interface{}) {
	Infof(format+": %s", append(args, time.Since(t.start))...)
}

func (t TimeLog) Warningf(format string, args ...interface{}) {
	Warningf(format+": %s", append(args, time.Since(t.start))...)
}

// --- Logger implementation ----

type stdLogger struct {
	out    *log.Logger
	closer io.Closer

	// prev is the output in use before a log file was set
	prev *log.Logger
}

func (s *stdLogger) printf(level, format string, args ...interface{}) {
	mu.RLock()
	out := s.out
	mu.RUnlock()
	out.Print(level + " " + fmt.Sprintf(format, args...))
}

func (s *stdLogger) Debugf(format string, args ...interface{}) {
	s.printf("DEBUG", format, args...)
}

func (s *stdLogger) Infof(format string, args ...interface{}) {
	s.printf("INFO", format, args...)
}

func (s *stdLogger) Warningf(format string, args ...interface{}) {
	s.printf("WARNING", format, args...)
}

func (s *stdLogger) Errorf(format string, args ...interface{}) {
	s.printf("ERROR", format, args...)
}

func (s *stdLogger) Criticalf(format string, args ...interface{}) {
	s.printf("CRITICAL", format, args...)
}

func (s *stdLogger) Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	if s.closer != nil {
		s.closer.Close()
		s.closer = nil
		s.out = s.prev
	}
}
