package test

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger for tests. Output is discarded unless TEST_LOGS is
// set: 1 logs at info, 2 at debug and 3 at trace level.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// LogWriter collects log lines so tests can assert on them.
type LogWriter struct {
	mu   sync.Mutex
	logs []string
}

func (tl *LogWriter) Write(p []byte) (n int, err error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.logs = append(tl.logs, string(p))
	return len(p), nil
}

// Logs returns a copy of the collected lines.
func (tl *LogWriter) Logs() []string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]string(nil), tl.logs...)
}

// Contains reports whether any collected line contains s.
func (tl *LogWriter) Contains(s string) bool {
	for _, line := range tl.Logs() {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

// NewCapturingLogger returns a debug level logger writing plain text lines
// without timestamps into the returned LogWriter.
func NewCapturingLogger() (*logrus.Logger, *LogWriter) {
	tl := &LogWriter{}
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	l.Formatter = &logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	}
	l.Out = tl
	return l, tl
}
