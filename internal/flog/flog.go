// Package flog is the manager/client/console logging facade: a single
// append-only log file, written by many goroutines, where every line is
// emitted by exactly one underlying Write call so lines never interleave.
//
// It is modeled on rclone's fs.Logf/fs.Debugf/fs.Errorf facade (see
// backend/local/local.go for how a caller site looks) but backed directly
// by logrus, since this service has no pluggable-backend log registry to
// dispatch through.
package flog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// timestampFormat matches spec §6: "[YYYY-MM-DD HH:MM:SS]".
const timestampFormat = "2006-01-02 15:04:05"

// Logger is the shared log sink. Zero value is not usable; construct with
// Open or New.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	closer  io.Closer
	verbose bool
	logrus  *logrus.Logger
}

// lineFormatter renders every logrus entry as "[ts] message", which is the
// general-purpose operational line shape used throughout this service
// outside the fixed-column transfer-outcome lines (see Transfer).
type lineFormatter struct{}

func (lineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	line := fmt.Sprintf("[%s] %s\n", e.Time.Format(timestampFormat), e.Message)
	return []byte(line), nil
}

// New wraps an already-open writer (a file, or an in-memory buffer in tests).
func New(w io.Writer, verbose bool) *Logger {
	l := logrus.New()
	l.SetFormatter(lineFormatter{})
	l.SetOutput(w)
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return &Logger{out: w, verbose: verbose, logrus: l}
}

// Open creates (truncating) the named log file, matching the original
// manager's `fopen(path, "w")` startup behavior.
func Open(path string, verbose bool) (*Logger, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	l := New(f, verbose)
	l.closer = f
	return l, nil
}

// Close releases the underlying file, if Open created one.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Infof logs an operational line at info level.
func (l *Logger) Infof(format string, args ...any) {
	l.logrus.Infof(format, args...)
}

// Debugf logs an operational line at debug level (suppressed unless verbose).
func (l *Logger) Debugf(format string, args ...any) {
	l.logrus.Debugf(format, args...)
}

// Errorf logs an operational line at error level.
func (l *Logger) Errorf(format string, args ...any) {
	l.logrus.Errorf(format, args...)
}

// Verb names used in transfer-outcome lines.
const (
	VerbPull = "PULL"
	VerbPush = "PUSH"
)

// Outcome names used in transfer-outcome lines.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeError   = "ERROR"
)

// TransferEndpoint is the minimal (dir, host, port) triple a
// transfer-outcome line needs; callers copy the three fields out of their
// internal/dirspec.Spec, so flog does not depend on dirspec.
type TransferEndpoint struct {
	Dir  string
	Host string
	Port int
}

func (e TransferEndpoint) String() string {
	return fmt.Sprintf("%s@%s:%d", e.Dir, e.Host, e.Port)
}

// Transfer writes one per-file outcome line in the exact column layout
// required by spec §6:
//
//	[<ts>] [<src>] [<tgt>] [<worker_id>] [PULL|PUSH] [SUCCESS|ERROR] [<detail>]
//
// The whole line is built in memory and handed to a single Write call
// under l.mu, so concurrent workers' lines never interleave mid-line.
func (l *Logger) Transfer(src, tgt TransferEndpoint, workerID int, verb, outcome, detail string) {
	line := fmt.Sprintf("[%s] [%s] [%s] [%d] [%s] [%s] [%s]\n",
		time.Now().Format(timestampFormat), src, tgt, workerID, verb, outcome, detail)
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.out, line)
	if f, ok := l.out.(*os.File); ok {
		_ = f.Sync()
	}
}
