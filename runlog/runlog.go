// Package runlog records the commanded velocity of a run as CSV, one row per control cycle
package runlog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/calvinmclean/sinevel"
)

// Header is the first row of every log
var Header = []string{"Time(s)", "Velocity(RPM)"}

// Logger is an append-only sink of (time, velocity) records. It is not safe for concurrent use
type Logger struct {
	w    *csv.Writer
	dst  io.WriteCloser
	path string
	rows int

	closeOnce sync.Once
	closeErr  error
}

// FileName returns the log file name for an Axis
func FileName(axis sinevel.Axis) string {
	return fmt.Sprintf("velocity_log_p%d_n%d.csv", axis.Port, axis.Node)
}

// Create creates (or truncates) the log file for axis inside dir and writes the header
func Create(dir string, axis sinevel.Axis) (*Logger, error) {
	if dir != "" {
		err := os.MkdirAll(dir, 0o755)
		if err != nil {
			return nil, fmt.Errorf("error creating log directory: %w", err)
		}
	}

	path := filepath.Join(dir, FileName(axis))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("error creating log file: %w", err)
	}

	l, err := New(f)
	if err != nil {
		return nil, err
	}
	l.path = path
	return l, nil
}

// New writes the header to dst and returns a Logger that owns it. dst is closed if the header
// cannot be written
func New(dst io.WriteCloser) (*Logger, error) {
	l := &Logger{w: csv.NewWriter(dst), dst: dst}

	err := l.write(Header)
	if err != nil {
		dst.Close()
		return nil, fmt.Errorf("error writing header: %w", err)
	}
	return l, nil
}

// Path returns the file path for loggers made by Create
func (l *Logger) Path() string {
	return l.path
}

// Rows returns the number of records written, not counting the header
func (l *Logger) Rows() int {
	return l.rows
}

// Append writes one record and flushes it
func (l *Logger) Append(t, velocity float64) error {
	err := l.write([]string{formatFloat(t), formatFloat(velocity)})
	if err != nil {
		return fmt.Errorf("error writing record: %w", err)
	}
	l.rows++
	return nil
}

func (l *Logger) write(record []string) error {
	err := l.w.Write(record)
	if err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

// Close flushes and closes the destination. Only the first call has any effect and later calls
// return its result
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		l.w.Flush()
		flushErr := l.w.Error()
		closeErr := l.dst.Close()
		if flushErr != nil {
			l.closeErr = fmt.Errorf("error flushing log: %w", flushErr)
			return
		}
		l.closeErr = closeErr
	})
	return l.closeErr
}

// formatFloat uses six significant digits
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}
