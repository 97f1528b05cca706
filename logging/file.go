package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxLogSize is the size at which a FileLogger rotates.
const DefaultMaxLogSize = 10 << 20

// FileLogger appends timestamped lines to a file. When the file grows past
// its size limit it is renamed to path+".1" (replacing any previous backup) and a
// fresh file is started. Safe for concurrent use.
type FileLogger struct {
	path    string
	maxSize int64

	mu     sync.Mutex
	file   *os.File
	size   int64
	closed bool
}

// NewFileLogger opens path for appending, creating it if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	return NewRotatingFileLogger(path, DefaultMaxLogSize)
}

// NewRotatingFileLogger is NewFileLogger with an explicit rotation size.
// maxSize <= 0 disables rotation.
func NewRotatingFileLogger(path string, maxSize int64) (*FileLogger, error) {
	l := &FileLogger{path: path, maxSize: maxSize}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) open() error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	l.file = file
	l.size = info.Size()
	return nil
}

// rotateLocked moves the current file aside. Must be called with l.mu held.
func (l *FileLogger) rotateLocked() error {
	err := l.file.Close()
	l.file = nil
	if err == nil {
		err = os.Rename(l.path, l.path+".1")
	}
	// Reopen even when the rename failed so logging continues.
	if openErr := l.open(); openErr != nil {
		return openErr
	}
	return err
}

// Log writes a formatted line prefixed with the local time.
func (l *FileLogger) Log(format string, args ...interface{}) {
	line := fmt.Sprintf("%s %s\n", time.Now().Format(timeLayout), fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.file == nil {
		return
	}
	if l.maxSize > 0 && l.size > 0 && l.size+int64(len(line)) > l.maxSize {
		if err := l.rotateLocked(); err != nil {
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
			if l.file == nil {
				return
			}
		}
	}
	n, _ := io.WriteString(l.file, line)
	l.size += int64(n)
}

// Close closes the log file. Further Log calls are dropped.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Console writes operator-facing log lines through a zerolog console writer
// and, optionally, a FileLogger. Its Logf method is the LogFunc handed to the
// engine.
type Console struct {
	log  zerolog.Logger
	file *FileLogger
}

// NewConsole creates a console writing to out. file may be nil.
func NewConsole(out io.Writer, file *FileLogger) *Console {
	w := zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05", NoColor: true}
	return &Console{
		log:  zerolog.New(zerolog.SyncWriter(w)).With().Timestamp().Logger(),
		file: file,
	}
}

// Logf writes one line.
func (c *Console) Logf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	c.log.Info().Msg(msg)
	if c.file != nil {
		c.file.Log("%s", msg)
	}
}
