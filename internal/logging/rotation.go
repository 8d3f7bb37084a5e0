package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultMaxSizeMB  = 10
	defaultMaxBackups = 5
)

// RunLog appends one install run's output to a log file. The file is
// rotated when the run opens it, never mid-run, so a run's lines always
// land in a single file.
type RunLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenRunLog opens filePath for appending. If the existing file is already
// larger than maxSizeMB it is shifted to filePath.1 first, keeping at most
// maxBackups older files (filePath.1 is the newest).
func OpenRunLog(filePath string, maxSizeMB, maxBackups int) (*RunLog, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	if info, err := os.Stat(filePath); err == nil && info.Size() > int64(maxSizeMB)*1024*1024 {
		if err := shiftBackups(filePath, maxBackups); err != nil {
			return nil, fmt.Errorf("rotate log file: %w", err)
		}
	}

	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &RunLog{file: f}, nil
}

// Write implements io.Writer.
func (l *RunLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return 0, os.ErrClosed
	}
	return l.file.Write(p)
}

// Close syncs and closes the file. Calling it twice is harmless.
func (l *RunLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	_ = l.file.Sync()
	err := l.file.Close()
	l.file = nil
	return err
}

// OpenOutput returns the writer Init should log to: stderr alone when
// logFile is empty, otherwise stderr teed with a RunLog. The closer is never
// nil.
func OpenOutput(logFile string) (io.Writer, io.Closer, error) {
	if logFile == "" {
		return os.Stderr, io.NopCloser(nil), nil
	}
	rl, err := OpenRunLog(logFile, defaultMaxSizeMB, defaultMaxBackups)
	if err != nil {
		return nil, nil, err
	}
	return io.MultiWriter(os.Stderr, rl), rl, nil
}

func shiftBackups(filePath string, maxBackups int) error {
	name := func(i int) string { return fmt.Sprintf("%s.%d", filePath, i) }

	if err := os.Remove(name(maxBackups)); err != nil && !os.IsNotExist(err) {
		return err
	}
	for i := maxBackups - 1; i >= 1; i-- {
		if err := os.Rename(name(i), name(i+1)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return os.Rename(filePath, name(1))
}
