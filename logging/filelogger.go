package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/ethereum-optimism/infra/op-testrunner/coordinator"
	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

const (
	RunDirectoryPrefix = "testrun-" // Standardized prefix for execution directories
	StdoutFilename     = "stdout.log"
	StderrFilename     = "stderr.log"
	ResultFilename     = "result.json"
	SummaryFilename    = "summary.log"
)

// FileLogger is a result sink writing the output and result of every
// finished execution below a base directory:
//
//	<baseDir>/summary.log                 one line per execution
//	<baseDir>/testrun-<id>/stdout.log
//	<baseDir>/testrun-<id>/stderr.log
//	<baseDir>/testrun-<id>/result.json
type FileLogger struct {
	baseDir string
	log     log.Logger
	summary *AsyncFile
	mu      sync.Mutex
	closed  bool
}

var _ coordinator.ResultSink = (*FileLogger)(nil)

// AsyncFile provides non-blocking file writing capabilities
type AsyncFile struct {
	file    *os.File
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewAsyncFile creates a new AsyncFile for non-blocking appends
func NewAsyncFile(path string) (*AsyncFile, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}

	af := &AsyncFile{
		file:  file,
		queue: make(chan []byte, 100), // Buffer channel to reduce blocking
	}

	af.wg.Add(1)
	go af.processQueue()

	return af, nil
}

// Write queues data to be written asynchronously
func (af *AsyncFile) Write(data []byte) error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.stopped {
		return errors.New("async file is closed")
	}

	// Copy, the caller may reuse data
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	af.queue <- dataCopy
	return nil
}

func (af *AsyncFile) processQueue() {
	defer af.wg.Done()

	for data := range af.queue {
		if _, err := af.file.Write(data); err != nil {
			// Keep draining so writers never block on a full queue
			log.Error("Error writing to file", "file", af.file.Name(), "err", err)
		}
	}
}

// Close stops the async writer and closes the file
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if !af.stopped {
		af.stopped = true
		close(af.queue)
	}
	af.mu.Unlock()

	// Wait for all writes to complete
	af.wg.Wait()
	return af.file.Close()
}

// NewFileLogger creates a FileLogger writing below baseDir
func NewFileLogger(baseDir string, logger log.Logger) (*FileLogger, error) {
	if baseDir == "" {
		return nil, errors.New("baseDir cannot be empty")
	}
	if logger == nil {
		logger = log.New()
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", baseDir, err)
	}

	summary, err := NewAsyncFile(filepath.Join(baseDir, SummaryFilename))
	if err != nil {
		return nil, err
	}
	return &FileLogger{
		baseDir: baseDir,
		log:     logger,
		summary: summary,
	}, nil
}

// GetBaseDir returns the directory the logger writes to
func (l *FileLogger) GetBaseDir() string {
	return l.baseDir
}

// GetDirectoryForExecution returns the directory of an execution's files
func (l *FileLogger) GetDirectoryForExecution(id string) (string, error) {
	if id == "" {
		return "", errors.New("execution ID cannot be empty")
	}
	return filepath.Join(l.baseDir, RunDirectoryPrefix+safeFilename(id)), nil
}

// Consume writes the files of one finished execution
func (l *FileLogger) Consume(report coordinator.Report) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return errors.New("file logger is closed")
	}

	id := reportID(report)
	dir, err := l.GetDirectoryForExecution(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	if err := l.writeOutput(report, dir); err != nil {
		return err
	}
	if report.Result != nil {
		data, err := json.MarshalIndent(report.Result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, ResultFilename), data, 0644); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
	}

	l.log.Debug("Wrote execution logs", "execution", id, "dir", dir)
	return l.summary.Write([]byte(summaryLine(id, report)))
}

// writeOutput copies the spooled output of the execution. Runs of the
// blocking path only carry the stdout tail of the result.
func (l *FileLogger) writeOutput(report coordinator.Report, dir string) error {
	if report.Execution == nil {
		if report.Result == nil || report.Result.Stdout == "" {
			return nil
		}
		return os.WriteFile(filepath.Join(dir, StdoutFilename), []byte(report.Result.Stdout), 0644)
	}

	streams := []struct {
		name string
		open func() (io.ReadCloser, error)
	}{
		{StdoutFilename, report.Execution.Stdout().Open},
		{StderrFilename, report.Execution.Stderr().Open},
	}
	for _, s := range streams {
		if err := copyToFile(filepath.Join(dir, s.name), s.open); err != nil {
			return err
		}
	}
	return nil
}

func copyToFile(path string, open func() (io.ReadCloser, error)) error {
	r, err := open()
	if err != nil {
		return fmt.Errorf("failed to open output for %s: %w", filepath.Base(path), err)
	}
	defer r.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// Close flushes the summary file. Later reports are rejected.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.summary.Close()
}

func reportID(report coordinator.Report) string {
	switch {
	case report.Result != nil && report.Result.ExecutionID != "":
		return report.Result.ExecutionID
	case report.Execution != nil:
		return report.Execution.ID()
	default:
		return uuid.New().String()
	}
}

func summaryLine(id string, report coordinator.Report) string {
	status := "no result"
	if report.Result != nil {
		status = report.Result.String()
	}
	line := fmt.Sprintf("%s %s %s %s", time.Now().UTC().Format(time.RFC3339), id, report.Context.Scope.String(), status)
	if report.Err != nil && !types.IsOutputParseError(report.Err) {
		line += fmt.Sprintf(" err=%q", report.Err.Error())
	}
	return line + "\n"
}

// safeFilename converts a string to a safe filename by replacing problematic characters
func safeFilename(s string) string {
	return filenameReplacer.Replace(s)
}

var filenameReplacer = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_", " ", "_", "...", "",
)
