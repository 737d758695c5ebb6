package process

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	replayChunkSize = 32 * 1024
	maxLineSize     = 1024 * 1024
)

// ErrListenerAttached is returned when a stream already has a listener chain
var ErrListenerAttached = errors.New("stream already has a listener attached")

// Listener consumes output of a stream while the process runs.
// Callbacks are invoked sequentially and must not call back into the stream.
type Listener interface {
	// OnOutput receives the next chunk of output. The slice is only valid
	// for the duration of the call.
	OnOutput(p []byte)
	// OnClose is called once after the stream has been fully drained.
	OnClose()
}

// Stream is one output channel (stdout or stderr) of a process.
// Everything written is spooled to a temp file and kept as a bounded tail in
// memory; a listener attached at any point first receives the spooled prefix
// and then live output, so no early bytes are dropped.
type Stream struct {
	name string

	mu       sync.Mutex
	spool    *os.File
	path     string
	size     int64
	spoolErr error
	tail     *tailBuffer
	listener Listener
	closed   bool
	done     chan struct{}
}

func newStream(name string, tailBytes int) *Stream {
	return &Stream{
		name: name,
		tail: newTailBuffer(tailBytes),
		done: make(chan struct{}),
	}
}

// Name returns "stdout" or "stderr"
func (s *Stream) Name() string {
	return s.name
}

// open creates the spool file; called when the process starts
func (s *Stream) open(tempDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.CreateTemp(tempDir, fmt.Sprintf("testrunner-%s-*.log", s.name))
	if err != nil {
		return fmt.Errorf("failed to create %s spool file: %w", s.name, err)
	}
	s.spool = f
	s.path = f.Name()
	return nil
}

// reset drops the spool after a failed start so the stream can be reused
func (s *Stream) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked()
	s.size = 0
	s.spoolErr = nil
	s.tail = newTailBuffer(s.tail.maxBytes)
}

func (s *Stream) write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.spool != nil && s.spoolErr == nil {
		if _, err := s.spool.Write(p); err != nil {
			s.spoolErr = err
		}
	}
	s.size += int64(len(p))
	_, _ = s.tail.Write(p)
	if s.listener != nil {
		s.listener.OnOutput(p)
	}
	// Never fail the copy from the child; a full pipe would stall the test.
	return len(p), nil
}

// writer returns the io.Writer handed to the child process
func (s *Stream) writer() io.Writer {
	return writerFunc(s.write)
}

func (s *Stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if s.spool != nil {
		_ = s.spool.Sync()
		_ = s.spool.Close()
		s.spool = nil
	}
	if s.listener != nil {
		s.listener.OnClose()
	}
	close(s.done)
}

// Attach installs the listener chain for this stream. Output written so far
// is replayed to it before Attach returns; if the stream is already drained
// the listener is closed right away.
func (s *Stream) Attach(l Listener) error {
	if l == nil {
		return errors.New("listener cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return ErrListenerAttached
	}
	if err := s.replayLocked(l); err != nil {
		return fmt.Errorf("failed to replay %s: %w", s.name, err)
	}
	s.listener = l
	if s.closed {
		l.OnClose()
	}
	return nil
}

// Detach removes the current listener chain, if any
func (s *Stream) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = nil
}

func (s *Stream) replayLocked(l Listener) error {
	if s.size == 0 {
		return nil
	}
	if s.path == "" || s.spoolErr != nil {
		// Spool unavailable, the tail is the best we have
		l.OnOutput(s.tail.Bytes())
		return nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, replayChunkSize)
	r := io.LimitReader(f, s.size)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			l.OnOutput(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Open returns a reader over everything written to the stream so far.
// Once Done is closed the reader covers the complete output.
func (s *Stream) Open() (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	if s.path == "" || s.spoolErr != nil {
		return io.NopCloser(bytes.NewReader(s.tail.Bytes())), nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s spool: %w", s.name, err)
	}
	return &limitedFile{Reader: io.LimitReader(f, s.size), f: f}, nil
}

// Tail returns the most recent bytes of output
func (s *Stream) Tail() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail.Bytes()
}

// Truncated reports whether Tail is missing earlier output
func (s *Stream) Truncated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail.Truncated()
}

// Size returns the number of bytes written so far
func (s *Stream) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Done is closed once the stream has been fully drained
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) remove() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked()
}

func (s *Stream) removeLocked() {
	if s.spool != nil {
		_ = s.spool.Close()
		s.spool = nil
	}
	if s.path != "" {
		_ = os.Remove(s.path)
		s.path = ""
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) {
	return f(p)
}

type limitedFile struct {
	io.Reader
	f *os.File
}

func (l *limitedFile) Close() error {
	return l.f.Close()
}

// chain fans output out to several listeners in order
type chain []Listener

// Chain combines listeners into a single listener chain
func Chain(listeners ...Listener) Listener {
	var c chain
	for _, l := range listeners {
		if l != nil {
			c = append(c, l)
		}
	}
	return c
}

func (c chain) OnOutput(p []byte) {
	for _, l := range c {
		l.OnOutput(p)
	}
}

func (c chain) OnClose() {
	for _, l := range c {
		l.OnClose()
	}
}

// lineListener splits output into lines
type lineListener struct {
	fn      func(line string)
	partial []byte
}

// LineListener returns a listener calling fn once per line of output,
// without the trailing newline. A final unterminated line is delivered on
// close. Lines longer than 1MiB are split.
func LineListener(fn func(line string)) Listener {
	return &lineListener{fn: fn}
}

func (l *lineListener) OnOutput(p []byte) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			l.partial = append(l.partial, p...)
			if len(l.partial) >= maxLineSize {
				l.flush()
			}
			return
		}
		l.partial = append(l.partial, p[:i]...)
		l.flush()
		p = p[i+1:]
	}
}

func (l *lineListener) OnClose() {
	if len(l.partial) > 0 {
		l.flush()
	}
}

func (l *lineListener) flush() {
	line := bytes.TrimSuffix(l.partial, []byte{'\r'})
	l.fn(string(line))
	l.partial = l.partial[:0]
}
