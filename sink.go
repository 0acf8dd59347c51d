package capture

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Sink is where a muxer writes its bytes. Tell and Seek let container
// writers patch headers once the final sizes are known.
type Sink interface {
	io.Writer
	Tell() (int64, error)
	Seek(offset int64) error
}

// SinkCloser is a Sink that owns a resource.
type SinkCloser interface {
	Sink
	io.Closer
}

// FileSink writes to a file on disk.
type FileSink struct {
	f *os.File
}

// CreateFileSink creates or truncates path.
func CreateFileSink(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResource, err)
	}
	return &FileSink{f: f}, nil
}

func (s *FileSink) Write(p []byte) (int, error) { return s.f.Write(p) }

func (s *FileSink) Tell() (int64, error) { return s.f.Seek(0, io.SeekCurrent) }

func (s *FileSink) Seek(offset int64) error {
	_, err := s.f.Seek(offset, io.SeekStart)
	return err
}

// Name returns the file path.
func (s *FileSink) Name() string { return s.f.Name() }

// Close syncs and closes the file.
func (s *FileSink) Close() error {
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// MemorySink collects output in memory. Seeking past the end zero-fills.
type MemorySink struct {
	mu  sync.Mutex
	buf []byte
	pos int64

	written uint64
}

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := s.pos + int64(len(p))
	if end > int64(len(s.buf)) {
		if end > int64(cap(s.buf)) {
			grown := make([]byte, len(s.buf), max(end, int64(2*cap(s.buf))))
			copy(grown, s.buf)
			s.buf = grown
		}
		s.buf = s.buf[:end]
	}
	copy(s.buf[s.pos:], p)
	s.pos = end
	s.written += uint64(len(p))
	return len(p), nil
}

func (s *MemorySink) Tell() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos, nil
}

func (s *MemorySink) Seek(offset int64) error {
	if offset < 0 {
		return fmt.Errorf("memory sink: negative offset %d", offset)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for int64(len(s.buf)) < offset {
		s.buf = append(s.buf, 0)
	}
	s.pos = offset
	return nil
}

// Bytes returns a copy of the contents.
func (s *MemorySink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf...)
}

// Written returns the total number of bytes passed to Write, including
// overwrites after a Seek.
func (s *MemorySink) Written() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// CustomSink forwards to caller supplied callbacks. TellFunc and SeekFunc
// may be nil for stream-only outputs; muxers that need to patch headers then
// fail at Finalize.
type CustomSink struct {
	WriteFunc func(p []byte) (int, error)
	TellFunc  func() (int64, error)
	SeekFunc  func(offset int64) error
}

// ErrNotSeekable is returned by sinks without seek support.
var ErrNotSeekable = fmt.Errorf("%w: sink is not seekable", ErrFatalIO)

func (s *CustomSink) Write(p []byte) (int, error) {
	if s.WriteFunc == nil {
		return 0, fmt.Errorf("%w: custom sink has no write callback", ErrFatalIO)
	}
	return s.WriteFunc(p)
}

func (s *CustomSink) Tell() (int64, error) {
	if s.TellFunc == nil {
		return 0, ErrNotSeekable
	}
	return s.TellFunc()
}

func (s *CustomSink) Seek(offset int64) error {
	if s.SeekFunc == nil {
		return ErrNotSeekable
	}
	return s.SeekFunc(offset)
}

type writeSeekerSink struct {
	ws io.WriteSeeker
}

// NewWriteSeekerSink adapts an io.WriteSeeker.
func NewWriteSeekerSink(ws io.WriteSeeker) Sink { return writeSeekerSink{ws} }

func (s writeSeekerSink) Write(p []byte) (int, error) { return s.ws.Write(p) }

func (s writeSeekerSink) Tell() (int64, error) { return s.ws.Seek(0, io.SeekCurrent) }

func (s writeSeekerSink) Seek(offset int64) error {
	_, err := s.ws.Seek(offset, io.SeekStart)
	return err
}

// sinkWriter hides Close from writers that would otherwise close the sink
// they were handed.
type sinkWriter struct{ w io.Writer }

func (s sinkWriter) Write(p []byte) (int, error) { return s.w.Write(p) }
