package adapter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// StreamLog mirrors raw adapter bytes to size-rotated files, one for each
// direction. It is a no-op until Start is called.
type StreamLog struct {
	name string
	dir  string

	mu      sync.Mutex
	enabled bool
	read    io.WriteCloser
	write   io.WriteCloser
}

// NewStreamLog returns a disabled stream log writing under dir. An empty dir
// falls back to the system temporary directory.
func NewStreamLog(name, dir string) *StreamLog {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "groundlink", "stream_logs")
	}
	return &StreamLog{name: name, dir: dir}
}

// Enabled reports whether bytes are currently being logged.
func (s *StreamLog) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Dir returns the directory log files are written to.
func (s *StreamLog) Dir() string { return s.dir }

// Start opens the rotated writers. Calling Start twice is harmless.
func (s *StreamLog) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create stream log dir: %w", err)
	}
	s.read = s.newWriter("read")
	s.write = s.newWriter("write")
	s.enabled = true
	return nil
}

func (s *StreamLog) newWriter(direction string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   filepath.Join(s.dir, fmt.Sprintf("%s_stream_%s.bin", s.name, direction)),
		MaxSize:    50,
		MaxBackups: 10,
		Compress:   true,
	}
}

// Stop closes the writers.
func (s *StreamLog) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return nil
	}
	s.enabled = false
	errR := s.read.Close()
	errW := s.write.Close()
	s.read, s.write = nil, nil
	if errR != nil {
		return errR
	}
	return errW
}

// WriteRead logs bytes received from the transport.
func (s *StreamLog) WriteRead(data []byte) { s.writeTo(false, data) }

// WriteWrite logs bytes sent to the transport.
func (s *StreamLog) WriteWrite(data []byte) { s.writeTo(true, data) }

func (s *StreamLog) writeTo(write bool, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || len(data) == 0 {
		return
	}
	w := s.read
	if write {
		w = s.write
	}
	// Raw logging is best effort and must never fail the data path.
	_, _ = w.Write(data)
}
