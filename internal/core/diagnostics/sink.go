package diagnostics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	ContentTypePNG  = "image/png"
	ContentTypeText = "text/plain"
)

// Attachment is the payload handed to a report sink.
type Attachment struct {
	Body        []byte
	ContentType string
}

// ReportSink receives diagnostic artifacts for the test report.
type ReportSink interface {
	Attach(name string, a Attachment) error
}

// DirSink writes every attachment as a file under Dir.
type DirSink struct {
	Dir string
}

func (s DirSink) Attach(name string, a Attachment) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}
	path := filepath.Join(s.Dir, filepath.Base(name))
	if err := os.WriteFile(path, a.Body, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", name, err)
	}
	return nil
}

// MemorySink keeps attachments in memory, keyed by name.
type MemorySink struct {
	mu    sync.Mutex
	items map[string]Attachment
	order []string
}

func NewMemorySink() *MemorySink {
	return &MemorySink{items: make(map[string]Attachment)}
}

func (s *MemorySink) Attach(name string, a Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[name]; !exists {
		s.order = append(s.order, name)
	}
	s.items[name] = a
	return nil
}

// Get returns the attachment stored under name.
func (s *MemorySink) Get(name string) (Attachment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[name]
	return a, ok
}

// Names returns attachment names in insertion order.
func (s *MemorySink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// MultiSink attaches to every sink and joins their errors.
type MultiSink []ReportSink

func (m MultiSink) Attach(name string, a Attachment) error {
	var errs []error
	for _, s := range m {
		if err := s.Attach(name, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
