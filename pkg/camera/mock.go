package camera

import (
	"context"
	"image"
	"sync"
)

// MockSource implements Source for testing.
type MockSource struct {
	// ReadFunc is called when Read is invoked.
	ReadFunc func() (image.Image, error)

	mu     sync.Mutex
	reads  int
	closed bool
}

// NewMockSource returns frames in order, then ErrReadFailed.
func NewMockSource(frames ...image.Image) *MockSource {
	var mu sync.Mutex
	next := 0
	return &MockSource{
		ReadFunc: func() (image.Image, error) {
			mu.Lock()
			defer mu.Unlock()
			if next >= len(frames) {
				return nil, ErrReadFailed
			}
			img := frames[next]
			next++
			return img, nil
		},
	}
}

// Read calls ReadFunc and records the call.
func (m *MockSource) Read() (image.Image, error) {
	m.mu.Lock()
	m.reads++
	fn := m.ReadFunc
	m.mu.Unlock()

	if fn == nil {
		return nil, ErrReadFailed
	}
	return fn()
}

// Close marks the source closed.
func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Reads returns how many times Read was invoked.
func (m *MockSource) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Closed reports whether Close was called.
func (m *MockSource) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockOpener implements Opener for testing.
type MockOpener struct {
	// Source is returned by Open when Err is nil.
	Source Source

	// Err is returned by Open when set.
	Err error

	mu     sync.Mutex
	opens  int
	config Config
}

// Open returns Source or Err and records the call.
func (m *MockOpener) Open(_ context.Context, cfg Config) (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	m.config = cfg
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Source, nil
}

// Opens returns how many times Open was invoked.
func (m *MockOpener) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// LastConfig returns the config passed to the latest Open.
func (m *MockOpener) LastConfig() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}
