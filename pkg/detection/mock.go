package detection

import (
	"image"
	"sync"
)

// Mock implements Detector for testing.
type Mock struct {
	// DetectFunc is called when Detect is invoked.
	DetectFunc func(img image.Image) ([]Object, error)

	// CloseFunc is called when Close is invoked.
	CloseFunc func() error

	mu     sync.Mutex
	calls  int
	closed bool
}

// NewMock creates a mock that always reports objs.
func NewMock(objs ...Object) *Mock {
	return &Mock{
		DetectFunc: func(image.Image) ([]Object, error) {
			out := make([]Object, len(objs))
			copy(out, objs)
			return out, nil
		},
	}
}

// Detect calls DetectFunc and records the call.
func (m *Mock) Detect(img image.Image) ([]Object, error) {
	m.mu.Lock()
	m.calls++
	fn := m.DetectFunc
	m.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(img)
}

// Close calls CloseFunc and marks the mock closed.
func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	fn := m.CloseFunc
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return nil
}

// Calls returns how many times Detect was invoked.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Closed reports whether Close was called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
