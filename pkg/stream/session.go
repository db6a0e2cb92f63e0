package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-yolocam/pkg/hub"
)

// Session is one run of the capture loop. It owns its cancel signal and
// the hub that fans its frames out to viewers.
type Session struct {
	ID        uuid.UUID
	StartedAt time.Time

	cancel context.CancelFunc
	hub    *hub.Hub
	done   chan struct{}

	active  atomic.Bool
	frames  atomic.Int64
	skipped atomic.Int64

	mu  sync.Mutex
	err error
}

func newSession(cancel context.CancelFunc, h *hub.Hub, now time.Time) *Session {
	s := &Session{
		ID:        uuid.New(),
		StartedAt: now,
		cancel:    cancel,
		hub:       h,
		done:      make(chan struct{}),
	}
	s.active.Store(true)
	return s
}

// Active reports whether the session has not been stopped or ended.
func (s *Session) Active() bool {
	return s.active.Load()
}

// Frames returns how many annotated frames were broadcast.
func (s *Session) Frames() int64 {
	return s.frames.Load()
}

// Skipped returns how many frames were dropped on detect or encode failure.
func (s *Session) Skipped() int64 {
	return s.skipped.Load()
}

// Dropped returns how many frames slow viewers missed.
func (s *Session) Dropped() int64 {
	return s.hub.Dropped()
}

// Viewers returns the number of attached viewers.
func (s *Session) Viewers() int {
	return s.hub.ClientCount()
}

// Err returns the error that ended the loop, or nil after a clean stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the loop has exited and every viewer is detached.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the loop exits or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) stop() {
	s.active.Store(false)
	s.cancel()
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	s.stop()
	<-s.hub.Done()
	close(s.done)
}
