package pool

import (
	"context"
	"sync"
)

// semaphore is a counting semaphore whose capacity can be resized while
// holders are in flight. Shrinking takes effect as holders release; waiters
// are woken on every release or capacity change.
type semaphore struct {
	mu       sync.Mutex
	capacity int
	held     int
	notify   chan struct{}
}

func newSemaphore(capacity int) *semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &semaphore{
		capacity: capacity,
		notify:   make(chan struct{}),
	}
}

// Acquire blocks until a slot is available or the context is cancelled.
func (s *semaphore) Acquire(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.held < s.capacity {
			s.held++
			s.mu.Unlock()
			return nil
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release frees a slot and wakes all waiters.
func (s *semaphore) Release() {
	s.mu.Lock()
	s.held--
	s.wakeLocked()
	s.mu.Unlock()
}

// Resize changes the capacity and wakes waiters so growth is picked up
// immediately.
func (s *semaphore) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	s.mu.Lock()
	s.capacity = capacity
	s.wakeLocked()
	s.mu.Unlock()
}

// Capacity returns the current capacity.
func (s *semaphore) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

func (s *semaphore) wakeLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}
