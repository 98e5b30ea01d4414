package booking

import (
	"context"
	"sync"
	"time"
)

// StaticSource serves bookings from memory.
type StaticSource struct {
	mu       sync.RWMutex
	bookings map[string]Booking
	timeout  time.Duration
}

func NewStaticSource(timeout time.Duration, bookings ...Booking) *StaticSource {
	if timeout <= 0 {
		timeout = DefaultPaymentTimeout
	}
	s := &StaticSource{bookings: make(map[string]Booking, len(bookings)), timeout: timeout}
	for _, b := range bookings {
		s.bookings[b.ID] = b
	}
	return s
}

func (s *StaticSource) Put(b Booking) {
	s.mu.Lock()
	s.bookings[b.ID] = b
	s.mu.Unlock()
}

func (s *StaticSource) Get(_ context.Context, id, _ string) (Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return Booking{}, ErrNotFound
	}
	return b, nil
}

func (s *StaticSource) PaymentTimeout(context.Context, string) (time.Duration, error) {
	return s.timeout, nil
}
