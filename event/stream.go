package event

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrStreamClosed  = errors.New("cannot notify closed stream")
	ErrNotifyTimeout = errors.New("timed out sending event to stream")
)

// ChanStream delivers events to a single consumer over a buffered channel.
type ChanStream[E any] struct {
	sync.Mutex

	id string

	closed bool
	ch     chan E
}

func NewChanStream[E any](id string, bufferSize int) *ChanStream[E] {
	return &ChanStream[E]{
		id: id,
		ch: make(chan E, bufferSize),
	}
}

func (s *ChanStream[E]) ID() string {
	return s.id
}

func (s *ChanStream[E]) Notify(event E, timeout time.Duration) error {
	s.Lock()
	if s.closed {
		s.Unlock()
		return ErrStreamClosed
	}

	select {
	case s.ch <- event:
	case <-time.After(timeout):
		s.Unlock()
		s.Close()
		return ErrNotifyTimeout
	}

	s.Unlock()
	return nil
}

// Receive waits for the next event. ok is false once the stream is closed and
// drained.
func (s *ChanStream[E]) Receive(ctx context.Context) (event E, ok bool, err error) {
	select {
	case event, ok = <-s.ch:
		return event, ok, nil
	case <-ctx.Done():
		return event, false, ctx.Err()
	}
}

func (s *ChanStream[E]) Close() {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	close(s.ch)
}
