package service

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"

	"github.com/wipeworks/wiped/internal/model"
)

var ErrStreamClosed = errors.New("stream closed")

// Stream delivers the events of one job to a single subscriber. The job side
// pushes without ever blocking, the subscriber pulls with Next or ranges over
// Events. The done event is the last one.
type Stream struct {
	mx       sync.Mutex
	queue    []model.Event
	notify   chan struct{}
	detached bool
	// handedOut is set once Next returned the done event, consumed once the
	// subscriber moved past it.
	handedOut bool
	consumed  bool
	onConsume func()
}

func newStream(onConsume func()) *Stream {
	return &Stream{
		notify:    make(chan struct{}, 1),
		onConsume: onConsume,
	}
}

// publish queues ev, it reports false if the subscriber is gone.
func (s *Stream) publish(ev model.Event) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.detached || s.handedOut {
		return false
	}
	s.queue = append(s.queue, ev)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// active reports whether a subscriber still holds the stream.
func (s *Stream) active() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return !s.detached && !s.consumed
}

// Next returns the next event, waiting for it if needed. After the done event
// it returns io.EOF; after Close, ErrStreamClosed.
func (s *Stream) Next(ctx context.Context) (model.Event, error) {
	for {
		s.mx.Lock()
		switch {
		case s.handedOut:
			s.mx.Unlock()
			s.consume()
			return model.Event{}, io.EOF
		case s.detached:
			s.mx.Unlock()
			return model.Event{}, ErrStreamClosed
		case len(s.queue) > 0:
			ev := s.queue[0]
			s.queue[0] = model.Event{}
			s.queue = s.queue[1:]
			if ev.Terminal() {
				s.handedOut = true
				s.queue = nil
			}
			s.mx.Unlock()
			return ev, nil
		}
		s.mx.Unlock()

		select {
		case <-ctx.Done():
			return model.Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Events returns the stream as a sequence ending with the done event, or
// earlier when ctx is done. The stream is closed when the loop ends.
func (s *Stream) Events(ctx context.Context) iter.Seq[model.Event] {
	return func(yield func(model.Event) bool) {
		defer s.Close()
		for {
			ev, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// Close releases the stream. Before the done event was received this only
// detaches the subscriber, the job keeps running. After it, the job's terminal
// state is consumed.
func (s *Stream) Close() {
	s.mx.Lock()
	handedOut := s.handedOut
	if !handedOut {
		s.detached = true
		s.queue = nil
	}
	s.mx.Unlock()

	if handedOut {
		s.consume()
		return
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Stream) consume() {
	s.mx.Lock()
	if s.consumed {
		s.mx.Unlock()
		return
	}
	s.consumed = true
	s.mx.Unlock()
	if s.onConsume != nil {
		s.onConsume()
	}
}
