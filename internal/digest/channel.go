package digest

import (
	"context"
	"sync"

	"github.com/ignite/feed-digest/internal/aggregate"
)

// ChannelSink hands digests to an in-process consumer over a channel.
// Deliver never blocks the emit sweep: outputs queue in memory until the
// consumer drains them.
type ChannelSink struct {
	mu      sync.Mutex
	pending []*aggregate.Output
	closed  bool

	out  chan *aggregate.Output
	kick chan struct{}
	done chan struct{}
}

// NewChannelSink starts the pump goroutine. Call Close when done.
func NewChannelSink() *ChannelSink {
	s := &ChannelSink{
		out:  make(chan *aggregate.Output),
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.pump()
	return s
}

// Outputs is the consumer side. The channel closes after Close once the
// queue has drained.
func (s *ChannelSink) Outputs() <-chan *aggregate.Output {
	return s.out
}

// Deliver queues a digest for the consumer.
func (s *ChannelSink) Deliver(ctx context.Context, out *aggregate.Output) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	s.pending = append(s.pending, out)
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
	return nil
}

// Close stops accepting digests. Queued outputs are still delivered.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

func (s *ChannelSink) pump() {
	defer close(s.out)
	for {
		next := s.take()
		if next == nil {
			select {
			case <-s.kick:
				continue
			case <-s.done:
				// Drain what arrived before the close.
				for out := s.take(); out != nil; out = s.take() {
					s.out <- out
				}
				return
			}
		}
		s.out <- next
	}
}

func (s *ChannelSink) take() *aggregate.Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	next := s.pending[0]
	s.pending = s.pending[1:]
	return next
}
