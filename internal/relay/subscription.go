package relay

import (
	"sync"
)

// Subscription is one subscriber's interest filter plus its delivery channel.
// Events queue in a bounded buffer between the publisher and the delivery
// goroutine; when the buffer is full the oldest undelivered event is dropped
// so the publisher never blocks.
type Subscription struct {
	filter string
	cap    int
	relay  *Relay

	mu      sync.Mutex
	queue   []Event
	dropped uint64

	out  chan Event
	wake chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// C returns the delivery channel. It is closed when the subscription is
// closed, either explicitly or by relay shutdown.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Filter returns the job id this subscription matches, or FilterAll.
func (s *Subscription) Filter() string {
	return s.filter
}

// Dropped returns how many events were discarded because the subscriber
// was too slow to drain its buffer.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dropped
}

// Close cancels the subscription. Idempotent and safe to call concurrently
// with delivery.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Subscription) enqueue(event Event) {
	select {
	case <-s.done:
		return
	default:
	}

	s.mu.Lock()

	if len(s.queue) >= s.cap {
		// Drop-oldest keeps the publisher unblocked and keeps the most
		// recent events, which are the ones a catching-up UI wants.
		s.queue = s.queue[1:]
		s.dropped++
	}

	s.queue = append(s.queue, event)

	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves events from the buffer to the delivery channel, preserving
// enqueue order. It owns closing the out channel.
func (s *Subscription) pump() {
	defer close(s.out)

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()

			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}

			event := s.queue[0]
			s.queue = s.queue[1:]

			s.mu.Unlock()

			select {
			case s.out <- event:
			case <-s.done:
				return
			}
		}
	}
}
