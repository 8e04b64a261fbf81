package bus

import (
	"sync"
)

// QueueSubscription is a Subscription backed by an unbounded queue.
// Push never blocks, so a slow reader never stalls the publisher; a
// pump goroutine moves queued messages to the Messages channel in order.
// Transports use it to adapt callback-style deliveries.
type QueueSubscription struct {
	pattern string
	onClose func()

	mu    sync.Mutex
	queue []Message

	out       chan Message
	wake      chan struct{}
	done      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
}

var _ Subscription = (*QueueSubscription)(nil)

// NewQueueSubscription starts a queue subscription for pattern.
// onClose, if set, runs once when the subscription is closed.
func NewQueueSubscription(pattern string, onClose func()) *QueueSubscription {
	s := &QueueSubscription{
		pattern:  pattern,
		onClose:  onClose,
		out:      make(chan Message),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	go s.pump()
	return s
}

// Pattern returns the subscription pattern.
func (s *QueueSubscription) Pattern() string {
	return s.pattern
}

// Push enqueues a message. It is a no-op after Close.
func (s *QueueSubscription) Push(msg Message) {
	select {
	case <-s.done:
		return
	default:
	}

	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued, undelivered messages.
func (s *QueueSubscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Messages returns the delivery channel.
func (s *QueueSubscription) Messages() <-chan Message {
	return s.out
}

// Close stops delivery. Queued messages are dropped.
func (s *QueueSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.pumpDone
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

// Done is closed when the subscription is closed.
func (s *QueueSubscription) Done() <-chan struct{} {
	return s.done
}

func (s *QueueSubscription) pump() {
	defer close(s.pumpDone)
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		msg := s.queue[0]
		s.queue[0] = Message{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}
