package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/errors"
)

// OverflowPolicy decides what a full Subscription does with a new message.
type OverflowPolicy string

const (
	// DropOldest discards the oldest buffered message and records a gap
	// that the subscriber sees as a stream_gap marker.
	DropOldest OverflowPolicy = "drop_oldest"
	// Disconnect closes the subscription with ErrSubscriptionOverflow. The
	// subscriber is expected to reconnect and replay from its high-water
	// mark.
	Disconnect OverflowPolicy = "disconnect"
)

// Subscription is one subscriber's bounded view of a session stream.
// Enqueueing never blocks the publisher.
type Subscription struct {
	sessionID    string
	subscriberID string
	capacity     int
	policy       OverflowPolicy

	mu      sync.Mutex
	buf     []contract.Message
	gap     *contract.StreamGap
	closed  bool
	err     error
	dropped uint64
	notify  chan struct{}
	done    chan struct{}
}

func newSubscription(sessionID, subscriberID string, capacity int, policy OverflowPolicy) *Subscription {
	if capacity < 1 {
		capacity = 1
	}
	return &Subscription{
		sessionID:    sessionID,
		subscriberID: subscriberID,
		capacity:     capacity,
		policy:       policy,
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// SessionID returns the session the subscription follows.
func (s *Subscription) SessionID() string { return s.sessionID }

// SubscriberID returns the subscriber's id.
func (s *Subscription) SubscriberID() string { return s.subscriberID }

// Done is closed when the subscription closes.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped returns how many messages overflow discarded.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Err returns why the subscription closed, or nil while it is open.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) enqueue(msg contract.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if len(s.buf) >= s.capacity {
		if s.policy == Disconnect {
			s.dropped += uint64(len(s.buf)) + 1
			s.buf = nil
			s.closeLocked(errors.NewTransportError("subscriber fell behind", errors.ErrSubscriptionOverflow).
				WithSessionID(s.sessionID).WithSubscriberID(s.subscriberID))
			return
		}
		oldest := s.buf[0]
		s.buf = s.buf[1:]
		s.dropped++
		if s.gap == nil {
			s.gap = &contract.StreamGap{FromOffset: oldest.Offset}
		}
		s.gap.ToOffset = oldest.Offset
		s.gap.Dropped++
	}
	s.buf = append(s.buf, msg)
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next message, blocking until one is available, the
// subscription closes or ctx ends. A pending gap is reported as a
// stream_gap marker before the messages that follow it. Buffered messages
// are drained before the close error is returned, except after an
// overflow disconnect, which discards the buffer.
func (s *Subscription) Next(ctx context.Context) (contract.Message, error) {
	for {
		s.mu.Lock()
		if s.gap != nil {
			gap := *s.gap
			s.gap = nil
			s.mu.Unlock()
			return gapMarker(s.sessionID, gap), nil
		}
		if len(s.buf) > 0 {
			msg := s.buf[0]
			s.buf = s.buf[1:]
			if len(s.buf) == 0 {
				s.buf = nil
			}
			s.mu.Unlock()
			return msg, nil
		}
		if s.closed {
			err := s.err
			s.mu.Unlock()
			return contract.Message{}, err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return contract.Message{}, ctx.Err()
		case <-s.notify:
		case <-s.done:
		}
	}
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(errors.NewTransportError("subscription closed", errors.ErrSubscriptionClosed).
		WithSessionID(s.sessionID).WithSubscriberID(s.subscriberID))
}

func (s *Subscription) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

// gapMarker builds the stream_gap message. It carries no offset because it
// is not a position in the session stream.
func gapMarker(sessionID string, gap contract.StreamGap) contract.Message {
	raw, _ := json.Marshal(gap)
	return contract.Message{SessionID: sessionID, Kind: contract.KindStreamGap, Payload: raw, Timestamp: time.Now()}
}
