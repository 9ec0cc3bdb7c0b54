// Package bus routes session messages between the pipeline components and
// realtime subscribers.
//
// The Router keeps one ordered stream per session. Publishing a message
// offers it to the session gate first; a message the gate refuses is
// dropped. Accepted messages receive a per-kind sequence and a gap-free
// session offset, are recorded in the replay window and the journal, are
// handed to matching sinks and are finally enqueued on every live
// Subscription. Gates and sinks never publish re-entrantly: they return
// follow-up messages, which the Router dispatches next, in order, before
// releasing the session.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/errors"
	"github.com/Iron-Ham/autowriter/internal/logging"
)

// Handler reacts to a message and returns follow-up messages to publish.
type Handler func(msg contract.Message) ([]contract.Message, error)

// Sink is a filtered Handler that runs after a message is sequenced.
type Sink struct {
	Name   string
	Filter func(msg contract.Message) bool
	Handle Handler
}

// Journal persists sequenced messages so that replay survives restarts.
type Journal interface {
	AppendMessage(msg contract.Message) error
	// ReadMessages returns the session's messages with offset > after, in
	// offset order.
	ReadMessages(sessionID string, after uint64) ([]contract.Message, error)
}

// Config configures a Router.
type Config struct {
	// BufferSize bounds each subscription's queue.
	BufferSize int
	Overflow   OverflowPolicy
	// ReplayWindow is how many recent messages per session are kept in
	// memory for replay.
	ReplayWindow int
	Journal      Journal
	Logger       *logging.Logger
	Now          func() time.Time
}

// Router is the session message bus. It is safe for concurrent use.
type Router struct {
	cfg    Config
	logger *logging.Logger

	mu      sync.Mutex
	streams map[string]*stream
	gates   map[contract.Kind]Handler
	sinks   []Sink
}

type stream struct {
	mu     sync.Mutex
	id     string
	offset uint64
	seqs   map[contract.Kind]uint64
	replay []contract.Message
	subs   map[string]*Subscription
}

// New creates a Router.
func New(cfg Config) *Router {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 256
	}
	if cfg.Overflow == "" {
		cfg.Overflow = DropOldest
	}
	if cfg.ReplayWindow < 0 {
		cfg.ReplayWindow = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Router{
		cfg:     cfg,
		logger:  logger.WithComponent("bus"),
		streams: make(map[string]*stream),
		gates:   make(map[contract.Kind]Handler),
	}
}

// SetGate installs the gate for kinds. Must be called before publishing.
func (r *Router) SetGate(h Handler, kinds ...contract.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range kinds {
		r.gates[k] = h
	}
}

// AddSink registers a sink. Must be called before publishing.
func (r *Router) AddSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

func (r *Router) stream(sessionID string) *stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[sessionID]
	if !ok {
		st = &stream{
			id:   sessionID,
			seqs: make(map[contract.Kind]uint64),
			subs: make(map[string]*Subscription),
		}
		r.streams[sessionID] = st
	}
	return st
}

func (r *Router) handlers(kind contract.Kind) (Handler, []Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gates[kind], r.sinks
}

// Publish dispatches msg and its follow-ups. It returns the gate's error
// if the gate refused msg, in which case nothing was delivered.
func (r *Router) Publish(msg contract.Message) error {
	if !msg.Kind.Valid() {
		return errors.NewValidationError(fmt.Sprintf("unknown message kind %q", msg.Kind)).WithField("kind")
	}
	if msg.SessionID == "" {
		return errors.NewValidationError("message has no session").WithField("session_id")
	}

	st := r.stream(msg.SessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return r.dispatch(st, []contract.Message{msg})
}

// Apply runs fn while holding the session's dispatch lock and publishes the
// messages it returns. Control operations use it so that their state change
// and announcement cannot interleave with a concurrent dispatch.
func (r *Router) Apply(sessionID string, fn func() ([]contract.Message, error)) error {
	st := r.stream(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	msgs, err := fn()
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	return r.dispatch(st, msgs)
}

// dispatch processes queue in order, appending follow-ups as they are
// produced. Only the first message's gate error is returned; refused
// follow-ups are logged and dropped. Must be called with st.mu held.
func (r *Router) dispatch(st *stream, queue []contract.Message) error {
	var firstErr error
	for i := 0; i < len(queue); i++ {
		msg := queue[i]
		msg.SessionID = st.id
		gate, sinks := r.handlers(msg.Kind)

		var followUps []contract.Message
		if gate != nil {
			out, err := gate(msg)
			if err != nil {
				r.logger.WithSession(st.id).Debug("message refused by gate",
					"kind", string(msg.Kind), "error", err)
				if i == 0 {
					firstErr = err
				}
				continue
			}
			followUps = out
		}

		msg = r.sequence(st, msg)

		var sinkFollowUps []contract.Message
		for _, s := range sinks {
			if s.Filter != nil && !s.Filter(msg) {
				continue
			}
			out, err := s.Handle(msg)
			if err != nil {
				r.logger.WithSession(st.id).Error("sink failed",
					"sink", s.Name, "kind", string(msg.Kind), "offset", msg.Offset, "error", err)
				continue
			}
			sinkFollowUps = append(sinkFollowUps, out...)
		}

		for id, sub := range st.subs {
			select {
			case <-sub.Done():
				delete(st.subs, id)
				continue
			default:
			}
			sub.enqueue(msg)
		}

		// Sink output (document updates) precedes the gate's phase
		// announcements so a completed status follows the final document.
		queue = append(queue, sinkFollowUps...)
		queue = append(queue, followUps...)
	}
	return firstErr
}

// sequence stamps msg with its sequence, offset and timestamp and records
// it for replay. Must be called with st.mu held.
func (r *Router) sequence(st *stream, msg contract.Message) contract.Message {
	st.offset++
	st.seqs[msg.Kind]++
	msg.Offset = st.offset
	msg.Sequence = st.seqs[msg.Kind]
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.cfg.Now()
	}

	if r.cfg.ReplayWindow > 0 {
		st.replay = append(st.replay, msg)
		if over := len(st.replay) - r.cfg.ReplayWindow; over > 0 {
			st.replay = append([]contract.Message(nil), st.replay[over:]...)
		}
	}
	if r.cfg.Journal != nil {
		if err := r.cfg.Journal.AppendMessage(msg); err != nil {
			r.logger.WithSession(st.id).Error("journal append failed", "offset", msg.Offset, "error", err)
		}
	}
	return msg
}

// Subscribe registers subscriberID on the session and returns every
// message with offset > since that it would otherwise have missed. Replay
// and registration happen atomically: no message is both replayed and
// delivered live, and none falls between. An existing subscription with
// the same subscriber id is closed and replaced.
func (r *Router) Subscribe(sessionID, subscriberID string, since uint64) ([]contract.Message, *Subscription, error) {
	st := r.stream(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	replay, err := r.replayFrom(st, since)
	if err != nil {
		return nil, nil, err
	}

	if old, ok := st.subs[subscriberID]; ok {
		old.Close()
	}
	sub := newSubscription(sessionID, subscriberID, r.cfg.BufferSize, r.cfg.Overflow)
	st.subs[subscriberID] = sub

	r.logger.WithSession(sessionID).WithSubscriber(subscriberID).Debug("subscribed",
		"since", since, "replayed", len(replay), "head", st.offset)
	return replay, sub, nil
}

// replayFrom returns messages with offset > since, from the in-memory
// window when it reaches back far enough and from the journal otherwise.
// Must be called with st.mu held.
func (r *Router) replayFrom(st *stream, since uint64) ([]contract.Message, error) {
	if since >= st.offset {
		return nil, nil
	}
	if n := len(st.replay); n > 0 && st.replay[0].Offset <= since+1 {
		start := int(since + 1 - st.replay[0].Offset)
		return append([]contract.Message(nil), st.replay[start:]...), nil
	}
	if r.cfg.Journal == nil {
		return nil, errors.NewTransportError(
			fmt.Sprintf("offset %d is outside the replay window", since), errors.ErrOperationFailed).
			WithSessionID(st.id)
	}
	msgs, err := r.cfg.Journal.ReadMessages(st.id, since)
	if err != nil {
		return nil, errors.Wrapf(err, "replay session %s from offset %d", st.id, since)
	}
	var out []contract.Message
	for _, m := range msgs {
		if m.Offset > since && m.Offset <= st.offset {
			out = append(out, m)
		}
	}
	return out, nil
}

// Unsubscribe closes and removes one subscription if it is still the
// registered one for its subscriber id.
func (r *Router) Unsubscribe(sub *Subscription) {
	st := r.stream(sub.SessionID())
	st.mu.Lock()
	defer st.mu.Unlock()

	if cur, ok := st.subs[sub.SubscriberID()]; ok && cur == sub {
		delete(st.subs, sub.SubscriberID())
	}
	sub.Close()
}

// Recover rebuilds a session's sequence counters and replay window from
// the journal after a restart. It must run before the session publishes.
func (r *Router) Recover(sessionID string) error {
	if r.cfg.Journal == nil {
		return nil
	}
	msgs, err := r.cfg.Journal.ReadMessages(sessionID, 0)
	if err != nil {
		return errors.Wrapf(err, "recover session %s", sessionID)
	}

	st := r.stream(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, m := range msgs {
		if m.Offset > st.offset {
			st.offset = m.Offset
		}
		if m.Sequence > st.seqs[m.Kind] {
			st.seqs[m.Kind] = m.Sequence
		}
	}
	if r.cfg.ReplayWindow > 0 {
		if over := len(msgs) - r.cfg.ReplayWindow; over > 0 {
			msgs = msgs[over:]
		}
		st.replay = append([]contract.Message(nil), msgs...)
	}
	return nil
}

// Head returns the offset of the session's latest message.
func (r *Router) Head(sessionID string) uint64 {
	st := r.stream(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.offset
}

// Subscribers returns how many live subscriptions the session has.
func (r *Router) Subscribers(sessionID string) int {
	st := r.stream(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	n := 0
	for _, sub := range st.subs {
		if sub.Err() == nil {
			n++
		}
	}
	return n
}

// Drop closes every subscription of a session and forgets its stream.
func (r *Router) Drop(sessionID string) {
	r.mu.Lock()
	st, ok := r.streams[sessionID]
	delete(r.streams, sessionID)
	r.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for id, sub := range st.subs {
		sub.Close()
		delete(st.subs, id)
	}
}

// Close closes every subscription on every session.
func (r *Router) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Drop(id)
	}
}
