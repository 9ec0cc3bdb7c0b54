package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/errors"
	"github.com/Iron-Ham/autowriter/internal/logging"
	"github.com/Iron-Ham/autowriter/internal/retry"
)

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	// BaseURL is the server's http(s) or ws(s) base URL.
	BaseURL      string
	SessionID    string
	SubscriberID string
	// LastSeen is the offset to resume after.
	LastSeen uint64
	// MaxAttempts is how many consecutive reconnects are tried before the
	// subscription is abandoned (default 5).
	MaxAttempts int
	Backoff     retry.Backoff
	// StableAfter is how long a connection must last for the reconnect
	// counter to reset.
	StableAfter time.Duration
	// ReadLimit bounds one inbound frame (default 4 MiB).
	ReadLimit  int64
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Handler receives each frame. Returning an error stops the Subscriber.
type Handler func(env contract.Envelope) error

// Subscriber follows one session over a reconnecting WebSocket. Frames
// carrying an offset at or below the last one seen are dropped, so
// reconnect replays never deliver a message twice.
type Subscriber struct {
	cfg    SubscriberConfig
	logger *logging.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	lastSeen uint64
}

// NewSubscriber creates a Subscriber.
func NewSubscriber(cfg SubscriberConfig) *Subscriber {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = retry.Backoff{Base: 500 * time.Millisecond, Max: 15 * time.Second}
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 4 << 20
	}
	if cfg.SubscriberID == "" {
		cfg.SubscriberID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Subscriber{
		cfg:      cfg,
		logger:   logger.WithComponent("subscriber").WithSession(cfg.SessionID).WithSubscriber(cfg.SubscriberID),
		lastSeen: cfg.LastSeen,
	}
}

// LastSeen returns the highest offset delivered so far.
func (s *Subscriber) LastSeen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// stopError wraps a handler error so Run can tell it from a connection
// failure.
type stopError struct{ err error }

func (e stopError) Error() string { return e.err.Error() }
func (e stopError) Unwrap() error { return e.err }

// Run connects and delivers frames to handle until ctx ends, handle fails,
// the session does not exist or reconnects are exhausted, in which case it
// returns an error matching ErrSubscriptionAbandoned.
func (s *Subscriber) Run(ctx context.Context, handle Handler) error {
	attempt := 0
	for {
		connectedFor, err := s.connectOnce(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var stop stopError
		if errors.As(err, &stop) {
			return stop.err
		}
		if errors.Is(err, &errors.NotFoundError{}) {
			return err
		}

		attempt = nextAttempt(attempt, connectedFor, s.cfg.StableAfter)
		if attempt > s.cfg.MaxAttempts {
			s.logger.Error("subscription abandoned", "attempts", s.cfg.MaxAttempts, "error", err)
			return errors.NewTransportError(
				fmt.Sprintf("gave up after %d reconnect attempts", s.cfg.MaxAttempts), errors.ErrSubscriptionAbandoned).
				WithSessionID(s.cfg.SessionID).WithSubscriberID(s.cfg.SubscriberID).WithAttempt(s.cfg.MaxAttempts)
		}
		delay := s.cfg.Backoff.Delay(attempt + 1)
		s.logger.Info("reconnecting", "attempt", attempt, "delay", delay.String(), "last_seen", s.LastSeen(), "error", err)
		if err := s.cfg.Backoff.Wait(ctx, attempt+1); err != nil {
			return err
		}
	}
}

// nextAttempt returns the reconnect attempt number after a connection that
// lasted connectedFor. Only a stable connection resets the count, so a
// server that accepts and immediately drops still exhausts the budget.
func nextAttempt(attempt int, connectedFor, stableAfter time.Duration) int {
	if connectedFor > 0 && connectedFor >= stableAfter {
		attempt = 0
	}
	return attempt + 1
}

// connectOnce dials and reads until the connection ends. connectedFor is
// zero if the dial failed.
func (s *Subscriber) connectOnce(ctx context.Context, handle Handler) (time.Duration, error) {
	u, err := s.url()
	if err != nil {
		return 0, stopError{err}
	}
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: s.cfg.HTTPClient})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return 0, errors.NewNotFoundError("session", s.cfg.SessionID).WithCause(errors.ErrSessionNotFound)
		}
		return 0, errors.NewTransportError(fmt.Sprintf("dial failed: %v", err), errors.ErrTransportDisconnect).
			WithSessionID(s.cfg.SessionID)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.cfg.ReadLimit)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	start := time.Now()
	for {
		var env contract.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return time.Since(start), errors.NewTransportError(fmt.Sprintf("connection lost: %v", err), errors.ErrTransportDisconnect).
				WithSessionID(s.cfg.SessionID)
		}
		if !s.accept(env) {
			continue
		}
		if err := handle(env); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return time.Since(start), stopError{err}
		}
	}
}

// accept records the frame's offset and reports whether it is new. Frames
// without a stream position are always delivered.
func (s *Subscriber) accept(env contract.Envelope) bool {
	if env.Offset == nil || *env.Offset == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if *env.Offset <= s.lastSeen {
		return false
	}
	s.lastSeen = *env.Offset
	return true
}

// Send writes a control frame on the current connection.
func (s *Subscriber) Send(ctx context.Context, frame contract.ClientFrame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.NewTransportError("not connected", errors.ErrTransportDisconnect).WithSessionID(s.cfg.SessionID)
	}
	return wsjson.Write(ctx, conn, frame)
}

func (s *Subscriber) url() (string, error) {
	base, err := url.Parse(strings.TrimRight(s.cfg.BaseURL, "/"))
	if err != nil {
		return "", errors.NewValidationError("invalid server URL").WithField("base_url").WithCause(err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	base.Path += "/ws/" + url.PathEscape(s.cfg.SessionID)
	q := url.Values{}
	q.Set("subscriber", s.cfg.SubscriberID)
	q.Set("last_seen", strconv.FormatUint(s.LastSeen(), 10))
	base.RawQuery = q.Encode()
	return base.String(), nil
}
