// Package transport delivers session streams to realtime subscribers over
// WebSocket and carries their control frames back to the coordinator.
//
// A subscriber connects to /ws/{session_id}?subscriber={id}&last_seen={offset}.
// The server answers with a connection_established frame, replays every
// message after last_seen and then streams live messages. Frames are
// contract.Envelope JSON objects. A second connection from the same
// subscriber replaces the first.
package transport

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/autowriter/internal/bus"
	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/errors"
	"github.com/Iron-Ham/autowriter/internal/logging"
)

// Attachment is a subscriber's view of a session at the moment it attached.
type Attachment struct {
	Phase  string
	Replay []contract.Message
	Sub    *bus.Subscription
}

// Backend is the coordinator surface the server needs.
type Backend interface {
	// Attach registers a subscriber and returns the messages after since
	// together with its live subscription.
	Attach(sessionID, subscriberID string, since uint64) (Attachment, error)
	Detach(sub *bus.Subscription)

	Intervene(ctx context.Context, sessionID, content string) error
	Pause(ctx context.Context, sessionID string) error
	Resume(ctx context.Context, sessionID string) error
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// HeartbeatInterval is how often the server pings; zero disables pings.
	// A ping unanswered within WriteTimeout drops the connection.
	HeartbeatInterval time.Duration
	// StableAfter is how long a connection must last to count as stable.
	StableAfter  time.Duration
	WriteTimeout time.Duration
	// OriginPatterns are extra host patterns allowed to connect cross-origin.
	OriginPatterns []string
	Logger         *logging.Logger
}

// Server is the WebSocket endpoint. It implements http.Handler.
type Server struct {
	backend Backend
	cfg     ServerConfig
	logger  *logging.Logger

	mu    sync.Mutex
	conns map[string]int
}

// NewServer creates a Server.
func NewServer(backend Backend, cfg ServerConfig) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{
		backend: backend,
		cfg:     cfg,
		logger:  logger.WithComponent("transport"),
		conns:   make(map[string]int),
	}
}

// Connections returns the number of open connections on a session.
func (s *Server) Connections(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[sessionID]
}

func (s *Server) track(sessionID string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[sessionID] += delta
	if s.conns[sessionID] <= 0 {
		delete(s.conns, sessionID)
	}
}

func sessionIDFrom(r *http.Request) string {
	if id := r.PathValue("id"); id != "" {
		return id
	}
	return strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/"), "/")
}

// ServeHTTP upgrades the request and streams the session until either side
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDFrom(r)
	if sessionID == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}
	subscriberID := r.URL.Query().Get("subscriber")
	if subscriberID == "" {
		subscriberID = uuid.NewString()
	}
	var since uint64
	if v := r.URL.Query().Get("last_seen"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "last_seen must be a non-negative integer", http.StatusBadRequest)
			return
		}
		since = n
	}
	logger := s.logger.WithSession(sessionID).WithSubscriber(subscriberID)

	att, err := s.backend.Attach(sessionID, subscriberID, since)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, &errors.NotFoundError{}) {
			status = http.StatusNotFound
		}
		logger.Warn("attach refused", "error", err)
		http.Error(w, err.Error(), status)
		return
	}
	defer s.backend.Detach(att.Sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	s.track(sessionID, 1)
	defer s.track(sessionID, -1)

	c := &connection{
		server:       s,
		conn:         conn,
		sessionID:    sessionID,
		subscriberID: subscriberID,
		logger:       logger,
		connectedAt:  time.Now(),
	}
	c.serve(r.Context(), since, att)
}

type connection struct {
	server       *Server
	conn         *websocket.Conn
	sessionID    string
	subscriberID string
	logger       *logging.Logger
	connectedAt  time.Time
}

func (c *connection) serve(parent context.Context, since uint64, att Attachment) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	head := since
	if n := len(att.Replay); n > 0 {
		head = att.Replay[n-1].Offset
	}
	c.logger.Info("subscriber connected", "last_seen", since, "replayed", len(att.Replay), "head", head)

	var wg conc.WaitGroup
	defer wg.Wait()
	wg.Go(func() {
		defer cancel()
		c.readLoop(ctx)
	})
	if c.server.cfg.HeartbeatInterval > 0 {
		wg.Go(func() { c.heartbeat(ctx, cancel) })
	}

	reason := c.writeLoop(ctx, since, head, att)
	cancel()

	stable := time.Since(c.connectedAt) >= c.server.cfg.StableAfter
	c.logger.Info("subscriber disconnected",
		"reason", reason, "stable", stable, "connected_for", time.Since(c.connectedAt).String())
}

// writeLoop sends the ack, the replay and then live messages. It returns
// why the stream ended.
func (c *connection) writeLoop(ctx context.Context, since, head uint64, att Attachment) string {
	ack, err := contract.NewMessage(c.sessionID, contract.KindConnectionAck, contract.ConnectionAck{
		SubscriberID: c.subscriberID,
		Phase:        att.Phase,
		HeadOffset:   head,
		Replayed:     len(att.Replay),
	})
	if err != nil {
		return "encode ack: " + err.Error()
	}
	ack.Timestamp = time.Now()
	if err := c.write(ctx, ack); err != nil {
		return "write failed"
	}
	for _, m := range att.Replay {
		if err := c.write(ctx, m); err != nil {
			return "write failed"
		}
	}

	for {
		m, err := att.Sub.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, errors.ErrSubscriptionOverflow):
				c.conn.Close(websocket.StatusTryAgainLater, "subscriber fell behind")
				return "overflow"
			case errors.Is(err, errors.ErrSubscriptionClosed):
				c.conn.Close(websocket.StatusGoingAway, "subscription closed")
				return "subscription closed"
			default:
				c.conn.Close(websocket.StatusNormalClosure, "")
				return "connection closed"
			}
		}
		if err := c.write(ctx, m); err != nil {
			return "write failed"
		}
	}
}

func (c *connection) write(ctx context.Context, m contract.Message) error {
	wctx, cancel := context.WithTimeout(ctx, c.server.cfg.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, c.conn, contract.ToEnvelope(m)); err != nil {
		c.logger.Debug("write failed", "kind", string(m.Kind), "offset", m.Offset, "error", err)
		return err
	}
	return nil
}

// readLoop routes control frames until the connection fails. Control
// errors are logged; the subscriber learns the outcome from the
// workflow_status messages on the stream.
func (c *connection) readLoop(ctx context.Context) {
	for {
		var frame contract.ClientFrame
		if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		if err := c.control(ctx, frame); err != nil {
			c.logger.Warn("control frame rejected", "type", frame.Type, "error", err)
		}
	}
}

func (c *connection) control(ctx context.Context, frame contract.ClientFrame) error {
	switch frame.Type {
	case contract.ClientUserIntervention, contract.ClientUserMessage:
		return c.server.backend.Intervene(ctx, c.sessionID, frame.Content)
	case contract.ClientPauseWorkflow:
		return c.server.backend.Pause(ctx, c.sessionID)
	case contract.ClientResumeWorkflow:
		return c.server.backend.Resume(ctx, c.sessionID)
	default:
		return errors.NewValidationError("unknown control frame").WithField("type").WithValue(frame.Type)
	}
}

func (c *connection) heartbeat(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(c.server.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, c.server.cfg.WriteTimeout)
			err := c.conn.Ping(pctx)
			pcancel()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Info("heartbeat failed", "error", err)
				}
				cancel()
				return
			}
		}
	}
}
