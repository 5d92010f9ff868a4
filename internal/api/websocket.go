package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"prop-trading-engine/internal/auth"
	"prop-trading-engine/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second

	// Per-connection queue. Overflow drops the oldest droppable event;
	// state-transition events are never dropped.
	wsQueueSize = 64

	// A connection whose queue stays full this long is not draining and
	// gets disconnected.
	wsFullGrace = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// PushHub fans engine events out to websocket clients, keyed by challenge.
type PushHub struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	conns  map[int64]map[*pushConn]struct{}
	closed bool
}

// NewPushHub builds an empty hub.
func NewPushHub(logger zerolog.Logger) *PushHub {
	return &PushHub{
		logger: logger,
		conns:  make(map[int64]map[*pushConn]struct{}),
	}
}

// Broadcast queues an event on every connection watching the challenge.
// Never blocks; slow clients shed load in their own queues.
func (h *PushHub) Broadcast(challengeID int64, event events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns[challengeID] {
		c.enqueue(event)
	}
}

// Close disconnects every client. Used during shutdown.
func (h *PushHub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*pushConn
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.conns = make(map[int64]map[*pushConn]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}

func (h *PushHub) add(c *pushConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	set, ok := h.conns[c.challengeID]
	if !ok {
		set = make(map[*pushConn]struct{})
		h.conns[c.challengeID] = set
	}
	set[c] = struct{}{}
	return true
}

func (h *PushHub) remove(c *pushConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.conns[c.challengeID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.challengeID)
		}
	}
}

// pushConn is one client connection with its bounded event queue.
type pushConn struct {
	challengeID int64
	conn        *websocket.Conn
	logger      zerolog.Logger

	mu        sync.Mutex
	queue     []events.Event
	fullSince time.Time
	closed    bool

	notify chan struct{}
	done   chan struct{}
}

func newPushConn(challengeID int64, conn *websocket.Conn, logger zerolog.Logger) *pushConn {
	return &pushConn{
		challengeID: challengeID,
		conn:        conn,
		logger:      logger,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// enqueue appends an event, shedding the oldest droppable event when the
// queue is full. Terminal events (closes, phase changes, payout updates) are
// always kept; a queue that stays full past the grace period means the
// client is gone, so the connection is cut.
func (c *pushConn) enqueue(ev events.Event) {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return
	}

	if len(c.queue) >= wsQueueSize {
		if c.fullSince.IsZero() {
			c.fullSince = time.Now()
		} else if time.Since(c.fullSince) > wsFullGrace {
			c.mu.Unlock()
			c.logger.Warn().Int64("challenge_id", c.challengeID).
				Msg("push client not draining, disconnecting")
			c.close()
			return
		}

		dropped := false
		for i, queued := range c.queue {
			if !events.IsTerminal(queued.Type) {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped && !events.IsTerminal(ev.Type) {
			// Queue is all terminal events; the incoming event is the
			// droppable one.
			c.mu.Unlock()
			return
		}
	} else {
		c.fullSince = time.Time{}
	}

	c.queue = append(c.queue, ev)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *pushConn) drain() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch := c.queue
	c.queue = nil
	c.fullSince = time.Time{}
	return batch
}

func (c *pushConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *pushConn) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
			for _, ev := range c.drain() {
				c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := c.conn.WriteJSON(ev); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *pushConn) readPump() {
	defer c.close()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// handleChallengeWS upgrades the connection after checking that the caller
// owns the challenge, then streams its events until either side hangs up.
func (s *Server) handleChallengeWS(c *gin.Context) {
	challengeID, err := pathID(c, "challenge_id")
	if err != nil {
		fail(c, err)
		return
	}

	if _, err := s.deps.Challenges.Get(c.Request.Context(), auth.GetUserID(c), auth.IsAdmin(c), challengeID); err != nil {
		fail(c, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	pc := newPushConn(challengeID, conn, s.logger)
	if !s.hub.add(pc) {
		conn.Close()
		return
	}

	s.logger.Debug().Int64("challenge_id", challengeID).Msg("push client connected")

	go pc.writePump()
	pc.readPump()

	s.hub.remove(pc)
	s.logger.Debug().Int64("challenge_id", challengeID).Msg("push client disconnected")
}
