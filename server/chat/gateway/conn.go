package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coach_msg/server/common/auth"
	commonlog "coach_msg/server/common/log"
)

// Slow client policies applied when a connection's send buffer is full.
const (
	PolicyDropOldest = "drop_oldest"
	PolicyDisconnect = "disconnect"
)

// Conn is one client socket. All writes go through a bounded buffer drained
// by writePump, so a slow client never blocks delivery to others.
type Conn struct {
	id  string
	ws  *websocket.Conn
	cfg Config

	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	sendMu     sync.Mutex

	mu       sync.Mutex
	identity auth.Identity
	authed   bool
	holding  bool
	held     [][]byte
}

func newConn(id string, ws *websocket.Conn, cfg Config) *Conn {
	return &Conn{
		id:         id,
		ws:         ws,
		cfg:        cfg,
		send:       make(chan []byte, cfg.SendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		holding:    true,
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Identity() (auth.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.authed
}

func (c *Conn) setIdentity(id auth.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = id
	c.authed = true
}

// Emit queues a direct response to this client.
func (c *Conn) Emit(frame []byte) bool {
	return c.push(frame)
}

// Deliver queues a fan-out event. Until the offline queue has been drained
// events are held back so queued messages go out first.
func (c *Conn) Deliver(frame []byte) bool {
	c.mu.Lock()
	if c.holding {
		if c.closed() {
			c.mu.Unlock()
			return false
		}
		c.held = append(c.held, frame)
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()
	return c.push(frame)
}

// release flushes held events and switches to live delivery.
func (c *Conn) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, frame := range c.held {
		c.push(frame)
	}
	c.held = nil
	c.holding = false
}

// emitWait blocks until frame is buffered, the connection closes or ctx ends.
func (c *Conn) emitWait(ctx context.Context, frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Conn) push(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
	}
	if c.cfg.SlowClientPolicy == PolicyDisconnect {
		commonlog.Warnf("event=chat_ws_send action=overflow status=disconnect conn_id=%s", c.id)
		c.shutdown()
		return false
	}
	select {
	case <-c.send:
		commonlog.Warnf("event=chat_ws_send action=overflow status=dropped_oldest conn_id=%s", c.id)
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// closeAfterFlush writes everything queued so far, sends a close frame and
// waits up to the write timeout for the writer to finish.
func (c *Conn) closeAfterFlush() {
	if !c.emitWait(context.Background(), nil) {
		return
	}
	select {
	case <-c.writerDone:
	case <-time.After(c.cfg.WriteTimeout):
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
		c.shutdown()
	}()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if frame == nil {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
