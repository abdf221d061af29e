package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 25 * time.Second
)

// Client is one physical transport session. A user may hold several
// concurrent clients (multi-device); each has its own outbound queue drained
// by a single writer goroutine.
type Client struct {
	ConnID string
	UserID string
	Name   string

	WS   *websocket.Conn
	Send chan []byte
	done chan struct{}

	closeOnce sync.Once

	// guarded by the registry mutex
	rooms    map[string]struct{}
	expireAt time.Time
}

func NewClient(connID, userID, name string, ws *websocket.Conn, sendQueueSize int) *Client {
	return &Client{
		ConnID: connID,
		UserID: userID,
		Name:   name,
		WS:     ws,
		Send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// close signals teardown exactly once. The Send channel is never closed:
// fan-out workers and handlers may still be enqueueing, so the writer is
// stopped through done and the socket close instead.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.WS != nil {
			_ = c.WS.Close()
		}
	})
}

// trySend enqueues without blocking. Frames for a closed or backlogged
// client are dropped; the caller decides whether that is worth a log line.
func (c *Client) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// writePump is the single writer for the connection. It also keeps the
// transport alive with pings; the registry sweeper handles dead peers.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.WS.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.WS.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.WS.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.Send:
			_ = c.WS.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WS.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.WS.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WS.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
