package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendQueueSize  = 64
)

// client is one authenticated websocket. Only writePump writes to conn.
type client struct {
	sessionID  string
	identityID string
	deviceID   string

	conn *websocket.Conn
	send chan []byte
	kick chan string
	done chan struct{}

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, sessionID, identityID, deviceID string) *client {
	return &client{
		sessionID:  sessionID,
		identityID: identityID,
		deviceID:   deviceID,
		conn:       conn,
		send:       make(chan []byte, sendQueueSize),
		kick:       make(chan string, 1),
		done:       make(chan struct{}),
	}
}

// enqueue queues frame without blocking. It reports false when the queue is
// full or the client is gone.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// disconnect asks writePump to send force_disconnect and close the socket.
// Only the first reason is used.
func (c *client) disconnect(reason string) {
	select {
	case c.kick <- reason:
	default:
	}
}

// shutdown stops writePump and closes the socket. Safe to call many times.
func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case reason := <-c.kick:
			c.writeForceDisconnect(reason)
			return

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *client) writeForceDisconnect(reason string) {
	deadline := time.Now().Add(writeWait)
	if frame, err := encode(EventForceDisconnect, nil, forceDisconnectPayload{Reason: reason}); err == nil {
		_ = c.conn.SetWriteDeadline(deadline)
		_ = c.conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeForced, reason), deadline)
}
