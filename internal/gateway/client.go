package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the peer has to answer a ping.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames; bids are tiny.
	maxMessageSize = 1024

	// sendQueueSize is the outbound buffer per client. A client that falls
	// this far behind the broadcast stream is ejected.
	sendQueueSize = 64
)

// ErrSendQueueFull is reported to the hub when a client cannot keep up.
var ErrSendQueueFull = errors.New("send queue full")

// Client adapts one websocket connection to the auction hub. Send never
// blocks the broadcaster: frames queue into a buffered channel drained by
// writePump, and a full queue reads as a dead peer.
type Client struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// ID implements auction.Sink.
func (c *Client) ID() string { return c.id }

// Send implements auction.Sink.
func (c *Client) Send(frame []byte) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close implements auction.Sink. It stops writePump, which closes the
// underlying connection; the read loop then unblocks on its own.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// writePump drains the send queue to the peer and keeps the connection
// alive with pings. It owns all writes to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
